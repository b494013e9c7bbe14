// Package metrics exposes the storage manager's own health signals —
// scheduler backlog, push latency, backup duration, and docsRoot disk
// usage — as Prometheus collectors.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// Collector registers and updates docworker's Prometheus metrics.
type Collector struct {
	schedulerDepth prometheus.Gauge
	pushLatency    prometheus.Histogram
	pushFailures   prometheus.Counter
	backupDuration prometheus.Histogram

	diskUsedPercent prometheus.Gauge
	diskUsedBytes   prometheus.Gauge
	diskTotalBytes  prometheus.Gauge

	docsRoot string
	cancel   context.CancelFunc
}

// NewCollector registers docworker's metrics with reg and returns a
// Collector ready to record observations. docsRoot is polled
// periodically by StartDiskPoller for the disk-usage gauges.
func NewCollector(reg prometheus.Registerer, docsRoot string) *Collector {
	c := &Collector{
		docsRoot: docsRoot,
		schedulerDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docworker",
			Subsystem: "scheduler",
			Name:      "pending_keys",
			Help:      "Number of docIds with a push currently scheduled, running or retrying.",
		}),
		pushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docworker",
			Subsystem: "push",
			Name:      "latency_seconds",
			Help:      "Time to upload a document's snapshot to the remote store.",
			Buckets:   prometheus.DefBuckets,
		}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docworker",
			Subsystem: "push",
			Name:      "failures_total",
			Help:      "Pushes that failed and were scheduled for retry.",
		}),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docworker",
			Subsystem: "snapshot",
			Name:      "backup_duration_seconds",
			Help:      "Time spent in the sqlite backup API producing a local snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),
		diskUsedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docworker",
			Subsystem: "disk",
			Name:      "used_percent",
			Help:      "Percentage of docsRoot's filesystem in use.",
		}),
		diskUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docworker",
			Subsystem: "disk",
			Name:      "used_bytes",
			Help:      "Bytes in use on docsRoot's filesystem.",
		}),
		diskTotalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docworker",
			Subsystem: "disk",
			Name:      "total_bytes",
			Help:      "Total size of docsRoot's filesystem.",
		}),
	}

	reg.MustRegister(
		c.schedulerDepth,
		c.pushLatency,
		c.pushFailures,
		c.backupDuration,
		c.diskUsedPercent,
		c.diskUsedBytes,
		c.diskTotalBytes,
	)
	return c
}

// SetSchedulerDepth records the scheduler's current backlog size.
func (c *Collector) SetSchedulerDepth(n int) {
	c.schedulerDepth.Set(float64(n))
}

// ObservePush records a push's duration and, on failure, counts a retry.
func (c *Collector) ObservePush(d time.Duration, failed bool) {
	c.pushLatency.Observe(d.Seconds())
	if failed {
		c.pushFailures.Inc()
	}
}

// ObserveBackup records a sqlite backup's duration.
func (c *Collector) ObserveBackup(d time.Duration) {
	c.backupDuration.Observe(d.Seconds())
}

// StartDiskPoller samples docsRoot's filesystem usage every interval
// until ctx is cancelled or Close is called. Safe to call at most once.
func (c *Collector) StartDiskPoller(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		c.pollDiskOnce()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.pollDiskOnce()
			}
		}
	}()
}

func (c *Collector) pollDiskOnce() {
	usage, err := disk.Usage(c.docsRoot)
	if err != nil {
		logrus.WithError(err).WithField("docsRoot", c.docsRoot).Warn("metrics: disk usage poll failed")
		return
	}
	c.diskUsedPercent.Set(usage.UsedPercent)
	c.diskUsedBytes.Set(float64(usage.Used))
	c.diskTotalBytes.Set(float64(usage.Total))
}

// Close stops the disk poller, if started.
func (c *Collector) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
