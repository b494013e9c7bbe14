package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestSetSchedulerDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, t.TempDir())

	c.SetSchedulerDepth(3)
	assert.Equal(t, float64(3), gaugeValue(t, c.schedulerDepth))
}

func TestObservePushRecordsLatencyAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, t.TempDir())

	c.ObservePush(10*time.Millisecond, false)
	assert.Equal(t, uint64(1), histogramCount(t, c.pushLatency))
	assert.Equal(t, float64(0), counterValue(t, c.pushFailures))

	c.ObservePush(10*time.Millisecond, true)
	assert.Equal(t, uint64(2), histogramCount(t, c.pushLatency))
	assert.Equal(t, float64(1), counterValue(t, c.pushFailures))
}

func TestObserveBackupRecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, t.TempDir())

	c.ObserveBackup(5 * time.Millisecond)
	assert.Equal(t, uint64(1), histogramCount(t, c.backupDuration))
}

func TestDiskPollerPopulatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	docsRoot := t.TempDir()
	c := NewCollector(reg, docsRoot)
	defer c.Close()

	c.StartDiskPoller(context.Background(), 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return gaugeValue(t, c.diskTotalBytes) > 0
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, gaugeValue(t, c.diskUsedPercent), 0.0)
}

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg, t.TempDir())

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)
}
