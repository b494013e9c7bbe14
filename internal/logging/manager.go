package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Settings controls logrus's own formatting/level plus the optional
// syslog sink, applied once at process startup from config.Config.
type Settings struct {
	Level         string
	JSON          bool
	IncludeCaller bool
	Syslog        *SyslogConfig // nil disables the syslog sink
}

// Manager owns logrus's level/formatter and the set of additional
// Outputs (currently: syslog) a structured entry is dispatched to via
// DispatchHook, independent of logrus's own writer.
type Manager struct {
	mu           sync.Mutex
	logger       *logrus.Logger
	dispatchHook *DispatchHook
	syslog       Output
}

// NewManager creates a Manager around logger and registers its
// DispatchHook. Call Configure to apply a Settings before logging
// starts in earnest.
func NewManager(logger *logrus.Logger) *Manager {
	m := &Manager{logger: logger, dispatchHook: NewDispatchHook()}
	logger.AddHook(m.dispatchHook)
	return m
}

// Configure applies s to the underlying logrus.Logger and (re)opens the
// syslog sink if configured. Safe to call again to reconfigure; any
// previously open syslog connection is closed first.
func (m *Manager) Configure(s Settings) error {
	if s.JSON {
		m.logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		m.logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	level, err := logrus.ParseLevel(s.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	m.logger.SetLevel(level)
	m.logger.SetReportCaller(s.IncludeCaller)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.syslog != nil {
		m.syslog.Close()
		m.syslog = nil
	}
	if s.Syslog != nil {
		out, err := NewSyslogOutputWithConfig(*s.Syslog)
		if err != nil {
			return err
		}
		m.syslog = out
	}
	m.publishSnapshotLocked()
	return nil
}

// Close shuts down the syslog sink, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syslog != nil {
		m.syslog.Close()
		m.syslog = nil
	}
	m.publishSnapshotLocked()
}

// publishSnapshotLocked rebuilds the DispatchHook's output snapshot.
// Callers must hold m.mu.
func (m *Manager) publishSnapshotLocked() {
	snapshot := make([]outputWithFilter, 0, 1)
	if m.syslog != nil {
		snapshot = append(snapshot, outputWithFilter{output: m.syslog, filterLevel: "debug"})
	}
	m.dispatchHook.UpdateSnapshot(snapshot)
}

// outputWithFilter pairs an output with its minimum log level filter.
type outputWithFilter struct {
	output      Output
	filterLevel string
}
