package logging

import (
	"time"
)

// Output represents a log output destination beyond logrus's own writer.
type Output interface {
	Write(entry *LogEntry) error
	Close() error
}

// LogEntry is a structured log entry as handed to an Output.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}
