package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// StructuredLogger is the routing core's concrete Logger, adapted from
// the framework's layered logger: JSON by default for log aggregation,
// a human-readable format for local development, and a "component"
// field every message carries so a single process's logs can be
// filtered per subsystem.
type StructuredLogger struct {
	level     string
	debug     bool
	format    string
	component string
	output    io.Writer
}

// NewStructuredLogger creates a logger. format is "json" or "text";
// level gates Debug() calls.
func NewStructuredLogger(level, format string, output io.Writer) *StructuredLogger {
	if output == nil {
		output = os.Stdout
	}
	return &StructuredLogger{
		level:  strings.ToLower(level),
		debug:  strings.ToLower(level) == "debug",
		format: format,
		output: output,
	}
}

// WithComponent returns a logger tagged with component, sharing the
// same output and level. Implements ComponentAwareLogger.
func (l *StructuredLogger) WithComponent(component string) Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if l.debug {
		l.log("DEBUG", msg, fields)
	}
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *StructuredLogger) log(level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "text" {
		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}
		fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.component, msg, fieldStr.String())
		return
	}

	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		entry[k] = v
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}
