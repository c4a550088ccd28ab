package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

// LogEmitter implements Emitter by writing each event as a structured log
// record.
//
// Supports two output modes:
//   - Text mode (default): key=value pairs
//   - JSON mode: one JSON object per line
//
// Example text output:
//
//	time=... level=INFO msg=transition_applied plan=plan-1 node=n-1 status=DISCONTINUING version=3
//
// Example JSON output:
//
//	{"time":"...","level":"INFO","msg":"transition_applied","plan":"plan-1","node":"n-1","status":"DISCONTINUING","version":3}
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when nil).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(writer, nil)
	} else {
		handler = slog.NewTextHandler(writer, nil)
	}
	return &LogEmitter{logger: slog.New(handler)}
}

// NewLoggerEmitter creates a LogEmitter that writes through an existing
// logger, so events share the process's log pipeline.
func NewLoggerEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit writes the event. Events carrying an "error" meta key are logged at
// warn level.
func (l *LogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	if _, failed := event.Meta["error"]; failed {
		level = slog.LevelWarn
	}

	attrs := make([]slog.Attr, 0, len(event.Meta)+2)
	attrs = append(attrs, slog.String("plan", event.PlanExecutionID))
	if event.NodeExecutionID != "" {
		attrs = append(attrs, slog.String("node", event.NodeExecutionID))
	}

	// Sorted keys keep text output stable between runs.
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	l.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
