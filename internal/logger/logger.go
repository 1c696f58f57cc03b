// Package logger builds the process-wide slog logger.
//
// Text output goes through charmbracelet/log for readable terminal logs.
// JSON output writes one Entry per line, lifting the "component" and
// "session_id" attributes to top-level fields so log pipelines can filter on
// them.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"
)

// Environment overrides, applied on top of configured values.
const (
	EnvFormat = "AGENTD_LOG_FORMAT"
	EnvLevel  = "AGENTD_LOG_LEVEL"
)

// Options selects the log format and minimum level.
type Options struct {
	Format string // "text" or "json"
	Level  string // "debug", "info", "warn" or "error"
}

// Entry is one JSON log line.
type Entry struct {
	Level     string         `json:"level"`
	Time      string         `json:"time"`
	Component string         `json:"component,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// New returns a logger writing to stderr.
func New(opts Options) (*slog.Logger, error) {
	return NewWithWriter(opts, os.Stderr)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(opts Options, w io.Writer) (*slog.Logger, error) {
	format := pick(os.Getenv(EnvFormat), opts.Format, "text")
	level, err := ParseLevel(pick(os.Getenv(EnvLevel), opts.Level, "info"))
	if err != nil {
		return nil, err
	}

	switch format {
	case "text":
		h := charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
		return slog.New(h), nil
	case "json":
		return slog.New(&jsonHandler{level: level, w: w, mu: &sync.Mutex{}}), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func pick(values ...string) string {
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			return v
		}
	}
	return ""
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unsupported log level %q", s)
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

type jsonHandler struct {
	level  slog.Level
	w      io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	e := Entry{
		Level:   strings.ToLower(r.Level.String()),
		Time:    t.UTC().Format(time.RFC3339Nano),
		Message: r.Message,
		Fields:  map[string]any{},
	}
	for _, a := range h.attrs {
		h.apply(&e, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.apply(&e, h.prefix, a)
		return true
	})
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(line, '\n'))
	return err
}

func (h *jsonHandler) apply(e *Entry, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Key == "" {
		return
	}
	key := prefix + a.Key
	if a.Value.Kind() == slog.KindString {
		switch key {
		case "component":
			e.Component = a.Value.String()
			return
		case "session_id":
			e.SessionID = a.Value.String()
			return
		}
	}
	e.Fields[key] = value(a.Value)
}

func value(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		out := make(map[string]any)
		for _, a := range v.Group() {
			out[a.Key] = value(a.Value.Resolve())
		}
		return out
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
