// Package logger builds the slog logger shared by every component. Text output
// goes through charmbracelet/log; JSON output writes one Entry per line with
// the routing fields lifted out of the attribute map.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"parley/pkg/config"
)

const (
	envLogFormat    = "PARLEY_LOG_FORMAT"
	envLogLevel     = "PARLEY_LOG_LEVEL"
	envLogAddSource = "PARLEY_LOG_ADD_SOURCE"
)

// Entry is one JSON log line. Attributes naming the component, platform,
// routing key or conversation are promoted to top-level fields so log
// pipelines can index a conversation without parsing Fields.
type Entry struct {
	Level          string         `json:"level"`
	Timestamp      string         `json:"timestamp"`
	Message        string         `json:"message"`
	Component      string         `json:"component,omitempty"`
	Platform       string         `json:"platform,omitempty"`
	RoutingKey     string         `json:"routing_key,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Caller         string         `json:"caller,omitempty"`
}

type options struct {
	format    string
	level     slog.Level
	addSource bool
}

// resolve merges cfg with the PARLEY_LOG_* environment; the environment wins.
func resolve(cfg config.LoggingConfig) (options, error) {
	format := firstNonEmpty(os.Getenv(envLogFormat), cfg.Format, "text")
	if format != "json" && format != "text" {
		return options{}, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := firstNonEmpty(os.Getenv(envLogLevel), cfg.Level, "info")
	level, ok := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}[levelText]
	if !ok {
		return options{}, fmt.Errorf("unsupported log level %q", levelText)
	}

	addSource := cfg.AddSource
	if env := strings.TrimSpace(os.Getenv(envLogAddSource)); env != "" {
		switch strings.ToLower(env) {
		case "1", "true", "yes", "on":
			addSource = true
		default:
			addSource = false
		}
	}

	return options{format: format, level: level, addSource: addSource}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
			return value
		}
	}
	return ""
}

// New logs to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewToWriter(cfg, os.Stderr)
}

// NewToWriter is New with an explicit destination. The terminal chat uses it to
// keep log lines out of the alternate screen.
func NewToWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	if writer == nil {
		writer = io.Discard
	}

	opts, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if opts.format == "text" {
		return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(opts.level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			ReportCaller:    opts.addSource,
			Formatter:       charmLog.TextFormatter,
			Prefix:          "parley",
		})), nil
	}

	return slog.New(&jsonHandler{opts: opts, writer: writer, mu: &sync.Mutex{}}), nil
}

// Setup builds the logger and installs it as the slog default.
func Setup(cfg config.LoggingConfig) (*slog.Logger, error) {
	log, err := New(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(log)
	return log, nil
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
	opts   options
	writer io.Writer
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := Entry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}

	fields := make(map[string]any)
	for _, attr := range h.attrs {
		h.collect(&entry, fields, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.collect(&entry, fields, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.opts.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *jsonHandler) collect(entry *Entry, fields map[string]any, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if len(h.groups) == 0 && attr.Value.Kind() == slog.KindString {
		promoted := map[string]*string{
			"component":       &entry.Component,
			"platform":        &entry.Platform,
			"routing_key":     &entry.RoutingKey,
			"conversation_id": &entry.ConversationID,
		}
		if target, ok := promoted[attr.Key]; ok {
			*target = attr.Value.String()
			return
		}
	}

	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + attr.Key
	}
	fields[key] = jsonValue(attr.Value)
}

func jsonValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = jsonValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
