package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zach-source/gradtracer/internal/clock"
)

// Event represents one access control audit record
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	FormID    string            `json:"form_id,omitempty"`
	UserKey   string            `json:"user_key,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Event names
const (
	EventTransition = "MODE_TRANSITION"
	EventWarning    = "INACTIVITY_WARNING"
	EventSignOut    = "SIGN_OUT"
	EventVerify     = "SESSION_VERIFY"
	EventReplace    = "SESSION_REPLACE"
)

// RotationConfig configures audit log rotation
type RotationConfig struct {
	Filename   string `json:"filename" yaml:"filename"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxDays    int    `json:"max_days" yaml:"max_days"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// Logger handles audit event logging. A nil *Logger discards events.
type Logger struct {
	mu     sync.Mutex
	out    io.WriteCloser
	clock  clock.Clock
	logger *slog.Logger
}

// NewLogger writes events to a rotating file described by cfg
func NewLogger(cfg RotationConfig, logger *slog.Logger) *Logger {
	return NewWriterLogger(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}, nil, logger)
}

// NewWriterLogger writes events to w
func NewWriterLogger(w io.WriteCloser, clk clock.Clock, logger *slog.Logger) *Logger {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{out: w, clock: clk, logger: logger}
}

// LogEvent records an audit event
func (l *Logger) LogEvent(event Event) {
	if l == nil {
		return
	}
	event.Timestamp = l.clock.Now()

	data, err := json.Marshal(event)
	if err == nil {
		l.mu.Lock()
		_, err = l.out.Write(append(data, '\n'))
		l.mu.Unlock()
	}
	if err != nil {
		l.logger.Error("audit write failed", slog.String("error", err.Error()))
	}

	l.logger.Debug("audit",
		slog.String("event", event.Event),
		slog.String("form_id", event.FormID),
		slog.String("decision", event.Decision),
		slog.String("details", formatDetails(event.Details)))
}

// LogTransition records an access mode change
func (l *Logger) LogTransition(formID, userKey, from, to, reason string) {
	l.LogEvent(Event{
		Event:   EventTransition,
		FormID:  formID,
		UserKey: userKey,
		From:    from,
		To:      to,
		Details: map[string]string{"reason": reason},
	})
}

// LogSessionEvent records warnings, sign-outs and verifications
func (l *Logger) LogSessionEvent(eventType, formID, userKey, decision string, details map[string]string) {
	l.LogEvent(Event{
		Event:    eventType,
		FormID:   formID,
		UserKey:  userKey,
		Decision: decision,
		Details:  details,
	})
}

// Close closes the audit output
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}

	result := make([]string, 0, len(details))
	for k, v := range details {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)

	return "[" + strings.Join(result, ", ") + "]"
}
