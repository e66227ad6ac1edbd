// Package storage provides the key-value layer respondent state is
// persisted through. Keys are always derived from the form and user they
// belong to so that records of different forms or users never collide.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

const (
	keyPrefix = "form_progress"
	// SuffixState is the suffix of the persisted respondent session record.
	SuffixState = "state"
)

var keyEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

// Key identifies a record scoped to a form and, optionally, a user.
type Key struct {
	FormID  string
	UserKey string
	Suffix  string
}

// BuildKey composes form_progress_<formId>[_<userKey>]_<suffix>. Each
// component is escaped so that '_' only ever appears as a separator,
// which makes the mapping injective.
func BuildKey(k Key) string {
	suffix := k.Suffix
	if suffix == "" {
		suffix = SuffixState
	}
	parts := []string{keyPrefix, keyEscaper.Replace(k.FormID)}
	if k.UserKey != "" {
		parts = append(parts, keyEscaper.Replace(k.UserKey))
	}
	parts = append(parts, keyEscaper.Replace(suffix))
	return strings.Join(parts, "_")
}

// Adapter reads and writes JSON values through a Backend. It never
// returns errors to callers: failures are logged and reads degrade to
// "absent".
type Adapter struct {
	backend Backend
	logger  *slog.Logger
}

func NewAdapter(backend Backend, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{backend: backend, logger: logger}
}

// Backend returns the underlying backend.
func (a *Adapter) Backend() Backend { return a.backend }

// ReadInto decodes the value at key into v and reports whether a value
// was found. A value that does not decode is removed.
func (a *Adapter) ReadInto(ctx context.Context, key string, v any) bool {
	b, err := a.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Warn("storage read failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		a.logger.Warn("removing corrupted storage entry", slog.String("key", key), slog.String("error", err.Error()))
		a.Remove(ctx, key)
		return false
	}
	return true
}

// Read is the generic form of ReadInto.
func Read[T any](ctx context.Context, a *Adapter, key string) (T, bool) {
	var v T
	if !a.ReadInto(ctx, key, &v) {
		var zero T
		return zero, false
	}
	return v, true
}

// Write encodes v as JSON and stores it at key.
func (a *Adapter) Write(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("storage encode failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if err := a.backend.Set(ctx, key, b); err != nil {
		a.logger.Error("storage write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Remove deletes key.
func (a *Adapter) Remove(ctx context.Context, key string) {
	if err := a.backend.Delete(ctx, key); err != nil {
		a.logger.Error("storage remove failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
