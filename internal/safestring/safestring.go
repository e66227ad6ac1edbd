// Package safestring holds credential values in zeroizable byte slices
// that never leak into logs or JSON.
package safestring

import (
	"crypto/subtle"
	"log/slog"
	"unsafe"
)

const redacted = "[redacted]"

// SafeString represents a secret stored in a byte slice that can be securely zeroed
type SafeString struct {
	data []byte
}

// New creates a SafeString from a regular string
func New(s string) *SafeString {
	data := make([]byte, len(s))
	copy(data, s)
	return &SafeString{data: data}
}

// Reveal returns the secret value (creates a copy)
func (s *SafeString) Reveal() string {
	if s == nil || s.data == nil {
		return ""
	}
	return string(s.data)
}

// String implements fmt.Stringer without exposing the secret
func (s *SafeString) String() string {
	return redacted
}

// LogValue implements slog.LogValuer so secrets are redacted in logs
func (s *SafeString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// MarshalJSON never serializes the secret
func (s *SafeString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Len returns the length of the secret
func (s *SafeString) Len() int {
	if s == nil || s.data == nil {
		return 0
	}
	return len(s.data)
}

// IsEmpty returns true if the secret is empty
func (s *SafeString) IsEmpty() bool {
	return s.Len() == 0
}

// EqualString compares the secret with a regular string using constant-time comparison
func (s *SafeString) EqualString(str string) bool {
	if s == nil || s.data == nil {
		return str == ""
	}
	return subtle.ConstantTimeCompare(s.data, []byte(str)) == 1
}

// Zero securely overwrites the underlying byte slice with zeros
func (s *SafeString) Zero() {
	if s == nil || s.data == nil {
		return
	}

	ptr := unsafe.Pointer(unsafe.SliceData(s.data))
	for i := range s.data {
		*(*byte)(unsafe.Add(ptr, i)) = 0
	}

	s.data = nil
}
