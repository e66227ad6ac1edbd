package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zach-source/gradtracer/internal/protocol"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCode        = errors.New("invalid or consumed code")
	ErrSessionExpired     = errors.New("session expired")
)

// Kind discriminates normalized outcomes.
type Kind int

const (
	KindOK Kind = iota
	KindExpired
	KindInvalid
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindExpired:
		return "expired"
	case KindInvalid:
		return "invalid"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is a server response reduced to what callers branch on.
type Outcome struct {
	Kind    Kind
	Payload json.RawMessage
	Message string
	Status  int
}

// APIError is a failed call that is neither expiry nor an invalid input.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "request failed: " + e.Message
	}
	return fmt.Sprintf("server error: %d: %s", e.Status, e.Message)
}

// Err converts the outcome into an error. invalid is returned for
// KindInvalid.
func (o Outcome) Err(invalid error) error {
	switch o.Kind {
	case KindOK:
		return nil
	case KindExpired:
		return ErrSessionExpired
	case KindInvalid:
		if invalid != nil {
			return invalid
		}
	}
	return &APIError{Status: o.Status, Message: o.Message}
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (o Outcome) Decode(v any) error {
	if len(o.Payload) == 0 || string(o.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Verification is the normalized result of a session verification.
type Verification struct {
	Kind      Kind
	Session   protocol.SessionPayload
	Message   string
	Status    int
	FromCache bool
}

func base(env protocol.Envelope) Outcome {
	if env.Success {
		return Outcome{Kind: KindOK, Payload: env.Data, Status: env.Status}
	}
	return Outcome{Kind: KindError, Message: env.Error, Status: env.Status}
}

func isUnauthorized(status int) bool {
	// 419 and 440 are used by some gateways for session timeouts.
	return status == http.StatusUnauthorized || status == 419 || status == 440
}

func errorIs(env protocol.Envelope, code string) bool {
	return strings.EqualFold(strings.TrimSpace(env.Error), code)
}

func normalizeMutation(env protocol.Envelope) Outcome {
	return base(env)
}

func normalizeLogin(env protocol.Envelope) Outcome {
	out := base(env)
	if out.Kind == KindError && (env.Status == http.StatusUnauthorized || errorIs(env, protocol.ErrCodeInvalidCredentials)) {
		out.Kind = KindInvalid
	}
	return out
}

func normalizeVerify(env protocol.Envelope) Verification {
	out := base(env)
	if out.Kind == KindError && (isUnauthorized(env.Status) || errorIs(env, protocol.ErrCodeSessionExpired)) {
		out.Kind = KindExpired
	}
	v := Verification{Kind: out.Kind, Message: out.Message, Status: out.Status}
	if out.Kind == KindOK {
		if err := out.Decode(&v.Session); err != nil {
			return Verification{Kind: KindError, Message: err.Error(), Status: out.Status}
		}
	}
	return v
}

func normalizeReplace(env protocol.Envelope) Outcome {
	out := base(env)
	if out.Kind == KindError && (env.Status == http.StatusNotFound || env.Status == http.StatusGone || errorIs(env, protocol.ErrCodeInvalidCode)) {
		out.Kind = KindInvalid
	}
	return out
}

func normalizeCheck(env protocol.Envelope) Outcome {
	out := base(env)
	if out.Kind == KindError && isUnauthorized(env.Status) {
		out.Kind = KindExpired
	}
	return out
}
