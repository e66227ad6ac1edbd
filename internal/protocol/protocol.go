// Package protocol holds the JSON shapes exchanged with the respondent API.
package protocol

import "encoding/json"

// Envelope is the common response wrapper of every endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Status is the HTTP status; it is filled in by the client, not sent.
	Status int `json:"-"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name,omitempty"`
	IsGuest  bool   `json:"isGuest,omitempty"`
}

type Respondent struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type LoginResponse struct {
	Token      string     `json:"token"`
	Respondent Respondent `json:"respondent"`
}

// SessionPayload describes a respondent's session for one form.
type SessionPayload struct {
	SessionID      string      `json:"session_id,omitempty"`
	FormID         string      `json:"form_id,omitempty"`
	IsActive       bool        `json:"isActive"`
	RespondentInfo *Respondent `json:"respondentinfo,omitempty"`
	ExpiresAt      int64       `json:"expires_at,omitempty"`
}

// ReplaceResponse is returned when a duplicate session is resolved.
type ReplaceResponse struct {
	FormID  string          `json:"form_id,omitempty"`
	Token   string          `json:"token,omitempty"`
	Session *SessionPayload `json:"session,omitempty"`
	Guest   *Respondent     `json:"guest,omitempty"`
}

type RemovalEmailRequest struct {
	Email  string `json:"email"`
	FormID string `json:"form_id"`
	Code   string `json:"code,omitempty"`
	Name   string `json:"name,omitempty"`
}

type CheckSessionResponse struct {
	LoggedIn   bool        `json:"loggedIn"`
	Respondent *Respondent `json:"respondent,omitempty"`
}

// Error codes carried in Envelope.Error.
const (
	ErrCodeInvalidCode        = "invalid code"
	ErrCodeInvalidCredentials = "invalid credentials"
	ErrCodeSessionExpired     = "session expired"
)
