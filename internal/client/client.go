// Package client talks to the respondent API and normalizes every
// response into a typed outcome.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/zach-source/gradtracer/internal/cache"
	"github.com/zach-source/gradtracer/internal/clock"
	"github.com/zach-source/gradtracer/internal/protocol"
	"github.com/zach-source/gradtracer/internal/safestring"
	"github.com/zach-source/gradtracer/internal/storage"
)

// AuthKey is the durable storage key holding the signed-in respondent.
const AuthKey = "respondent_auth"

// DefaultVerifyStaleAfter is how long a successful verification is reused.
const DefaultVerifyStaleAfter = 30 * time.Second

// Credentials are submitted by the login form.
type Credentials struct {
	Email    string
	Password *safestring.SafeString
	Name     string
	IsGuest  bool
}

// AuthRecord is the persisted result of a successful login.
type AuthRecord struct {
	Token string `json:"token"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL          string
	HTTPClient       *http.Client
	Storage          *storage.Adapter
	VerifyStaleAfter time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
}

// Client talks to the respondent API. The auth token is kept in the
// storage adapter so it survives restarts; verification results are
// cached for the staleness window.
type Client struct {
	http   *http.Client
	base   string
	store  *storage.Adapter
	cache  *cache.Cache
	clock  clock.Clock
	logger *slog.Logger
	sf     singleflight.Group
}

// New creates a Client for the API at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("client: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewAdapter(storage.NewMemoryBackend(), opts.Logger)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// A negative staleness window disables caching.
	if opts.VerifyStaleAfter == 0 {
		opts.VerifyStaleAfter = DefaultVerifyStaleAfter
	}
	return &Client{
		http:   opts.HTTPClient,
		base:   base,
		store:  opts.Storage,
		cache:  cache.New(opts.VerifyStaleAfter, opts.Clock),
		clock:  opts.Clock,
		logger: opts.Logger.With(slog.String("component", "client")),
	}, nil
}

// Cache exposes the verification cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// StoredAuth returns the persisted login, if any.
func (c *Client) StoredAuth(ctx context.Context) (AuthRecord, bool) {
	rec, ok := storage.Read[AuthRecord](ctx, c.store, AuthKey)
	if !ok || rec.Token == "" {
		return AuthRecord{}, false
	}
	return rec, true
}

// do sends one request and always returns an envelope; transport
// failures are reported with Status 0.
func (c *Client) do(ctx context.Context, method, path string, req any) protocol.Envelope {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return protocol.Envelope{Error: err.Error()}
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return protocol.Envelope{Error: err.Error()}
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if rec, ok := c.StoredAuth(ctx); ok {
		httpReq.Header.Set("Authorization", "Bearer "+rec.Token)
	}

	r, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("request failed", slog.String("method", method), slog.String("path", path), slog.String("error", err.Error()))
		return protocol.Envelope{Error: err.Error()}
	}
	defer r.Body.Close()

	var env protocol.Envelope
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		c.logger.Warn("reading response failed", slog.String("method", method), slog.String("path", path), slog.String("error", err.Error()))
		return protocol.Envelope{Error: err.Error(), Status: r.StatusCode}
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &env); err != nil {
			env = protocol.Envelope{Error: strings.TrimSpace(string(b))}
		}
	}
	env.Status = r.StatusCode
	if r.StatusCode >= 400 {
		env.Success = false
		if env.Error == "" {
			env.Error = r.Status
		}
	}
	c.logger.Debug("request done", slog.String("method", method), slog.String("path", path), slog.Int("status", r.StatusCode))
	return env
}

// Login submits credentials and persists the returned token.
func (c *Client) Login(ctx context.Context, creds Credentials) (protocol.LoginResponse, error) {
	req := protocol.LoginRequest{Email: creds.Email, Name: creds.Name, IsGuest: creds.IsGuest}
	if creds.Password != nil {
		req.Password = creds.Password.Reveal()
		defer creds.Password.Zero()
	}

	out := normalizeLogin(c.do(ctx, http.MethodPost, "/respondent/login", req))
	if err := out.Err(ErrInvalidCredentials); err != nil {
		return protocol.LoginResponse{}, err
	}
	var resp protocol.LoginResponse
	if err := out.Decode(&resp); err != nil {
		return protocol.LoginResponse{}, err
	}
	if resp.Respondent.Email == "" {
		resp.Respondent.Email = creds.Email
	}
	c.store.Write(ctx, AuthKey, AuthRecord{Token: resp.Token, Email: resp.Respondent.Email, Name: resp.Respondent.Name})
	c.cache.Clear()
	return resp, nil
}

// Logout ends the respondent's login. Local tokens and cached
// verifications are cleared even if the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	out := normalizeMutation(c.do(ctx, http.MethodDelete, "/respondent/logout", nil))
	c.clearLocal(ctx)
	return out.Err(nil)
}

// SignOut ends the respondent's session for one form, failing open like Logout.
func (c *Client) SignOut(ctx context.Context, formID string) error {
	out := normalizeMutation(c.do(ctx, http.MethodDelete, "/response/sessionlogout/"+url.PathEscape(formID), nil))
	c.clearLocal(ctx)
	return out.Err(nil)
}

func (c *Client) clearLocal(ctx context.Context) {
	c.cache.Clear()
	c.store.Remove(ctx, AuthKey)
}

// VerifySession checks the respondent's session for formID. Concurrent
// calls for the same form share one request, valid results are reused
// for the staleness window, and nothing is retried.
func (c *Client) VerifySession(ctx context.Context, formID string) Verification {
	if rec, ok := c.StoredAuth(ctx); ok && c.tokenExpired(rec.Token) {
		c.cache.Delete(formID)
		return Verification{Kind: KindExpired, Message: "token expired", Status: http.StatusUnauthorized}
	}
	if b, ok, _ := c.cache.Get(formID); ok {
		var payload protocol.SessionPayload
		if err := json.Unmarshal(b, &payload); err == nil {
			return Verification{Kind: KindOK, Session: payload, FromCache: true, Status: http.StatusOK}
		}
	}

	v, _, _ := c.sf.Do(formID, func() (interface{}, error) {
		env := c.do(ctx, http.MethodGet, "/response/verifyformsession/"+url.PathEscape(formID), nil)
		ver := normalizeVerify(env)
		if ver.Kind == KindOK {
			if b, err := json.Marshal(ver.Session); err == nil {
				c.cache.Set(formID, b)
			}
		} else {
			c.cache.Delete(formID)
		}
		return ver, nil
	})
	return v.(Verification)
}

// tokenExpired reports whether token is a JWT whose exp is in the past.
// Opaque tokens are never considered expired locally.
func (c *Client) tokenExpired(token string) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !c.clock.Now().Before(claims.ExpiresAt.Time)
}

// ReplaceSession resolves a duplicate session with a one-time code. With
// skipAutoLogin the old session is dropped without signing in again.
func (c *Client) ReplaceSession(ctx context.Context, code string, skipAutoLogin bool) (protocol.ReplaceResponse, error) {
	path := "/response/sessionremoval/" + url.PathEscape(code)
	if skipAutoLogin {
		path += "?skiplogin=1"
	}
	out := normalizeReplace(c.do(ctx, http.MethodPatch, path, nil))
	if err := out.Err(ErrInvalidCode); err != nil {
		return protocol.ReplaceResponse{}, err
	}
	var resp protocol.ReplaceResponse
	if err := out.Decode(&resp); err != nil {
		return protocol.ReplaceResponse{}, err
	}
	if resp.Token != "" && resp.Session != nil && resp.Session.RespondentInfo != nil {
		info := resp.Session.RespondentInfo
		c.store.Write(ctx, AuthKey, AuthRecord{Token: resp.Token, Email: info.Email, Name: info.Name})
	}
	c.cache.Clear()
	return resp, nil
}

// SendRemovalEmail asks the server to notify a respondent that their
// session was removed.
func (c *Client) SendRemovalEmail(ctx context.Context, req protocol.RemovalEmailRequest) error {
	return normalizeMutation(c.do(ctx, http.MethodPost, "/response/send-removal-email", req)).Err(nil)
}

// CheckSession is the app-wide "am I logged in" check.
func (c *Client) CheckSession(ctx context.Context) (protocol.CheckSessionResponse, error) {
	out := normalizeCheck(c.do(ctx, http.MethodGet, "/checksession", nil))
	switch out.Kind {
	case KindOK:
		var resp protocol.CheckSessionResponse
		if err := out.Decode(&resp); err != nil {
			return protocol.CheckSessionResponse{}, err
		}
		return resp, nil
	case KindExpired:
		return protocol.CheckSessionResponse{LoggedIn: false}, nil
	default:
		return protocol.CheckSessionResponse{}, out.Err(nil)
	}
}
