package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zach-source/gradtracer/internal/audit"
	"github.com/zach-source/gradtracer/internal/client"
	"github.com/zach-source/gradtracer/internal/guest"
	"github.com/zach-source/gradtracer/internal/protocol"
	"github.com/zach-source/gradtracer/internal/storage"
)

// RouteNotFound is where invalid replace links end up.
const RouteNotFound = "/not-found"

// DefaultNotFoundDelay is the pause before redirecting an invalid code.
const DefaultNotFoundDelay = 3 * time.Second

// ErrMissingParams is returned when the form id or code is empty.
var ErrMissingParams = errors.New("missing form id or replace code")

// FormRoute is the form itself.
func FormRoute(formID string) string {
	return "/form/" + url.PathEscape(formID)
}

// GateRoute is the login gate in front of a form.
func GateRoute(formID string) string {
	return "/form-access/" + url.PathEscape(formID)
}

// Route is where the respondent goes after a replace decision.
type Route struct {
	Path  string
	Delay time.Duration
}

// ReplaceAPI is the part of the respondent API the Replacer calls.
type ReplaceAPI interface {
	ReplaceSession(ctx context.Context, code string, skipAutoLogin bool) (protocol.ReplaceResponse, error)
	StoredAuth(ctx context.Context) (client.AuthRecord, bool)
}

// ReplacerOptions configures a Replacer.
type ReplacerOptions struct {
	API     ReplaceAPI
	Durable *storage.Adapter
	Guests  *guest.Store
	// NotFoundDelay of zero means DefaultNotFoundDelay; negative means none.
	NotFoundDelay time.Duration
	Logger        *slog.Logger
	Audit         *audit.Logger
}

// Replacer resolves duplicate sessions with server issued one-time
// codes. Every code is used at most once.
type Replacer struct {
	api      ReplaceAPI
	durable  *storage.Adapter
	guests   *guest.Store
	delay    time.Duration
	logger   *slog.Logger
	audit    *audit.Logger
	mu       sync.Mutex
	consumed map[string]struct{}
}

func NewReplacer(opts ReplacerOptions) *Replacer {
	delay := opts.NotFoundDelay
	switch {
	case delay == 0:
		delay = DefaultNotFoundDelay
	case delay < 0:
		delay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replacer{
		api:      opts.API,
		durable:  opts.Durable,
		guests:   opts.Guests,
		delay:    delay,
		logger:   logger.With(slog.String("component", "replace")),
		audit:    opts.Audit,
		consumed: make(map[string]struct{}),
	}
}

// Terminate ends the other session, signs in here and routes to the form.
func (r *Replacer) Terminate(ctx context.Context, formID, code string) (Route, error) {
	return r.resolve(ctx, formID, code, false)
}

// Dismiss ends the other session without signing in and routes to the
// login gate. The next load does not log in automatically.
func (r *Replacer) Dismiss(ctx context.Context, formID, code string) (Route, error) {
	return r.resolve(ctx, formID, code, true)
}

func (r *Replacer) resolve(ctx context.Context, formID, code string, dismiss bool) (Route, error) {
	formID, code = strings.TrimSpace(formID), strings.TrimSpace(code)
	if formID == "" || code == "" {
		return Route{Path: RouteNotFound}, ErrMissingParams
	}
	action := "terminate"
	if dismiss {
		action = "dismiss"
	}

	r.mu.Lock()
	if _, used := r.consumed[code]; used {
		r.mu.Unlock()
		r.record(formID, "", action, "consumed")
		return r.notFound(), client.ErrInvalidCode
	}
	r.consumed[code] = struct{}{}
	r.mu.Unlock()

	resp, err := r.api.ReplaceSession(ctx, code, dismiss)
	if err != nil {
		if errors.Is(err, client.ErrInvalidCode) {
			r.record(formID, "", action, "invalid_code")
			return r.notFound(), err
		}
		// The code was never accepted, so a retry may use it.
		r.mu.Lock()
		delete(r.consumed, code)
		r.mu.Unlock()
		r.logger.Warn("replace session failed", slog.String("form_id", formID), slog.String("error", err.Error()))
		return Route{}, fmt.Errorf("%s session: %w", action, err)
	}

	userKey := r.userKey(ctx, resp)
	st := RespondentSession{IsActive: !dismiss, IsSwitchedUser: dismiss}
	if resp.Session != nil {
		st.RespondentInfo = resp.Session.RespondentInfo
		if !dismiss {
			st.SessionID = resp.Session.SessionID
		}
	}
	if userKey != "" {
		r.durable.Write(ctx, storage.BuildKey(storage.Key{FormID: formID, UserKey: userKey, Suffix: storage.SuffixState}), st)
	}

	if resp.Guest != nil && r.guests != nil {
		if dismiss {
			r.guests.Clear(ctx)
		} else {
			r.guests.Save(ctx, guest.Identity{Name: resp.Guest.Name, Email: resp.Guest.Email, IsActive: true})
		}
	}

	r.record(formID, userKey, action, "ok")
	if dismiss {
		return Route{Path: GateRoute(formID)}, nil
	}
	return Route{Path: FormRoute(formID)}, nil
}

func (r *Replacer) userKey(ctx context.Context, resp protocol.ReplaceResponse) string {
	if resp.Session != nil && resp.Session.RespondentInfo != nil && resp.Session.RespondentInfo.Email != "" {
		return resp.Session.RespondentInfo.Email
	}
	if rec, ok := r.api.StoredAuth(ctx); ok {
		return rec.Email
	}
	return ""
}

func (r *Replacer) notFound() Route {
	return Route{Path: RouteNotFound, Delay: r.delay}
}

func (r *Replacer) record(formID, userKey, action, decision string) {
	r.logger.Info("replace session", slog.String("form_id", formID), slog.String("action", action), slog.String("decision", decision))
	r.audit.LogSessionEvent(audit.EventReplace, formID, userKey, decision, map[string]string{"action": action})
}
