// Package access decides how a respondent reaches a form. The Controller
// moves between the login, guest and authenticated modes, persists the
// respondent's per-form session record and drives inactivity tracking.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/looplab/fsm"

	"github.com/zach-source/gradtracer/internal/audit"
	"github.com/zach-source/gradtracer/internal/client"
	"github.com/zach-source/gradtracer/internal/clock"
	"github.com/zach-source/gradtracer/internal/guest"
	"github.com/zach-source/gradtracer/internal/policy"
	"github.com/zach-source/gradtracer/internal/protocol"
	"github.com/zach-source/gradtracer/internal/safestring"
	"github.com/zach-source/gradtracer/internal/session"
	"github.com/zach-source/gradtracer/internal/storage"
)

// Mode is the top-level access state of a form.
type Mode string

const (
	ModeLogin         Mode = "login"
	ModeGuest         Mode = "guest"
	ModeAuthenticated Mode = "authenticated"
)

const (
	eventAuthenticate = "authenticate"
	eventEnterGuest   = "enter_guest"
	eventSwitchUser   = "switch_user"
	eventSignOut      = "sign_out"
	eventDrop         = "drop"
)

var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrGuestNotAllowed    = errors.New("guest access is not allowed for this form")
	ErrFormClosed         = errors.New("form is not accepting responses")
	ErrInvalidCredentials = client.ErrInvalidCredentials
	ErrSignedOut          = session.ErrSignedOut
	ErrWrongMode          = errors.New("command not allowed in current access mode")
	ErrNoExistingUser     = errors.New("no signed in respondent to continue as")
)

// RespondentSession is the per form and user record owned by the Controller.
type RespondentSession struct {
	IsActive       bool                 `json:"isActive"`
	IsSwitchedUser bool                 `json:"isSwitchedUser"`
	SessionID      string               `json:"session_id,omitempty"`
	Alert          bool                 `json:"alert,omitempty"`
	RespondentInfo *protocol.Respondent `json:"respondentinfo,omitempty"`
}

// API is the part of the respondent API the Controller calls.
// *client.Client implements it.
type API interface {
	Login(ctx context.Context, creds client.Credentials) (protocol.LoginResponse, error)
	Logout(ctx context.Context) error
	SignOut(ctx context.Context, formID string) error
	VerifySession(ctx context.Context, formID string) client.Verification
	StoredAuth(ctx context.Context) (client.AuthRecord, bool)
}

// Options configures a Controller.
type Options struct {
	Form    policy.Form
	API     API
	Durable *storage.Adapter
	Guests  *guest.Store
	Session *session.Config
	Clock   clock.Clock
	Logger  *slog.Logger
	Audit   *audit.Logger
}

// Status is a snapshot of the Controller for display.
type Status struct {
	Mode                   Mode
	FormID                 string
	UserKey                string
	Access                 policy.Access
	Closed                 bool
	ExistingUser           string
	SignedOutForInactivity bool
	Respondent             *RespondentSession
	Guest                  *guest.Identity
	Inactivity             session.Info
}

// Controller owns the access mode of one form.
//
// cmd serializes commands and the inactivity sign-out; mu guards the
// fields below. Calls into the session Manager run listeners
// synchronously, so they are queued with afterUnlock and run once mu is
// released, still under cmd.
type Controller struct {
	cmd     sync.Mutex
	mu      sync.Mutex
	pending []func()
	ctx     context.Context
	form    policy.Form
	access  policy.Access
	api     API
	durable *storage.Adapter
	guests  *guest.Store
	session *session.Manager
	machine *fsm.FSM
	logger  *slog.Logger
	audit   *audit.Logger

	userKey         string
	state           *RespondentSession
	guest           *guest.Identity
	existing        *client.AuthRecord
	inactiveSignOut bool
	reason          string
}

// NewController creates a Controller in login mode. Call Init before
// dispatching commands.
func NewController(opts Options) (*Controller, error) {
	if opts.Form.ID == "" {
		return nil, errors.New("form id is required")
	}
	if opts.API == nil || opts.Durable == nil || opts.Guests == nil {
		return nil, errors.New("api, durable storage and guest store are required")
	}
	cfg := opts.Session
	if cfg == nil {
		cfg = session.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("form_id", opts.Form.ID))

	c := &Controller{
		ctx:     context.Background(),
		form:    opts.Form,
		access:  policy.Evaluate(&opts.Form),
		api:     opts.API,
		durable: opts.Durable,
		guests:  opts.Guests,
		session: session.NewManager(cfg, opts.Clock, logger),
		logger:  logger.With(slog.String("component", "access")),
		audit:   opts.Audit,
	}
	c.session.SetCallbacks(c.onWarning, c.onSignOut)

	login, guestMode, authed := string(ModeLogin), string(ModeGuest), string(ModeAuthenticated)
	c.machine = fsm.NewFSM(login,
		fsm.Events{
			{Name: eventAuthenticate, Src: []string{login}, Dst: authed},
			{Name: eventEnterGuest, Src: []string{login}, Dst: guestMode},
			{Name: eventSwitchUser, Src: []string{guestMode, authed}, Dst: login},
			{Name: eventSignOut, Src: []string{guestMode, authed}, Dst: login},
			{Name: eventDrop, Src: []string{authed}, Dst: login},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Info("access mode changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("reason", c.reason),
					slog.String("user_key", c.userKey))
				c.audit.LogTransition(c.form.ID, c.userKey, e.Src, e.Dst, c.reason)
			},
		},
	)
	return c, nil
}

// Init reads persisted state and commits to the initial mode: a still
// active authenticated session is resumed, otherwise a valid guest
// identity enters guest mode, otherwise the controller stays in login.
func (c *Controller) Init(ctx context.Context) Mode {
	c.lock()
	defer c.unlock()

	c.ctx = context.WithoutCancel(ctx)
	if c.modeLocked() != ModeLogin {
		return c.modeLocked()
	}
	if policy.Closed(&c.form) {
		c.logger.Info("form is closed")
		return ModeLogin
	}

	if rec, ok := c.api.StoredAuth(ctx); ok {
		c.existing = &rec
		st, found := storage.Read[RespondentSession](ctx, c.durable, c.stateKey(rec.Email))
		if found && st.IsActive && !st.IsSwitchedUser {
			if err := c.enterAuthenticatedLocked(ctx, rec.Email, st, "resume"); err != nil {
				c.logger.Warn("resume failed", slog.String("error", err.Error()))
			}
		}
		return c.modeLocked()
	}

	if c.access.AllowsGuestAccess {
		if id, ok := c.guests.Get(ctx); ok {
			if err := c.enterGuestLocked(ctx, id, "resume"); err != nil {
				c.logger.Warn("guest resume failed", slog.String("error", err.Error()))
			}
		}
	}
	return c.modeLocked()
}

// Mode returns the current access mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modeLocked()
}

// Login submits credentials and enters authenticated mode once the
// server accepts them.
func (c *Controller) Login(ctx context.Context, email string, password *safestring.SafeString) error {
	c.lock()
	defer c.unlock()

	if err := c.checkLoginLocked(); err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	if !guest.ValidateEmail(email) {
		return ErrInvalidEmail
	}

	resp, err := c.api.Login(ctx, client.Credentials{Email: email, Password: password})
	if err != nil {
		if errors.Is(err, client.ErrInvalidCredentials) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("login: %w", err)
	}

	info := resp.Respondent
	if info.Email == "" {
		info.Email = email
	}
	c.existing = &client.AuthRecord{Token: resp.Token, Email: info.Email, Name: info.Name}
	return c.enterAuthenticatedLocked(ctx, info.Email, RespondentSession{RespondentInfo: &info}, "login")
}

// ContinueAsExisting enters authenticated mode with the respondent who
// is already signed in on this device.
func (c *Controller) ContinueAsExisting(ctx context.Context) error {
	c.lock()
	defer c.unlock()

	if err := c.checkLoginLocked(); err != nil {
		return err
	}
	rec, ok := c.api.StoredAuth(ctx)
	if !ok {
		c.existing = nil
		return ErrNoExistingUser
	}
	c.existing = &rec
	info := &protocol.Respondent{Email: rec.Email, Name: rec.Name}
	return c.enterAuthenticatedLocked(ctx, rec.Email, RespondentSession{RespondentInfo: info}, "continue_existing")
}

// ContinueAsGuest validates the email locally, stores a guest identity
// and enters guest mode. No request is made.
func (c *Controller) ContinueAsGuest(ctx context.Context, name, email string) (guest.Identity, error) {
	c.lock()
	defer c.unlock()

	if err := c.checkLoginLocked(); err != nil {
		return guest.Identity{}, err
	}
	if !c.access.AllowsGuestAccess {
		return guest.Identity{}, ErrGuestNotAllowed
	}
	email = strings.TrimSpace(email)
	if !guest.ValidateEmail(email) {
		return guest.Identity{}, ErrInvalidEmail
	}

	id := c.guests.Save(ctx, guest.Identity{
		Name:     strings.TrimSpace(name),
		Email:    email,
		IsActive: true,
	})
	if err := c.enterGuestLocked(ctx, id, "guest_form"); err != nil {
		return guest.Identity{}, err
	}
	return id, nil
}

// SwitchUser returns to login. Local state is cleared even when the
// server logout fails; that error is returned after the transition.
func (c *Controller) SwitchUser(ctx context.Context) error {
	c.lock()
	defer c.unlock()

	var err error
	switch c.modeLocked() {
	case ModeGuest:
		c.guests.Clear(ctx)
	case ModeAuthenticated:
		if c.state != nil {
			st := *c.state
			st.IsActive = false
			st.IsSwitchedUser = true
			c.durable.Write(ctx, c.stateKey(c.userKey), st)
		}
		if lerr := c.api.Logout(ctx); lerr != nil {
			c.logger.Warn("logout failed", slog.String("error", lerr.Error()))
			err = fmt.Errorf("logout: %w", lerr)
		}
	default:
		return ErrWrongMode
	}

	c.existing = nil
	if ferr := c.leaveLocked(ctx, eventSwitchUser, "switch_user"); ferr != nil {
		return ferr
	}
	return err
}

// Verify checks the authenticated session with the server. An expired
// session raises the inactivity warning instead of leaving the mode; a
// server error drops to login. Transport failures leave state untouched.
func (c *Controller) Verify(ctx context.Context) (client.Verification, error) {
	c.lock()
	defer c.unlock()

	if c.modeLocked() != ModeAuthenticated {
		return client.Verification{}, ErrWrongMode
	}
	userKey := c.userKey
	c.mu.Unlock()
	v := c.api.VerifySession(ctx, c.form.ID)
	c.mu.Lock()

	if c.modeLocked() != ModeAuthenticated || c.userKey != userKey {
		return v, ErrWrongMode
	}

	switch v.Kind {
	case client.KindOK:
		st := c.currentStateLocked()
		if v.Session.SessionID != "" {
			st.SessionID = v.Session.SessionID
		}
		if v.Session.RespondentInfo != nil {
			st.RespondentInfo = v.Session.RespondentInfo
		}
		c.saveStateLocked(ctx, st)
		c.audit.LogSessionEvent(audit.EventVerify, c.form.ID, userKey, "valid", nil)
		return v, nil

	case client.KindExpired:
		c.audit.LogSessionEvent(audit.EventVerify, c.form.ID, userKey, "expired", nil)
		if c.session.GetInfo().State == session.StateIdle {
			trackCtx := c.ctx
			c.afterUnlock(func() { c.session.Start(trackCtx) })
		}
		c.afterUnlock(c.session.MarkExpired)
		return v, nil

	default:
		apiErr := &client.APIError{Status: v.Status, Message: v.Message}
		if v.Status == 0 {
			return v, fmt.Errorf("verify session: %w", apiErr)
		}
		c.audit.LogSessionEvent(audit.EventVerify, c.form.ID, userKey, "error",
			map[string]string{"message": v.Message})
		c.durable.Remove(ctx, c.stateKey(userKey))
		if err := c.leaveLocked(ctx, eventDrop, "verify_error"); err != nil {
			return v, err
		}
		return v, fmt.Errorf("verify session: %w", apiErr)
	}
}

// Reactivate dismisses the inactivity warning.
func (c *Controller) Reactivate(ctx context.Context) error {
	c.lock()
	defer c.unlock()

	if c.modeLocked() == ModeLogin {
		if c.inactiveSignOut {
			return ErrSignedOut
		}
		return ErrWrongMode
	}
	c.mu.Unlock()
	err := c.session.Reactivate()
	c.mu.Lock()
	if err != nil {
		return err
	}
	c.markActiveLocked(ctx, true)
	return nil
}

// Activity forwards a respondent interaction to inactivity tracking.
func (c *Controller) Activity(ctx context.Context, e session.Event) bool {
	reset, dismissed := c.session.HandleEvent(e)
	if dismissed {
		c.restoreActive(ctx)
	}
	return reset
}

// SetVisibility forwards page visibility changes.
func (c *Controller) SetVisibility(ctx context.Context, visible bool) {
	if c.session.SetVisibility(visible) {
		c.restoreActive(ctx)
	}
}

// DismissWelcomeBack hides the welcome back notice.
func (c *Controller) DismissWelcomeBack() {
	c.session.DismissWelcomeBack()
}

// Subscribe registers fn for inactivity updates. fn runs without the
// Controller's lock held and may read Mode or Status; it must not issue
// commands.
func (c *Controller) Subscribe(fn func(session.Info)) func() {
	return c.session.Subscribe(fn)
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Mode:                   c.modeLocked(),
		FormID:                 c.form.ID,
		UserKey:                c.userKey,
		Access:                 c.access,
		Closed:                 policy.Closed(&c.form),
		SignedOutForInactivity: c.inactiveSignOut,
		Inactivity:             c.session.GetInfo(),
	}
	if c.existing != nil {
		st.ExistingUser = c.existing.Email
	}
	if c.state != nil {
		rs := *c.state
		st.Respondent = &rs
	}
	if c.guest != nil {
		g := *c.guest
		st.Guest = &g
	}
	return st
}

// Close stops inactivity tracking.
func (c *Controller) Close() {
	c.session.Stop()
}

func (c *Controller) lock() {
	c.cmd.Lock()
	c.mu.Lock()
}

// unlock releases mu, runs the queued session calls, then releases cmd.
func (c *Controller) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	c.cmd.Unlock()
}

// afterUnlock queues fn to run once mu is released. Callers hold mu.
func (c *Controller) afterUnlock(fn func()) {
	c.pending = append(c.pending, fn)
}

func (c *Controller) modeLocked() Mode {
	return Mode(c.machine.Current())
}

func (c *Controller) stateKey(userKey string) string {
	return storage.BuildKey(storage.Key{FormID: c.form.ID, UserKey: userKey, Suffix: storage.SuffixState})
}

func (c *Controller) checkLoginLocked() error {
	if policy.Closed(&c.form) {
		return ErrFormClosed
	}
	if c.modeLocked() != ModeLogin {
		return ErrWrongMode
	}
	return nil
}

// tracksInactivity reports whether the authenticated mode arms the timers.
func (c *Controller) tracksInactivity() bool {
	return c.access.RequiresAuthentication
}

func (c *Controller) fireLocked(ctx context.Context, event, reason string) error {
	c.reason = reason
	if err := c.machine.Event(ctx, event); err != nil {
		var noop fsm.NoTransitionError
		if errors.As(err, &noop) {
			return nil
		}
		return fmt.Errorf("%s from %s: %w", event, c.machine.Current(), ErrWrongMode)
	}
	return nil
}

func (c *Controller) enterAuthenticatedLocked(ctx context.Context, userKey string, st RespondentSession, reason string) error {
	prev := c.userKey
	c.userKey = userKey
	if err := c.fireLocked(ctx, eventAuthenticate, reason); err != nil {
		c.userKey = prev
		return err
	}

	st.IsActive = true
	st.IsSwitchedUser = false
	st.Alert = false
	c.saveStateLocked(ctx, st)
	c.guest = nil
	c.inactiveSignOut = false

	if c.tracksInactivity() {
		trackCtx := c.ctx
		c.afterUnlock(func() { c.session.Start(trackCtx) })
	}
	return nil
}

func (c *Controller) enterGuestLocked(ctx context.Context, id guest.Identity, reason string) error {
	c.userKey = ""
	if err := c.fireLocked(ctx, eventEnterGuest, reason); err != nil {
		return err
	}
	c.guest = &id
	c.state = nil
	c.inactiveSignOut = false
	trackCtx := c.ctx
	c.afterUnlock(func() { c.session.Start(trackCtx) })
	return nil
}

// leaveLocked stops tracking and returns to login.
func (c *Controller) leaveLocked(ctx context.Context, event, reason string) error {
	if err := c.fireLocked(ctx, event, reason); err != nil {
		return err
	}
	c.afterUnlock(c.session.Stop)
	c.userKey = ""
	c.state = nil
	c.guest = nil
	return nil
}

func (c *Controller) currentStateLocked() RespondentSession {
	if c.state == nil {
		return RespondentSession{}
	}
	return *c.state
}

func (c *Controller) saveStateLocked(ctx context.Context, st RespondentSession) {
	c.state = &st
	c.durable.Write(ctx, c.stateKey(c.userKey), st)
}

// markActiveLocked records whether the respondent is active in the
// persisted record of the current mode.
func (c *Controller) markActiveLocked(ctx context.Context, active bool) {
	switch c.modeLocked() {
	case ModeAuthenticated:
		st := c.currentStateLocked()
		st.IsActive = active
		st.Alert = !active
		c.saveStateLocked(ctx, st)
	case ModeGuest:
		if c.guest == nil {
			return
		}
		id := *c.guest
		id.IsActive = active
		c.guest = &id
		c.guests.Update(ctx, id)
	}
}

// restoreActive and onWarning check the Manager's state under mu, so
// whichever of a dismissal and a warning callback runs last matches it.
func (c *Controller) restoreActive(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.GetInfo().State != session.StateActive {
		return
	}
	c.markActiveLocked(ctx, true)
}

func (c *Controller) onWarning() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.GetInfo().State != session.StateWarning {
		return
	}
	c.markActiveLocked(c.ctx, false)
	c.logger.Info("inactivity warning", slog.String("user_key", c.userKey))
	c.audit.LogSessionEvent(audit.EventWarning, c.form.ID, c.userKey, string(c.modeLocked()), nil)
}

// onSignOut runs once per armed session when the sign-out timer fires.
// A session restarted in the meantime is left alone.
func (c *Controller) onSignOut(ctx context.Context) error {
	c.lock()
	defer c.unlock()

	if c.session.GetInfo().State != session.StateSignedOut {
		return nil
	}

	userKey := c.userKey
	var err error
	switch c.modeLocked() {
	case ModeAuthenticated:
		err = c.api.SignOut(ctx, c.form.ID)
		c.durable.Remove(ctx, c.stateKey(userKey))
		c.existing = nil
	case ModeGuest:
		c.guests.Clear(ctx)
	default:
		return nil
	}

	details := map[string]string{}
	if err != nil {
		details["error"] = err.Error()
	}
	c.audit.LogSessionEvent(audit.EventSignOut, c.form.ID, userKey, "inactivity", details)

	c.inactiveSignOut = true
	if ferr := c.leaveLocked(ctx, eventSignOut, "inactivity"); ferr != nil {
		return ferr
	}
	return err
}
