package access

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

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

type fakeAPI struct {
	mu         sync.Mutex
	auth       *client.AuthRecord
	loginErr   error
	logoutErr  error
	signOutErr error
	verify     client.Verification
	logins     int
	logouts    int
	signOuts   int
	verifies   int
}

func (f *fakeAPI) Login(_ context.Context, creds client.Credentials) (protocol.LoginResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	creds.Password.Zero()
	if f.loginErr != nil {
		return protocol.LoginResponse{}, f.loginErr
	}
	email := strings.ToLower(creds.Email)
	f.auth = &client.AuthRecord{Token: "tok", Email: email, Name: "Ann"}
	return protocol.LoginResponse{Token: "tok", Respondent: protocol.Respondent{Email: email, Name: "Ann"}}, nil
}

func (f *fakeAPI) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.auth = nil
	return f.logoutErr
}

func (f *fakeAPI) SignOut(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.auth = nil
	return f.signOutErr
}

func (f *fakeAPI) VerifySession(context.Context, string) client.Verification {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies++
	return f.verify
}

func (f *fakeAPI) StoredAuth(context.Context) (client.AuthRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auth == nil {
		return client.AuthRecord{}, false
	}
	return *f.auth, true
}

func (f *fakeAPI) counts() (logins, logouts, signOuts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.logouts, f.signOuts
}

var (
	quizForm   = policy.Form{ID: "f1", Type: policy.FormQuiz, AcceptResponses: true}
	openForm   = policy.Form{ID: "f1", Type: policy.FormNormal, AcceptResponses: true}
	closedForm = policy.Form{ID: "f1", Type: policy.FormNormal}
)

type testEnv struct {
	api     *fakeAPI
	clock   *clock.Fake
	backend *storage.MemoryBackend
	durable *storage.Adapter
	guests  *guest.Store
	audit   *bufferCloser
}

type bufferCloser struct{ bytes.Buffer }

func (*bufferCloser) Close() error { return nil }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	backend := storage.NewMemoryBackend()
	return &testEnv{
		api:     &fakeAPI{},
		clock:   clk,
		backend: backend,
		durable: storage.NewAdapter(backend, nil),
		guests:  guest.NewStore(storage.NewAdapter(storage.NewMemoryBackend(), nil), clk, ""),
		audit:   &bufferCloser{},
	}
}

func (e *testEnv) controller(t *testing.T, form policy.Form) *Controller {
	t.Helper()
	c, err := NewController(Options{
		Form:    form,
		API:     e.api,
		Durable: e.durable,
		Guests:  e.guests,
		Session: &session.Config{
			InactivityWarningTimeout: 5 * time.Second,
			AutoSignOutTimeout:       60 * time.Second,
			WelcomeBackAfter:         3 * time.Second,
		},
		Clock: e.clock,
		Audit: audit.NewWriterLogger(e.audit, e.clock, nil),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func (e *testEnv) stateKey(userKey string) string {
	return storage.BuildKey(storage.Key{FormID: "f1", UserKey: userKey, Suffix: storage.SuffixState})
}

func (e *testEnv) state(t *testing.T, userKey string) (RespondentSession, bool) {
	t.Helper()
	return storage.Read[RespondentSession](context.Background(), e.durable, e.stateKey(userKey))
}

func (e *testEnv) login(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Login(context.Background(), "ann@example.com", safestring.New("pw")); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestNewController_Validation(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		opts Options
	}{
		{"missing form id", Options{API: e.api, Durable: e.durable, Guests: e.guests}},
		{"missing api", Options{Form: openForm, Durable: e.durable, Guests: e.guests}},
		{"bad session config", Options{Form: openForm, API: e.api, Durable: e.durable, Guests: e.guests,
			Session: &session.Config{InactivityWarningTimeout: time.Minute, AutoSignOutTimeout: time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewController(tt.opts); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestController_QuizHasNoGuestAccess(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, quizForm)
	ctx := context.Background()

	if mode := c.Init(ctx); mode != ModeLogin {
		t.Fatalf("Expected login mode, got %s", mode)
	}
	st := c.Status()
	if st.Access.AllowsGuestAccess || !st.Access.RequiresAuthentication {
		t.Errorf("Unexpected quiz access %+v", st.Access)
	}

	if _, err := c.ContinueAsGuest(ctx, "A", "a@b.com"); !errors.Is(err, ErrGuestNotAllowed) {
		t.Errorf("Expected ErrGuestNotAllowed, got %v", err)
	}
	if c.Mode() != ModeLogin {
		t.Errorf("Expected login mode, got %s", c.Mode())
	}
	if _, ok := e.guests.Get(ctx); ok {
		t.Error("No guest identity should be stored")
	}
}

func TestController_ContinueAsGuest(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, openForm)
	ctx := context.Background()

	if mode := c.Init(ctx); mode != ModeLogin {
		t.Fatalf("Expected login mode, got %s", mode)
	}
	if !c.Status().Access.AllowsGuestAccess {
		t.Fatal("Expected guest access to be offered")
	}

	if _, err := c.ContinueAsGuest(ctx, "A", "not-an-email"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("Expected ErrInvalidEmail, got %v", err)
	}

	id, err := c.ContinueAsGuest(ctx, "A", "a@b.com")
	if err != nil {
		t.Fatalf("ContinueAsGuest: %v", err)
	}
	if c.Mode() != ModeGuest {
		t.Fatalf("Expected guest mode, got %s", c.Mode())
	}
	if _, err := uuid.Parse(id.SessionID); err != nil {
		t.Errorf("Expected UUID session id, got %q", id.SessionID)
	}

	stored, ok := e.guests.Get(ctx)
	if !ok || stored != id {
		t.Errorf("Expected stored identity %+v, got %+v (%v)", id, stored, ok)
	}
	if logins, _, _ := e.api.counts(); logins != 0 {
		t.Errorf("Guest entry must not call the API, got %d logins", logins)
	}
	if got := c.Status().Inactivity.State; got != session.StateActive {
		t.Errorf("Expected inactivity tracking in guest mode, got %s", got)
	}

	if _, err := c.ContinueAsGuest(ctx, "B", "b@b.com"); !errors.Is(err, ErrWrongMode) {
		t.Errorf("Expected ErrWrongMode, got %v", err)
	}
}

func TestController_LoginAndAutoSignOut(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, quizForm)
	ctx := context.Background()
	c.Init(ctx)

	e.login(t, c)
	if c.Mode() != ModeAuthenticated {
		t.Fatalf("Expected authenticated mode, got %s", c.Mode())
	}
	st, ok := e.state(t, "ann@example.com")
	if !ok || !st.IsActive || st.IsSwitchedUser {
		t.Fatalf("Expected fresh active session record, got %+v (%v)", st, ok)
	}

	e.clock.Advance(5 * time.Second)
	info := c.Status().Inactivity
	if info.State != session.StateWarning || !info.IsWarningVisible {
		t.Fatalf("Expected warning at 5s, got %+v", info)
	}
	if st, _ := e.state(t, "ann@example.com"); st.IsActive || !st.Alert {
		t.Errorf("Expected inactive record with alert during warning, got %+v", st)
	}

	e.clock.Advance(56 * time.Second)
	if _, _, signOuts := e.api.counts(); signOuts != 1 {
		t.Fatalf("Expected one sign-out call, got %d", signOuts)
	}
	status := c.Status()
	if status.Mode != ModeLogin || !status.SignedOutForInactivity {
		t.Errorf("Expected login after inactivity sign-out, got %+v", status)
	}
	if _, ok := e.state(t, "ann@example.com"); ok {
		t.Error("Session record should be removed after sign-out")
	}

	e.clock.Advance(10 * time.Minute)
	if _, _, signOuts := e.api.counts(); signOuts != 1 {
		t.Errorf("Sign-out must fire once, got %d", signOuts)
	}
	if err := c.Reactivate(ctx); !errors.Is(err, ErrSignedOut) {
		t.Errorf("Expected ErrSignedOut, got %v", err)
	}
}

func TestController_SignOutFailureStillLogsOut(t *testing.T) {
	e := newTestEnv(t)
	e.api.signOutErr = errors.New("unreachable")
	c := e.controller(t, quizForm)
	c.Init(context.Background())
	e.login(t, c)

	e.clock.Advance(61 * time.Second)
	if c.Mode() != ModeLogin {
		t.Errorf("Expected login mode, got %s", c.Mode())
	}
	if _, ok := e.state(t, "ann@example.com"); ok {
		t.Error("Session record should be removed")
	}
}

func TestController_ActivityDuringWarning(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, quizForm)
	ctx := context.Background()
	c.Init(ctx)
	e.login(t, c)

	e.clock.Advance(5 * time.Second)
	if !c.Activity(ctx, session.EventClick) {
		t.Fatal("Expected click to count as activity")
	}
	if st, _ := e.state(t, "ann@example.com"); !st.IsActive || st.Alert {
		t.Errorf("Expected record active again, got %+v", st)
	}

	e.clock.Advance(59 * time.Second)
	if _, _, signOuts := e.api.counts(); signOuts != 0 {
		t.Errorf("Activity must cancel the pending sign-out, got %d calls", signOuts)
	}
	if got := c.Status().Inactivity.State; got != session.StateWarning {
		t.Errorf("Expected a new warning from the reset baseline, got %s", got)
	}

	if err := c.Reactivate(ctx); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if got := c.Status().Inactivity.State; got != session.StateActive {
		t.Errorf("Expected active after reactivate, got %s", got)
	}
}

func TestController_Visibility(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, openForm)
	ctx := context.Background()
	c.Init(ctx)
	if _, err := c.ContinueAsGuest(ctx, "A", "a@b.com"); err != nil {
		t.Fatal(err)
	}

	c.SetVisibility(ctx, false)
	e.clock.Advance(4 * time.Second)
	c.SetVisibility(ctx, true)

	info := c.Status().Inactivity
	if info.State != session.StateActive || !info.WelcomeBack {
		t.Errorf("Expected active with welcome back, got %+v", info)
	}
	if g, ok := e.guests.Get(ctx); !ok || !g.IsActive {
		t.Errorf("Expected active guest after return, got %+v", g)
	}

	c.DismissWelcomeBack()
	if c.Status().Inactivity.WelcomeBack {
		t.Error("Welcome back should be dismissed")
	}
}

func TestController_GuestInactivityClearsIdentity(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, openForm)
	ctx := context.Background()
	c.Init(ctx)
	if _, err := c.ContinueAsGuest(ctx, "A", "a@b.com"); err != nil {
		t.Fatal(err)
	}

	e.clock.Advance(61 * time.Second)
	if c.Mode() != ModeLogin {
		t.Errorf("Expected login mode, got %s", c.Mode())
	}
	if _, ok := e.guests.Get(ctx); ok {
		t.Error("Guest identity should be cleared")
	}
	if _, _, signOuts := e.api.counts(); signOuts != 0 {
		t.Errorf("Guest sign-out is local, got %d calls", signOuts)
	}
}

func TestController_InitResumesSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("active authenticated record", func(t *testing.T) {
		e := newTestEnv(t)
		e.api.auth = &client.AuthRecord{Token: "tok", Email: "ann@example.com"}
		e.durable.Write(ctx, e.stateKey("ann@example.com"), RespondentSession{IsActive: true, SessionID: "s1"})

		c := e.controller(t, quizForm)
		if mode := c.Init(ctx); mode != ModeAuthenticated {
			t.Fatalf("Expected authenticated, got %s", mode)
		}
		st := c.Status()
		if st.UserKey != "ann@example.com" || st.Respondent == nil || st.Respondent.SessionID != "s1" {
			t.Errorf("Unexpected status %+v", st)
		}
	})

	t.Run("switched user record stays at login", func(t *testing.T) {
		e := newTestEnv(t)
		e.api.auth = &client.AuthRecord{Token: "tok", Email: "ann@example.com", Name: "Ann"}
		e.durable.Write(ctx, e.stateKey("ann@example.com"), RespondentSession{IsSwitchedUser: true})

		c := e.controller(t, quizForm)
		if mode := c.Init(ctx); mode != ModeLogin {
			t.Fatalf("Expected login, got %s", mode)
		}
		if got := c.Status().ExistingUser; got != "ann@example.com" {
			t.Errorf("Expected existing user to be offered, got %q", got)
		}
		if err := c.ContinueAsExisting(ctx); err != nil {
			t.Fatalf("ContinueAsExisting: %v", err)
		}
		if st, _ := e.state(t, "ann@example.com"); !st.IsActive || st.IsSwitchedUser {
			t.Errorf("Expected fresh record, got %+v", st)
		}
	})

	t.Run("stored guest identity", func(t *testing.T) {
		e := newTestEnv(t)
		e.guests.Save(ctx, guest.Identity{Name: "A", Email: "a@b.com", IsActive: true})

		c := e.controller(t, openForm)
		if mode := c.Init(ctx); mode != ModeGuest {
			t.Fatalf("Expected guest, got %s", mode)
		}
	})

	t.Run("guest identity ignored on quiz", func(t *testing.T) {
		e := newTestEnv(t)
		e.guests.Save(ctx, guest.Identity{Name: "A", Email: "a@b.com", IsActive: true})

		c := e.controller(t, quizForm)
		if mode := c.Init(ctx); mode != ModeLogin {
			t.Fatalf("Expected login, got %s", mode)
		}
	})

	t.Run("no existing user", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, quizForm)
		c.Init(ctx)
		if err := c.ContinueAsExisting(ctx); !errors.Is(err, ErrNoExistingUser) {
			t.Errorf("Expected ErrNoExistingUser, got %v", err)
		}
	})
}

func TestController_CorruptedStateSelfHeals(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.api.auth = &client.AuthRecord{Token: "tok", Email: "ann@example.com"}
	key := e.stateKey("ann@example.com")
	if err := e.backend.Set(ctx, key, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	c := e.controller(t, quizForm)
	if mode := c.Init(ctx); mode != ModeLogin {
		t.Fatalf("Expected login with default state, got %s", mode)
	}
	if _, err := e.backend.Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected corrupted entry to be removed, got %v", err)
	}
	if c.Status().Respondent != nil {
		t.Error("Expected no session record")
	}
}

func TestController_SwitchUser(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticated fails open", func(t *testing.T) {
		e := newTestEnv(t)
		e.api.logoutErr = errors.New("down")
		c := e.controller(t, quizForm)
		c.Init(ctx)
		e.login(t, c)

		if err := c.SwitchUser(ctx); err == nil {
			t.Error("Expected the logout error to be returned")
		}
		if c.Mode() != ModeLogin {
			t.Fatalf("Expected login mode, got %s", c.Mode())
		}
		st, ok := e.state(t, "ann@example.com")
		if !ok || st.IsActive || !st.IsSwitchedUser {
			t.Errorf("Expected switched record, got %+v (%v)", st, ok)
		}
		if _, logouts, _ := e.api.counts(); logouts != 1 {
			t.Errorf("Expected one logout call, got %d", logouts)
		}
		if got := c.Status().Inactivity.State; got != session.StateIdle {
			t.Errorf("Expected timers stopped, got %s", got)
		}
	})

	t.Run("guest clears identity", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, openForm)
		c.Init(ctx)
		if _, err := c.ContinueAsGuest(ctx, "A", "a@b.com"); err != nil {
			t.Fatal(err)
		}
		if err := c.SwitchUser(ctx); err != nil {
			t.Fatalf("SwitchUser: %v", err)
		}
		if _, ok := e.guests.Get(ctx); ok {
			t.Error("Guest identity should be cleared")
		}
		if _, logouts, _ := e.api.counts(); logouts != 0 {
			t.Errorf("Guest switch must not call logout, got %d", logouts)
		}
	})

	t.Run("login mode", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, openForm)
		c.Init(ctx)
		if err := c.SwitchUser(ctx); !errors.Is(err, ErrWrongMode) {
			t.Errorf("Expected ErrWrongMode, got %v", err)
		}
	})
}

func TestController_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("valid updates record", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, quizForm)
		c.Init(ctx)
		e.login(t, c)
		e.api.verify = client.Verification{Kind: client.KindOK, Session: protocol.SessionPayload{SessionID: "s9", IsActive: true}}

		if _, err := c.Verify(ctx); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if st, _ := e.state(t, "ann@example.com"); st.SessionID != "s9" {
			t.Errorf("Expected session id s9, got %+v", st)
		}
	})

	t.Run("expired raises warning", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, quizForm)
		c.Init(ctx)
		e.login(t, c)
		e.api.verify = client.Verification{Kind: client.KindExpired, Status: 401}

		if _, err := c.Verify(ctx); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if c.Mode() != ModeAuthenticated {
			t.Errorf("Expired session must not leave authenticated, got %s", c.Mode())
		}
		if got := c.Status().Inactivity.State; got != session.StateWarning {
			t.Errorf("Expected warning, got %s", got)
		}
		if st, _ := e.state(t, "ann@example.com"); !st.Alert {
			t.Errorf("Expected alert on record, got %+v", st)
		}
		if err := c.Reactivate(ctx); err != nil {
			t.Errorf("Reactivate: %v", err)
		}
	})

	t.Run("server error drops to login", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, quizForm)
		c.Init(ctx)
		e.login(t, c)
		e.api.verify = client.Verification{Kind: client.KindError, Status: 500, Message: "boom"}

		if _, err := c.Verify(ctx); err == nil {
			t.Error("Expected error")
		}
		if c.Mode() != ModeLogin {
			t.Errorf("Expected login, got %s", c.Mode())
		}
		if _, ok := e.state(t, "ann@example.com"); ok {
			t.Error("Session record should be dropped")
		}
	})

	t.Run("transport failure keeps state", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, quizForm)
		c.Init(ctx)
		e.login(t, c)
		e.api.verify = client.Verification{Kind: client.KindError, Message: "connection refused"}

		if _, err := c.Verify(ctx); err == nil {
			t.Error("Expected error")
		}
		if c.Mode() != ModeAuthenticated {
			t.Errorf("Expected authenticated, got %s", c.Mode())
		}
	})

	t.Run("not authenticated", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, quizForm)
		c.Init(ctx)
		if _, err := c.Verify(ctx); !errors.Is(err, ErrWrongMode) {
			t.Errorf("Expected ErrWrongMode, got %v", err)
		}
	})
}

func TestController_LoginErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid credentials", func(t *testing.T) {
		e := newTestEnv(t)
		e.api.loginErr = client.ErrInvalidCredentials
		c := e.controller(t, quizForm)
		c.Init(ctx)
		err := c.Login(ctx, "ann@example.com", safestring.New("bad"))
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Expected ErrInvalidCredentials, got %v", err)
		}
		if c.Mode() != ModeLogin {
			t.Errorf("Expected login, got %s", c.Mode())
		}
	})

	t.Run("network failure", func(t *testing.T) {
		e := newTestEnv(t)
		e.api.loginErr = &client.APIError{Message: "dial tcp: refused"}
		c := e.controller(t, quizForm)
		c.Init(ctx)
		if err := c.Login(ctx, "ann@example.com", safestring.New("pw")); err == nil {
			t.Error("Expected error")
		}
		if _, ok := e.state(t, "ann@example.com"); ok {
			t.Error("No record should be written without server confirmation")
		}
	})

	t.Run("invalid email", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, quizForm)
		c.Init(ctx)
		if err := c.Login(ctx, "ann", safestring.New("pw")); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("Expected ErrInvalidEmail, got %v", err)
		}
		if logins, _, _ := e.api.counts(); logins != 0 {
			t.Errorf("Expected no login call, got %d", logins)
		}
	})

	t.Run("closed form", func(t *testing.T) {
		e := newTestEnv(t)
		c := e.controller(t, closedForm)
		c.Init(ctx)
		if !c.Status().Closed {
			t.Error("Expected closed status")
		}
		if err := c.Login(ctx, "ann@example.com", safestring.New("pw")); !errors.Is(err, ErrFormClosed) {
			t.Errorf("Expected ErrFormClosed, got %v", err)
		}
	})
}

func TestController_KeysScopedToUser(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.durable.Write(ctx, e.stateKey("bob@example.com"), RespondentSession{IsActive: true, SessionID: "bob"})

	c := e.controller(t, quizForm)
	c.Init(ctx)
	e.login(t, c)

	if st := c.Status().Respondent; st == nil || st.SessionID == "bob" {
		t.Errorf("Another user's record must not be read, got %+v", st)
	}
	if st, _ := e.state(t, "bob@example.com"); st.SessionID != "bob" {
		t.Errorf("Another user's record must not be touched, got %+v", st)
	}
}

func TestController_AuditTrail(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.controller(t, quizForm)
	c.Init(ctx)
	e.login(t, c)
	if err := c.SwitchUser(ctx); err != nil {
		t.Fatal(err)
	}

	out := e.audit.String()
	for _, want := range []string{`"to":"authenticated"`, `"reason":"login"`, `"reason":"switch_user"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected audit trail to contain %s, got %s", want, out)
		}
	}
}

func TestController_SubscriberReadsState(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	quiz := e.controller(t, quizForm)
	open := e.controller(t, openForm)

	var mu sync.Mutex
	seen := map[Mode]int{}
	watch := func(c *Controller) {
		c.Subscribe(func(session.Info) {
			m := c.Mode()
			_ = c.Status()
			mu.Lock()
			seen[m]++
			mu.Unlock()
		})
	}
	watch(quiz)
	watch(open)

	done := make(chan error, 1)
	go func() {
		done <- func() error {
			quiz.Init(ctx)
			if err := quiz.Login(ctx, "ann@example.com", safestring.New("pw")); err != nil {
				return err
			}
			e.clock.Advance(5 * time.Second)
			if err := quiz.Reactivate(ctx); err != nil {
				return err
			}
			e.clock.Advance(61 * time.Second)

			if err := quiz.Login(ctx, "ann@example.com", safestring.New("pw")); err != nil {
				return err
			}
			e.api.mu.Lock()
			e.api.verify = client.Verification{Kind: client.KindExpired, Status: 401}
			e.api.mu.Unlock()
			if _, err := quiz.Verify(ctx); err != nil {
				return err
			}
			if err := quiz.SwitchUser(ctx); err != nil {
				return err
			}

			open.Init(ctx)
			if _, err := open.ContinueAsGuest(ctx, "A", "a@b.com"); err != nil {
				return err
			}
			return open.SwitchUser(ctx)
		}()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("commands blocked while a subscriber read the controller")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[ModeAuthenticated] == 0 || seen[ModeGuest] == 0 {
		t.Errorf("Expected subscribers to observe authenticated and guest modes, got %v", seen)
	}
}

func TestController_LateWarningAfterActivity(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, quizForm)
	ctx := context.Background()
	c.Init(ctx)
	e.login(t, c)

	e.clock.Advance(5 * time.Second)
	if !c.Activity(ctx, session.EventClick) {
		t.Fatal("Expected click to count as activity")
	}

	// The warning callback for the dismissed warning arrives late.
	c.onWarning()

	if got := c.Status().Inactivity.State; got != session.StateActive {
		t.Fatalf("Expected active session, got %s", got)
	}
	st, ok := e.state(t, "ann@example.com")
	if !ok || !st.IsActive || st.Alert {
		t.Errorf("Stale warning must not mark the record inactive, got %+v (%v)", st, ok)
	}

	next := e.controller(t, quizForm)
	if mode := next.Init(ctx); mode != ModeAuthenticated {
		t.Errorf("Expected next load to resume, got %s", mode)
	}
}

func TestController_RestoreIgnoredWhileWarning(t *testing.T) {
	e := newTestEnv(t)
	c := e.controller(t, quizForm)
	ctx := context.Background()
	c.Init(ctx)
	e.login(t, c)

	e.clock.Advance(5 * time.Second)
	c.restoreActive(ctx)

	st, _ := e.state(t, "ann@example.com")
	if st.IsActive || !st.Alert {
		t.Errorf("Expected record to stay inactive while the warning shows, got %+v", st)
	}
}
