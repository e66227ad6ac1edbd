package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zach-source/gradtracer/internal/clock"
)

var (
	// ErrNotStarted is returned when the manager is not tracking a session
	ErrNotStarted = errors.New("inactivity tracking not started")
	// ErrSignedOut is returned when reactivation is attempted after auto sign-out
	ErrSignedOut = errors.New("session signed out due to inactivity")
)

// WarningCallback is called when the inactivity warning becomes visible
type WarningCallback func()

// SignOutCallback is called once when the session is signed out for inactivity
type SignOutCallback func(ctx context.Context) error

// Manager tracks respondent inactivity. It owns exactly one pair of
// timers (warning, auto sign-out); every reset cancels the previous pair
// and bumps a generation counter so a timer that already fired against
// an older generation is ignored.
type Manager struct {
	mu           sync.Mutex
	ctx          context.Context
	config       *Config
	clock        clock.Clock
	logger       *slog.Logger
	state        State
	lastActivity time.Time
	warningAt    time.Time
	hidden       bool
	hiddenAt     time.Time
	welcomeBack  bool
	warningTimer clock.Timer
	signOutTimer clock.Timer
	generation   uint64
	onWarning    WarningCallback
	onSignOut    SignOutCallback
	listeners    map[int]func(Info)
	nextListener int
}

// NewManager creates a new inactivity manager with the given configuration
func NewManager(config *Config, clk clock.Clock, logger *slog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		ctx:       context.Background(),
		config:    config,
		clock:     clk,
		logger:    logger.With(slog.String("component", "session")),
		state:     StateIdle,
		listeners: make(map[int]func(Info)),
	}
}

// SetCallbacks sets the warning and sign-out callback functions
func (m *Manager) SetCallbacks(warnFn WarningCallback, signOutFn SignOutCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWarning = warnFn
	m.onSignOut = signOutFn
}

// Subscribe registers fn to receive a snapshot after every transition.
// The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Info)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Config returns the manager's configuration
func (m *Manager) Config() Config {
	return *m.config
}

// Start enters the active state with a fresh baseline and arms the
// warning timer. ctx is handed to the sign-out callback.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if ctx != nil {
		m.ctx = ctx
	}
	m.hidden = false
	m.welcomeBack = false
	m.resetLocked()
	m.logger.Debug("inactivity tracking started")
	info, listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(info, listeners)
}

// Stop cancels all timers and returns to idle. It is safe to call
// multiple times.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.cancelTimersLocked()
	m.generation++
	m.state = StateIdle
	m.warningAt = time.Time{}
	m.logger.Debug("inactivity tracking stopped")
	info, listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(info, listeners)
}

// HandleEvent records respondent activity. It reports whether the event
// reset the timers and whether that dismissed a visible warning.
func (m *Manager) HandleEvent(e Event) (reset, dismissed bool) {
	if !e.IsActivity() {
		return false, false
	}
	return m.touch()
}

// Reactivate dismisses a visible warning and restarts the timers
func (m *Manager) Reactivate() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return ErrNotStarted
	case StateSignedOut:
		m.mu.Unlock()
		return ErrSignedOut
	}
	m.mu.Unlock()

	m.touch()
	return nil
}

// MarkExpired shows the warning immediately, as when the server reports
// the session expired. The respondent can still reactivate before the
// sign-out timer fires.
func (m *Manager) MarkExpired() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.cancelTimersLocked()
	m.enterWarningLocked()
	cb := m.onWarning
	info, listeners := m.snapshotLocked()
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	m.notify(info, listeners)
}

// SetVisibility records page visibility changes. Becoming visible counts
// as activity and, after a long absence, raises the welcome back notice.
// It reports whether a visible warning was dismissed.
func (m *Manager) SetVisibility(visible bool) (dismissed bool) {
	m.mu.Lock()
	if !visible {
		if !m.hidden {
			m.hidden = true
			m.hiddenAt = m.clock.Now()
		}
		m.mu.Unlock()
		return false
	}
	if !m.hidden {
		m.mu.Unlock()
		_, dismissed = m.touch()
		return dismissed
	}
	m.hidden = false
	away := m.clock.Now().Sub(m.hiddenAt)
	if m.config.WelcomeBackAfter > 0 && away > m.config.WelcomeBackAfter {
		m.welcomeBack = true
		m.logger.Debug("welcome back", slog.Duration("away", away))
	}
	m.mu.Unlock()

	reset, dismissed := m.touch()
	if !reset {
		m.mu.Lock()
		info, listeners := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(info, listeners)
	}
	return dismissed
}

// DismissWelcomeBack clears the welcome back notice
func (m *Manager) DismissWelcomeBack() {
	m.mu.Lock()
	m.welcomeBack = false
	m.mu.Unlock()
}

// GetInfo returns current inactivity information
func (m *Manager) GetInfo() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

// touch resets the timers if the current state accepts activity. The
// previous state is sampled under the same lock as the reset.
func (m *Manager) touch() (reset, dismissed bool) {
	m.mu.Lock()
	if !m.state.AcceptsActivity() {
		m.mu.Unlock()
		return false, false
	}
	wasWarning := m.state == StateWarning
	m.resetLocked()
	if wasWarning {
		m.logger.Debug("warning dismissed by activity")
	}
	info, listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(info, listeners)
	return true, wasWarning
}

// resetLocked cancels the timer pair and re-arms the warning timer from now
func (m *Manager) resetLocked() {
	m.cancelTimersLocked()
	m.generation++
	m.state = StateActive
	m.lastActivity = m.clock.Now()
	m.warningAt = time.Time{}

	gen := m.generation
	m.warningTimer = m.clock.AfterFunc(m.config.InactivityWarningTimeout, func() {
		m.fireWarning(gen)
	})
}

func (m *Manager) cancelTimersLocked() {
	if m.warningTimer != nil {
		m.warningTimer.Stop()
		m.warningTimer = nil
	}
	if m.signOutTimer != nil {
		m.signOutTimer.Stop()
		m.signOutTimer = nil
	}
}

// enterWarningLocked switches to the warning state and arms auto sign-out
func (m *Manager) enterWarningLocked() {
	m.state = StateWarning
	m.warningAt = m.clock.Now()
	m.logger.Debug("inactivity warning shown", slog.Duration("sign_out_in", m.config.SignOutWindow()))

	gen := m.generation
	m.signOutTimer = m.clock.AfterFunc(m.config.SignOutWindow(), func() {
		m.fireSignOut(gen)
	})
}

func (m *Manager) fireWarning(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.warningTimer = nil
	m.enterWarningLocked()
	cb := m.onWarning
	info, listeners := m.snapshotLocked()
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	m.notify(info, listeners)
}

func (m *Manager) fireSignOut(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateWarning {
		m.mu.Unlock()
		return
	}
	m.signOutTimer = nil
	m.generation++
	m.state = StateSignedOut
	cb := m.onSignOut
	ctx := m.ctx
	info, listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("signing out after inactivity")
	if cb != nil {
		if err := cb(ctx); err != nil {
			m.logger.Error("sign-out callback failed", slog.String("error", err.Error()))
		}
	}
	m.notify(info, listeners)
}

func (m *Manager) infoLocked() Info {
	now := m.clock.Now()
	info := Info{
		State:                      m.state,
		LastActivityAt:             m.lastActivity,
		WarningAt:                  m.warningAt,
		IsWarningVisible:           m.state == StateWarning,
		IsSignedOutDueToInactivity: m.state == StateSignedOut,
		WelcomeBack:                m.welcomeBack,
	}
	switch m.state {
	case StateActive:
		if left := m.config.InactivityWarningTimeout - now.Sub(m.lastActivity); left > 0 {
			info.TimeUntilWarning = left
		}
	case StateWarning:
		if left := m.config.SignOutWindow() - now.Sub(m.warningAt); left > 0 {
			info.CountdownRemaining = left
		}
	}
	return info
}

func (m *Manager) snapshotLocked() (Info, []func(Info)) {
	listeners := make([]func(Info), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	return m.infoLocked(), listeners
}

func (m *Manager) notify(info Info, listeners []func(Info)) {
	for _, fn := range listeners {
		fn(info)
	}
}
