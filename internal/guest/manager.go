// Package guest runs the time-limited guest preview session: creation, countdown,
// warnings, expiry and the hand-off to an authenticated identity.
package guest

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/storage"
)

const tickInterval = time.Second

// Config tunes the manager.
type Config struct {
	DefaultDuration time.Duration
	// WarningThresholds are remaining-second marks; each fires once per session.
	WarningThresholds []int
	GracePeriod       time.Duration
	SignupPath        string
	StartTimeout      time.Duration
	ValidateTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 600 * time.Second
	}
	if c.WarningThresholds == nil {
		c.WarningThresholds = []int{300, 120, 60, 30}
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.SignupPath == "" {
		c.SignupPath = "/signup"
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = 5 * time.Second
	}
	return c
}

// Deps are the collaborators of a Manager. Only API and Store are required.
type Deps struct {
	API         SessionAPI
	Store       storage.Store
	Clock       clock.Clock
	Broadcaster eventbus.Broadcaster
	Navigator   Navigator
	Identity    IdentityChecker
	Metrics     *metrics.Metrics
}

// Manager owns the single guest session of this daemon.
type Manager struct {
	api         SessionAPI
	store       storage.Store
	clock       clock.Clock
	broadcaster eventbus.Broadcaster
	navigator   Navigator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         Config

	mu       sync.Mutex
	identity IdentityChecker
	state    Session
	creating bool
	// gen invalidates timer callbacks scheduled for an earlier session.
	gen      uint64
	tick     clock.Timer
	redirect clock.Timer
	warned   map[int]bool
	expired  bool
	onEnd    []func()
}

// NewManager creates a manager with no active session.
func NewManager(deps Deps, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = eventbus.NopBroadcaster
	}
	cfg = cfg.withDefaults()
	thresholds := append([]int(nil), cfg.WarningThresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))
	cfg.WarningThresholds = thresholds

	m := &Manager{
		api:         deps.API,
		store:       deps.Store,
		clock:       clock.OrReal(deps.Clock),
		broadcaster: deps.Broadcaster,
		navigator:   deps.Navigator,
		identity:    deps.Identity,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg,
		warned:      make(map[int]bool),
	}
	m.state = m.idleState()
	return m
}

// SetIdentity installs the authenticated-identity check used to refuse guest sessions.
func (m *Manager) SetIdentity(id IdentityChecker) {
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
}

// OnEnd registers fn to run after a session ends. Hooks run without the manager's lock held.
func (m *Manager) OnEnd(fn func()) {
	m.mu.Lock()
	m.onEnd = append(m.onEnd, fn)
	m.mu.Unlock()
}

// StartSession returns the current session when it is still valid, or creates a new one.
func (m *Manager) StartSession(ctx context.Context) StartResult {
	const op = "guest.StartSession"

	m.mu.Lock()
	if m.creating {
		m.mu.Unlock()
		return StartResult{Err: apperror.New(apperror.KindConcurrent, op, "Session creation in progress")}
	}
	if m.identity != nil && m.identity.IsAuthenticated() {
		m.mu.Unlock()
		return StartResult{Err: apperror.New(apperror.KindPrecondition, op, "Already signed in")}
	}
	m.creating = true
	existing := m.state.IsActive && m.state.SessionID != "" && m.state.RemainingSeconds > 0
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	if existing {
		if v := m.ValidateSession(ctx); v.Valid {
			m.StartTimer()
			snap := m.Snapshot()
			return StartResult{Success: true, Session: &snap, Existing: true}
		}
	}
	m.EndSession()
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	resp, err := m.api.StartGuestSession(callCtx)
	if err != nil {
		reason := FailureReason(err)
		m.metrics.GuestStartFailed(reason)
		m.logger.Warn("guest session start failed", zap.String("reason", reason), zap.Error(err))
		return StartResult{Reason: reason, Err: apperror.Wrap(apperror.KindUnknown, op, err)}
	}

	remaining := resp.Session.RemainingTime
	if remaining <= 0 {
		remaining = int(m.cfg.DefaultDuration / time.Second)
	}
	now := m.clock.Now()

	m.mu.Lock()
	// A sign-in or end while the call was in flight wins over the late response.
	if m.gen != gen || (m.identity != nil && m.identity.IsAuthenticated()) {
		m.mu.Unlock()
		m.logger.Info("discarding guest session started during teardown",
			zap.String("session_id", resp.Session.SessionID),
		)
		return StartResult{Err: apperror.New(apperror.KindPrecondition, op, "Session ended while starting")}
	}
	m.gen++
	m.warned = make(map[int]bool)
	m.expired = false
	m.state = Session{
		SessionID:        resp.Session.SessionID,
		RemainingSeconds: remaining,
		IsActive:         true,
		LastActivity:     now,
		CreatedAt:        now,
		Settings:         resp.Settings,
	}
	m.persistLocked()
	m.mu.Unlock()

	m.StartTimer()
	m.metrics.GuestStarted()
	m.metrics.SetGuestRemaining(remaining)
	m.logger.Info("guest session started",
		zap.String("session_id", resp.Session.SessionID),
		zap.Int("remaining_seconds", remaining),
	)

	snap := m.Snapshot()
	return StartResult{Success: true, Session: &snap}
}

// ValidateSession asks the server whether the session is still alive. An expired
// session is ended; an unreachable server keeps the session with a warning.
func (m *Manager) ValidateSession(ctx context.Context) ValidationResult {
	m.mu.Lock()
	id := m.state.SessionID
	m.mu.Unlock()
	if id == "" {
		return ValidationResult{Reason: "No session ID"}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ValidateTimeout)
	defer cancel()
	resp, err := m.api.ValidateGuestSession(callCtx, id)
	if err != nil {
		if apperror.StatusOf(err) == http.StatusGone {
			m.EndSession()
			return ValidationResult{Reason: "Session expired"}
		}
		m.logger.Warn("guest session validation failed, keeping session", zap.String("session_id", id), zap.Error(err))
		return ValidationResult{Valid: true, Warning: "Validation failed: " + apperror.Message(err)}
	}
	if resp.IsExpired {
		m.EndSession()
		return ValidationResult{Reason: "Session expired"}
	}
	return ValidationResult{Valid: true}
}

// StartTimer starts the countdown. It is a no-op without an active session or if already running.
func (m *Manager) StartTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.IsActive || m.state.TimerRunning || m.state.RemainingSeconds <= 0 {
		return
	}
	m.state.TimerRunning = true
	m.scheduleTickLocked()
	m.persistLocked()
}

// StopTimer pauses the countdown without ending the session.
func (m *Manager) StopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	if m.state.TimerRunning {
		m.state.TimerRunning = false
		m.persistLocked()
	}
}

func (m *Manager) scheduleTickLocked() {
	gen := m.gen
	m.tick = m.clock.AfterFunc(tickInterval, func() { m.onTick(gen) })
}

func (m *Manager) onTick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.state.IsActive || !m.state.TimerRunning {
		m.mu.Unlock()
		return
	}
	prev := m.state.RemainingSeconds
	if m.state.RemainingSeconds > 0 {
		m.state.RemainingSeconds--
	}
	remaining := m.state.RemainingSeconds
	id := m.state.SessionID

	var warnings []TimeWarning
	for _, th := range m.cfg.WarningThresholds {
		if prev > th && remaining <= th && !m.warned[th] {
			m.warned[th] = true
			warnings = append(warnings, TimeWarning{
				SessionID: id,
				Remaining: th,
				Level:     levelFor(th),
				Message:   warningMessage(th),
			})
		}
	}

	expire := remaining == 0 && !m.expired
	if remaining > 0 {
		m.scheduleTickLocked()
	} else {
		m.tick = nil
		m.state.TimerRunning = false
	}
	if expire {
		m.expired = true
		gen := m.gen
		m.redirect = m.clock.AfterFunc(m.cfg.GracePeriod, func() { m.onGraceElapsed(gen) })
	}
	m.persistLocked()
	m.mu.Unlock()

	m.metrics.SetGuestRemaining(remaining)
	for _, w := range warnings {
		m.logger.Info("guest time warning", zap.String("session_id", id), zap.Int("remaining", w.Remaining))
		m.broadcaster.Broadcast(EventTimeWarning, w)
	}
	if expire {
		m.metrics.GuestExpired()
		m.logger.Info("guest session expired", zap.String("session_id", id))
		m.broadcaster.Broadcast(EventSessionExpired, Expired{
			SessionID:         id,
			RedirectTo:        m.cfg.SignupPath,
			RedirectInSeconds: int(m.cfg.GracePeriod / time.Second),
		})
	}
}

func (m *Manager) onGraceElapsed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.redirect = nil
	m.mu.Unlock()

	m.EndSession()
	if m.navigator != nil {
		m.navigator.Navigate(m.cfg.SignupPath)
	}
}

// EndSession stops all timers, clears the session and guest completion markers, and
// resets to the idle state. Calling it without a session is harmless.
func (m *Manager) EndSession() {
	m.mu.Lock()
	m.stopTimersLocked()
	m.gen++
	hadSession := m.state.SessionID != ""
	id := m.state.SessionID
	m.state = m.idleState()
	m.warned = make(map[int]bool)
	m.expired = false
	hooks := append([]func(){}, m.onEnd...)

	ctx, cancel := context.WithTimeout(context.Background(), storage.OpTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, StorageKey); err != nil {
		m.logger.Warn("clear guest session failed", zap.Error(err))
	}
	m.mu.Unlock()

	if n, err := m.clearCompletionData(ctx); err != nil {
		m.logger.Warn("clear guest completion data failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Debug("cleared guest completion data", zap.Int("keys", n))
	}
	m.metrics.SetGuestRemaining(0)

	if !hadSession {
		return
	}
	m.logger.Info("guest session ended", zap.String("session_id", id))
	for _, h := range hooks {
		h()
	}
}

func (m *Manager) clearCompletionData(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, CompletedLessonsPrefix)
	if err != nil {
		return 0, err
	}
	keys = append(keys, JustCompletedKey)
	if err := m.store.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys) - 1, nil
}

// HandleAuthenticationTransition ends the guest session and purges every guest-scoped key.
func (m *Manager) HandleAuthenticationTransition(ctx context.Context, identityKind string) TransitionResult {
	wasGuest := m.IsGuestMode()
	m.EndSession()

	res := TransitionResult{WasGuest: wasGuest, IdentityKind: identityKind}
	n, err := storage.DeletePrefix(ctx, m.store, KeyPrefix)
	if err != nil {
		m.logger.Warn("purge guest data failed", zap.String("identity_kind", identityKind), zap.Error(err))
		res.Err = err
		return res
	}
	res.Success = true
	res.PurgedKeys = n
	m.logger.Info("guest to authenticated transition",
		zap.String("identity_kind", identityKind),
		zap.Bool("was_guest", wasGuest),
		zap.Int("purged_keys", n),
	)
	return res
}

// Restore reloads a persisted session, deducting the wall time since it was last saved.
// It reports whether an active session resulted.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	var p persisted
	ok, err := storage.GetJSON(ctx, m.store, StorageKey, &p)
	if err != nil {
		m.logger.Warn("restore guest session failed", zap.Error(err))
		_ = m.store.Delete(ctx, StorageKey)
		return false, err
	}
	if !ok || p.Session.SessionID == "" {
		return false, nil
	}

	now := m.clock.Now()
	savedAt := p.SavedAt
	if savedAt == 0 {
		savedAt = p.StartTime
	}
	elapsed := int(now.Sub(time.UnixMilli(savedAt)) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := p.RemainingTime - elapsed
	if remaining <= 0 {
		m.logger.Info("persisted guest session already expired", zap.String("session_id", p.Session.SessionID))
		if err := m.store.Delete(ctx, StorageKey); err != nil {
			return false, err
		}
		if _, err := m.clearCompletionData(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	m.mu.Lock()
	if m.state.IsActive {
		m.mu.Unlock()
		return true, nil
	}
	m.stopTimersLocked()
	m.gen++
	m.warned = make(map[int]bool)
	m.expired = false
	m.state = Session{
		SessionID:        p.Session.SessionID,
		RemainingSeconds: remaining,
		IsActive:         true,
		LastActivity:     now,
		CreatedAt:        time.UnixMilli(p.StartTime),
		Settings:         p.Settings,
	}
	m.persistLocked()
	m.mu.Unlock()

	if p.TimerStarted {
		m.StartTimer()
	}
	m.metrics.SetGuestRemaining(remaining)
	m.logger.Info("guest session restored",
		zap.String("session_id", p.Session.SessionID),
		zap.Int("remaining_seconds", remaining),
		zap.Int("elapsed_seconds", elapsed),
	)
	return true, nil
}

// Recover restores a persisted session if one is still alive, otherwise starts a new one.
func (m *Manager) Recover(ctx context.Context) StartResult {
	ok, err := m.Restore(ctx)
	if err == nil && ok {
		m.StartTimer()
		snap := m.Snapshot()
		return StartResult{Success: true, Session: &snap, Existing: true}
	}
	return m.StartSession(ctx)
}

// CheckAccess classifies the caller's guest state.
func (m *Manager) CheckAccess(ctx context.Context) Access {
	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()
	if identity != nil && identity.IsAuthenticated() {
		if m.IsGuestMode() {
			m.EndSession()
		}
		return AccessAuthenticated
	}
	if !m.IsGuestMode() {
		return AccessNeedsSession
	}
	if m.RemainingTime() <= 0 {
		return AccessExpired
	}
	if v := m.ValidateSession(ctx); !v.Valid {
		return AccessExpired
	}
	return AccessGuest
}

// IsGuestMode reports whether a guest session is active.
func (m *Manager) IsGuestMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsActive && m.state.SessionID != ""
}

// RemainingTime returns the remaining seconds.
func (m *Manager) RemainingTime() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RemainingSeconds
}

// FormattedRemainingTime returns the remaining time as mm:ss.
func (m *Manager) FormattedRemainingTime() string {
	return FormatRemaining(m.RemainingTime())
}

// UpdateActivity records user activity.
func (m *Manager) UpdateActivity() {
	m.mu.Lock()
	m.state.LastActivity = m.clock.Now()
	m.mu.Unlock()
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	if s.Settings != nil {
		s.Settings = append(json.RawMessage(nil), s.Settings...)
	}
	return s
}

// Close stops the timers and saves the session so a later Restore resumes it.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
	m.gen++
	if m.state.IsActive {
		m.persistLocked()
	}
}

func (m *Manager) stopTimersLocked() {
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	if m.redirect != nil {
		m.redirect.Stop()
		m.redirect = nil
	}
}

func (m *Manager) idleState() Session {
	return Session{RemainingSeconds: int(m.cfg.DefaultDuration / time.Second)}
}

// persistLocked writes the session while m.mu is held so a concurrent EndSession cannot be undone.
func (m *Manager) persistLocked() {
	if !m.state.IsActive {
		return
	}
	p := persisted{
		Session:       api.GuestSession{SessionID: m.state.SessionID, RemainingTime: m.state.RemainingSeconds},
		Settings:      m.state.Settings,
		StartTime:     m.state.CreatedAt.UnixMilli(),
		RemainingTime: m.state.RemainingSeconds,
		TimerStarted:  m.state.TimerRunning,
		SavedAt:       m.clock.Now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), storage.OpTimeout)
	defer cancel()
	if err := storage.SetJSON(ctx, m.store, StorageKey, p); err != nil {
		m.logger.Warn("persist guest session failed", zap.String("session_id", m.state.SessionID), zap.Error(err))
	}
}
