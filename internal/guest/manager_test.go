package guest

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/storage"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu          sync.Mutex
	remaining   int
	startErr    error
	validateErr error
	expired     bool
	starts      int
	validations int
	// block, when set, holds StartGuestSession until closed.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeAPI) StartGuestSession(ctx context.Context) (*api.StartGuestSessionResponse, error) {
	f.mu.Lock()
	f.starts++
	n := f.starts
	block, entered := f.block, f.entered
	err, remaining := f.startErr, f.remaining
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	id := "S-" + string(rune('0'+n))
	return &api.StartGuestSessionResponse{Session: &api.GuestSession{SessionID: id, RemainingTime: remaining}}, nil
}

func (f *fakeAPI) ValidateGuestSession(ctx context.Context, id string) (*api.ValidateGuestSessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations++
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &api.ValidateGuestSessionResponse{IsExpired: f.expired}, nil
}

type broadcast struct {
	name    string
	payload interface{}
}

type broadcastLog struct {
	mu  sync.Mutex
	got []broadcast
}

func (b *broadcastLog) Broadcast(name string, payload interface{}) {
	b.mu.Lock()
	b.got = append(b.got, broadcast{name, payload})
	b.mu.Unlock()
}

func (b *broadcastLog) named(name string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []interface{}
	for _, g := range b.got {
		if g.name == name {
			out = append(out, g.payload)
		}
	}
	return out
}

type navigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *navigator) Navigate(path string) {
	n.mu.Lock()
	n.paths = append(n.paths, path)
	n.mu.Unlock()
}

type authenticated bool

func (a authenticated) IsAuthenticated() bool { return bool(a) }

type switchable struct{ on atomic.Bool }

func (s *switchable) IsAuthenticated() bool { return s.on.Load() }

type harness struct {
	m     *Manager
	api   *fakeAPI
	clock *clock.Fake
	store *storage.Memory
	casts *broadcastLog
	nav   *navigator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api:   &fakeAPI{remaining: 600},
		clock: clock.NewFake(epoch),
		store: storage.NewMemory(),
		casts: &broadcastLog{},
		nav:   &navigator{},
	}
	h.m = h.newManager()
	return h
}

func (h *harness) newManager() *Manager {
	return NewManager(Deps{
		API:         h.api,
		Store:       h.store,
		Clock:       h.clock,
		Broadcaster: h.casts,
		Navigator:   h.nav,
	}, Config{}, nil)
}

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
	}
}

func TestStartSessionCreatesAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.m.StartSession(ctx)
	require.True(t, res.Success, "%v", res.Err)
	assert.False(t, res.Existing)
	assert.Equal(t, "S-1", res.Session.SessionID)
	assert.Equal(t, 600, res.Session.RemainingSeconds)
	assert.True(t, res.Session.TimerRunning)
	assert.True(t, h.m.IsGuestMode())

	var p persisted
	ok, err := storage.GetJSON(ctx, h.store, StorageKey, &p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "S-1", p.Session.SessionID)
	assert.Equal(t, 600, p.RemainingTime)
	assert.True(t, p.TimerStarted)
}

func TestStartSessionReusesValidSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.m.StartSession(ctx).Success)
	h.tick(10)

	res := h.m.StartSession(ctx)
	require.True(t, res.Success)
	assert.True(t, res.Existing)
	assert.Equal(t, "S-1", res.Session.SessionID)
	assert.Equal(t, 590, res.Session.RemainingSeconds)
	assert.Equal(t, 1, h.api.starts)
	assert.Equal(t, 1, h.api.validations)
}

func TestStartSessionReplacesExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.m.StartSession(ctx).Success)
	h.api.expired = true

	res := h.m.StartSession(ctx)
	require.True(t, res.Success)
	assert.False(t, res.Existing)
	assert.Equal(t, "S-2", res.Session.SessionID)
}

func TestConcurrentStartIsRejected(t *testing.T) {
	h := newHarness(t)
	h.api.block = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)

	done := make(chan StartResult, 1)
	go func() { done <- h.m.StartSession(context.Background()) }()
	<-h.api.entered

	second := h.m.StartSession(context.Background())
	assert.False(t, second.Success)
	assert.Equal(t, apperror.KindConcurrent, apperror.KindOf(second.Err))
	assert.Equal(t, "Session creation in progress", apperror.Message(second.Err))

	close(h.api.block)
	first := <-done
	assert.True(t, first.Success)
	assert.Equal(t, 1, h.api.starts)
}

func TestStartSessionRefusedWhenAuthenticated(t *testing.T) {
	h := newHarness(t)
	h.m.SetIdentity(authenticated(true))

	res := h.m.StartSession(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, apperror.KindPrecondition, apperror.KindOf(res.Err))
	assert.Zero(t, h.api.starts)
}

func TestSignInDuringStartDiscardsLateSession(t *testing.T) {
	h := newHarness(t)
	id := &switchable{}
	h.m.SetIdentity(id)
	h.api.block = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)
	ctx := context.Background()

	done := make(chan StartResult, 1)
	go func() { done <- h.m.StartSession(ctx) }()
	<-h.api.entered

	id.on.Store(true)
	h.m.HandleAuthenticationTransition(ctx, "student")
	close(h.api.block)

	res := <-done
	assert.False(t, res.Success)
	assert.Equal(t, apperror.KindPrecondition, apperror.KindOf(res.Err))
	assert.False(t, h.m.IsGuestMode())
	_, ok, err := h.store.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.False(t, ok)

	h.tick(700)
	assert.Empty(t, h.casts.named(EventTimeWarning))
	assert.Empty(t, h.nav.paths)
}

func TestEndDuringStartDiscardsLateSession(t *testing.T) {
	h := newHarness(t)
	h.api.block = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)

	done := make(chan StartResult, 1)
	go func() { done <- h.m.StartSession(context.Background()) }()
	<-h.api.entered

	h.m.EndSession()
	close(h.api.block)

	res := <-done
	assert.False(t, res.Success)
	assert.False(t, h.m.IsGuestMode())
	assert.Zero(t, h.store.Len())
}

func TestStartFailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"timeout", &apperror.Error{Kind: apperror.KindNetworkTimeout, Message: "request timed out"}, ReasonTimeout},
		{"disabled", &apperror.Error{Kind: apperror.KindServerRejected, Status: http.StatusForbidden, Message: "Guest access is disabled"}, ReasonDisabled},
		{"server", &apperror.Error{Kind: apperror.KindServerError, Status: http.StatusInternalServerError}, ReasonServerError},
		{"other", &apperror.Error{Kind: apperror.KindServerRejected, Status: http.StatusBadRequest}, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.api.startErr = tt.err

			res := h.m.StartSession(context.Background())
			assert.False(t, res.Success)
			assert.Equal(t, tt.reason, res.Reason)
			assert.False(t, h.m.IsGuestMode())
			assert.Zero(t, h.store.Len())
		})
	}
}

func TestWarningsFireOncePerThreshold(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.m.StartSession(context.Background()).Success)

	h.tick(599)
	warnings := h.casts.named(EventTimeWarning)
	require.Len(t, warnings, 4)
	var marks []int
	var levels []Level
	for _, w := range warnings {
		tw := w.(TimeWarning)
		marks = append(marks, tw.Remaining)
		levels = append(levels, tw.Level)
		assert.Equal(t, "S-1", tw.SessionID)
	}
	assert.Equal(t, []int{300, 120, 60, 30}, marks)
	assert.Equal(t, []Level{LevelWarning, LevelWarning, LevelUrgent, LevelCritical}, levels)
	assert.Empty(t, h.casts.named(EventSessionExpired))
	assert.Equal(t, 1, h.m.RemainingTime())
}

func TestExpiryFiresOnceThenRedirects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.m.StartSession(ctx).Success)
	require.NoError(t, h.store.Set(ctx, CompletedLessonsPrefix+"PY101", []byte(`[1]`)))
	require.NoError(t, h.store.Set(ctx, CompletedLessonsPrefix+"PY101"+ExpirySuffix, []byte(`1767258000000`)))
	require.NoError(t, h.store.Set(ctx, JustCompletedKey, []byte(`1`)))
	var ended int
	h.m.OnEnd(func() { ended++ })

	h.tick(600)
	expired := h.casts.named(EventSessionExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, Expired{SessionID: "S-1", RedirectTo: "/signup", RedirectInSeconds: 2}, expired[0])
	assert.Zero(t, h.m.RemainingTime())
	assert.Empty(t, h.nav.paths, "redirect waits for the grace period")

	h.tick(5)
	assert.Len(t, h.casts.named(EventSessionExpired), 1)
	assert.Equal(t, []string{"/signup"}, h.nav.paths)
	assert.Equal(t, 1, ended)
	assert.False(t, h.m.IsGuestMode())
	assert.Zero(t, h.store.Len())
	assert.Zero(t, h.clock.Pending())
}

func TestEndSessionDuringGraceCancelsRedirect(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.m.StartSession(context.Background()).Success)
	h.tick(600)

	h.m.EndSession()
	h.tick(5)
	assert.Empty(t, h.nav.paths)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.m.StartSession(context.Background()).Success)
	var ended int
	h.m.OnEnd(func() { ended++ })

	h.m.EndSession()
	h.m.EndSession()
	assert.Equal(t, 1, ended)
	assert.False(t, h.m.IsGuestMode())
	assert.Equal(t, 600, h.m.RemainingTime())
	assert.Zero(t, h.clock.Pending())

	h.tick(10)
	assert.Equal(t, 600, h.m.RemainingTime())
}

func TestValidateSession(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		h := newHarness(t)
		v := h.m.ValidateSession(context.Background())
		assert.False(t, v.Valid)
		assert.Equal(t, "No session ID", v.Reason)
	})
	t.Run("gone ends session", func(t *testing.T) {
		h := newHarness(t)
		require.True(t, h.m.StartSession(context.Background()).Success)
		h.api.validateErr = &apperror.Error{Kind: apperror.KindServerRejected, Status: http.StatusGone}
		v := h.m.ValidateSession(context.Background())
		assert.False(t, v.Valid)
		assert.False(t, h.m.IsGuestMode())
	})
	t.Run("network failure keeps session", func(t *testing.T) {
		h := newHarness(t)
		require.True(t, h.m.StartSession(context.Background()).Success)
		h.api.validateErr = &apperror.Error{Kind: apperror.KindNetwork, Message: "network error"}
		v := h.m.ValidateSession(context.Background())
		assert.True(t, v.Valid)
		assert.NotEmpty(t, v.Warning)
		assert.True(t, h.m.IsGuestMode())
	})
}

func TestRestoreDeductsElapsedTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.m.StartSession(ctx).Success)
	h.tick(100)
	h.m.Close()

	h.clock.Advance(45 * time.Second)
	restored := h.newManager()
	ok, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	snap := restored.Snapshot()
	assert.Equal(t, "S-1", snap.SessionID)
	assert.Equal(t, 455, snap.RemainingSeconds)
	assert.True(t, snap.TimerRunning)

	h.tick(5)
	assert.Equal(t, 450, restored.RemainingTime())
}

func TestRestoreDropsExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.m.StartSession(ctx).Success)
	require.NoError(t, h.store.Set(ctx, CompletedLessonsPrefix+"PY101", []byte(`[1]`)))
	h.m.Close()

	h.clock.Advance(601 * time.Second)
	restored := h.newManager()
	ok, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, h.store.Len())
}

func TestRecoverFallsBackToStart(t *testing.T) {
	h := newHarness(t)
	res := h.m.Recover(context.Background())
	require.True(t, res.Success)
	assert.False(t, res.Existing)
	assert.Equal(t, 1, h.api.starts)
}

func TestHandleAuthenticationTransitionPurgesGuestKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.m.StartSession(ctx).Success)
	require.NoError(t, h.store.Set(ctx, CompletedLessonsPrefix+"PY101", []byte(`[1]`)))
	require.NoError(t, h.store.Set(ctx, "guest_preferences", []byte(`{}`)))
	require.NoError(t, h.store.Set(ctx, "accessToken", []byte(`"t"`)))

	res := h.m.HandleAuthenticationTransition(ctx, "student")
	require.True(t, res.Success)
	assert.True(t, res.WasGuest)
	assert.Equal(t, "student", res.IdentityKind)
	assert.False(t, h.m.IsGuestMode())

	keys, err := h.store.Keys(ctx, "guest")
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, ok, _ := h.store.Get(ctx, "accessToken")
	assert.True(t, ok)

	h.tick(700)
	assert.Empty(t, h.casts.named(EventTimeWarning))
	assert.Empty(t, h.nav.paths)
}

func TestCheckAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.Equal(t, AccessNeedsSession, h.m.CheckAccess(ctx))

	require.True(t, h.m.StartSession(ctx).Success)
	assert.Equal(t, AccessGuest, h.m.CheckAccess(ctx))

	h.api.expired = true
	assert.Equal(t, AccessExpired, h.m.CheckAccess(ctx))

	h.m.SetIdentity(authenticated(true))
	assert.Equal(t, AccessAuthenticated, h.m.CheckAccess(ctx))
}

func TestFormattedRemainingTime(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.m.StartSession(context.Background()).Success)
	h.tick(61)
	assert.Equal(t, "08:59", h.m.FormattedRemainingTime())
	assert.Equal(t, "00:00", FormatRemaining(-3))
}
