// Package auth tracks the authenticated identity and hands over from a guest session.
package auth

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/guest"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/storage"
)

// Storage keys and the broadcast name used by the watcher.
const (
	AccessTokenKey        = "accessToken"
	UserTypeKey           = "userType"
	EventAuthStateChanged = "auth-state-changed"
)

// GuestSessions is the guest manager as seen by the watcher.
type GuestSessions interface {
	HandleAuthenticationTransition(ctx context.Context, identityKind string) guest.TransitionResult
	EndSession()
}

// ResetFunc clears a cache that must not survive an identity change.
type ResetFunc func(ctx context.Context) error

// Identity is the current identity.
type Identity struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	Kind          string `json:"userType,omitempty"`
}

// SignInResult is the outcome of SignedIn.
type SignInResult struct {
	Success    bool
	Identity   Identity
	Transition guest.TransitionResult
	Err        error
}

// Watcher holds the access token and enforces that a guest session never coexists with it.
type Watcher struct {
	guest       GuestSessions
	store       storage.Store
	broadcaster eventbus.Broadcaster
	clock       clock.Clock
	logger      *zap.Logger

	mu       sync.Mutex
	token    string
	identity Identity
	resets   []ResetFunc
}

// NewWatcher creates a signed-out watcher.
func NewWatcher(g GuestSessions, store storage.Store, b eventbus.Broadcaster, c clock.Clock, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = eventbus.NopBroadcaster
	}
	return &Watcher{
		guest:       g,
		store:       store,
		broadcaster: b,
		clock:       clock.OrReal(c),
		logger:      logger,
	}
}

// OnReset registers a cache reset run on every sign-in and sign-out.
func (w *Watcher) OnReset(fn ResetFunc) {
	w.mu.Lock()
	w.resets = append(w.resets, fn)
	w.mu.Unlock()
}

// IsAuthenticated reports whether an access token is held.
func (w *Watcher) IsAuthenticated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity.Authenticated
}

// AccessToken returns the bearer token for API calls, empty when signed out.
func (w *Watcher) AccessToken() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.token
}

// Identity returns the current identity.
func (w *Watcher) Identity() Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

// SignedIn installs token, ends any guest session and purges guest data. userType
// overrides the kind read from the token when set.
func (w *Watcher) SignedIn(ctx context.Context, token, userType string) SignInResult {
	const op = "auth.SignedIn"
	claims, err := ParseClaims(token, w.clock.Now())
	if err != nil {
		return SignInResult{Err: &apperror.Error{Kind: apperror.KindPrecondition, Op: op, Message: err.Error(), Err: err}}
	}
	kind := claims.Kind()
	if userType != "" {
		kind = userType
	}
	id := Identity{Authenticated: true, UserID: claims.Subject(), Kind: kind}

	w.mu.Lock()
	w.token = token
	w.identity = id
	w.mu.Unlock()

	if err := storage.SetJSON(ctx, w.store, AccessTokenKey, token); err != nil {
		w.logger.Warn("persist access token failed", zap.Error(err))
	}
	if err := storage.SetJSON(ctx, w.store, UserTypeKey, kind); err != nil {
		w.logger.Warn("persist user type failed", zap.Error(err))
	}

	tr := w.guest.HandleAuthenticationTransition(ctx, kind)
	w.runResets(ctx)
	w.logger.Info("signed in",
		zap.String("user_id", id.UserID),
		zap.String("user_type", kind),
		zap.Bool("was_guest", tr.WasGuest),
	)
	w.broadcaster.Broadcast(EventAuthStateChanged, id)
	return SignInResult{Success: true, Identity: id, Transition: tr}
}

// SignedOut drops the token, ends any guest session and resets caches.
func (w *Watcher) SignedOut(ctx context.Context) error {
	w.mu.Lock()
	wasAuthenticated := w.identity.Authenticated
	w.token = ""
	w.identity = Identity{}
	w.mu.Unlock()

	err := w.store.Delete(ctx, AccessTokenKey, UserTypeKey)
	if err != nil {
		w.logger.Warn("clear access token failed", zap.Error(err))
	}
	w.guest.EndSession()
	w.runResets(ctx)
	if wasAuthenticated {
		w.logger.Info("signed out")
	}
	w.broadcaster.Broadcast(EventAuthStateChanged, Identity{})
	return err
}

// Restore reloads a persisted token. An unreadable or expired token is discarded.
func (w *Watcher) Restore(ctx context.Context) (bool, error) {
	var token, kind string
	ok, err := storage.GetJSON(ctx, w.store, AccessTokenKey, &token)
	if err != nil || !ok || token == "" {
		return false, err
	}
	if _, err := storage.GetJSON(ctx, w.store, UserTypeKey, &kind); err != nil {
		return false, err
	}
	claims, err := ParseClaims(token, w.clock.Now())
	if err != nil {
		w.logger.Info("discarding persisted access token", zap.Error(err))
		return false, w.store.Delete(ctx, AccessTokenKey, UserTypeKey)
	}
	if kind == "" {
		kind = claims.Kind()
	}

	w.mu.Lock()
	w.token = token
	w.identity = Identity{Authenticated: true, UserID: claims.Subject(), Kind: kind}
	w.mu.Unlock()
	return true, nil
}

func (w *Watcher) runResets(ctx context.Context) {
	w.mu.Lock()
	resets := append([]ResetFunc(nil), w.resets...)
	w.mu.Unlock()
	for _, fn := range resets {
		if err := fn(ctx); err != nil {
			w.logger.Warn("cache reset failed", zap.Error(err))
		}
	}
}
