package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
)

// Durable storage keys owned by the guest session.
const (
	StorageKey             = "guestSession"
	KeyPrefix              = "guest_"
	CompletedLessonsPrefix = "guest_completed_lessons_"
	ExpirySuffix           = "_expiry"
	JustCompletedKey       = "guest_lesson_just_completed"
)

// Broadcast names.
const (
	EventTimeWarning    = "guest-time-warning"
	EventSessionExpired = "guest-session-expired"
)

// SessionAPI is the part of the academy API the manager calls.
type SessionAPI interface {
	StartGuestSession(ctx context.Context) (*api.StartGuestSessionResponse, error)
	ValidateGuestSession(ctx context.Context, sessionID string) (*api.ValidateGuestSessionResponse, error)
}

// Navigator performs the redirect at the end of an expired session.
type Navigator interface {
	Navigate(path string)
}

// IdentityChecker reports whether an authenticated identity is present.
type IdentityChecker interface {
	IsAuthenticated() bool
}

// Session is a point-in-time view of the guest session.
type Session struct {
	SessionID        string          `json:"sessionId"`
	RemainingSeconds int             `json:"remainingTime"`
	IsActive         bool            `json:"isActive"`
	TimerRunning     bool            `json:"timerRunning"`
	LastActivity     time.Time       `json:"lastActivity"`
	CreatedAt        time.Time       `json:"createdAt"`
	Settings         json.RawMessage `json:"settings,omitempty"`
}

// Level grades a time warning.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelUrgent   Level = "urgent"
	LevelCritical Level = "critical"
)

// TimeWarning is broadcast once per threshold crossing.
type TimeWarning struct {
	SessionID string `json:"sessionId"`
	Remaining int    `json:"remaining"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

// Expired is broadcast when the countdown reaches zero.
type Expired struct {
	SessionID         string `json:"sessionId"`
	RedirectTo        string `json:"redirectTo"`
	RedirectInSeconds int    `json:"redirectInSeconds"`
}

// StartResult is the outcome of StartSession and Recover.
type StartResult struct {
	Success  bool
	Session  *Session
	Existing bool
	Reason   string
	Err      error
}

// ValidationResult is the outcome of ValidateSession.
type ValidationResult struct {
	Valid   bool
	Reason  string
	Warning string
}

// TransitionResult is the outcome of HandleAuthenticationTransition.
type TransitionResult struct {
	Success      bool
	WasGuest     bool
	IdentityKind string
	PurgedKeys   int
	Err          error
}

// Access is the guest state as seen by an access check.
type Access string

const (
	AccessAuthenticated Access = "authenticated"
	AccessNeedsSession  Access = "needs_session"
	AccessExpired       Access = "expired"
	AccessGuest         Access = "guest"
)

// Start failure reasons.
const (
	ReasonTimeout     = "timeout"
	ReasonDisabled    = "disabled"
	ReasonServerError = "server_error"
	ReasonUnknown     = "unknown"
)

// FailureReason maps a start-session error to its reason code.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case apperror.Is(err, apperror.KindNetworkTimeout):
		return ReasonTimeout
	case apperror.StatusOf(err) == http.StatusForbidden:
		return ReasonDisabled
	case apperror.Is(err, apperror.KindServerError):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// FormatRemaining renders seconds as mm:ss.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func levelFor(threshold int) Level {
	switch {
	case threshold <= 30:
		return LevelCritical
	case threshold <= 60:
		return LevelUrgent
	default:
		return LevelWarning
	}
}

func warningMessage(seconds int) string {
	switch {
	case seconds >= 120 && seconds%60 == 0:
		return fmt.Sprintf("%d minutes left in your guest preview. Sign up to keep your progress.", seconds/60)
	case seconds == 60:
		return "1 minute left in your guest preview. Sign up to keep your progress."
	default:
		return fmt.Sprintf("%d seconds left in your guest preview. Sign up to keep your progress.", seconds)
	}
}

// persisted is the durable form of the session.
type persisted struct {
	Session       api.GuestSession `json:"session"`
	Settings      json.RawMessage  `json:"settings,omitempty"`
	StartTime     int64            `json:"startTime"`
	RemainingTime int              `json:"remainingTime"`
	TimerStarted  bool             `json:"timerStarted"`
	SavedAt       int64            `json:"savedAt"`
}
