package eventbus

import "time"

// Type names a sync event.
type Type string

const (
	LessonCompleted Type = "lesson-completed"
	ProgressUpdated Type = "progress-updated"
	CourseChanged   Type = "course-changed"
	ForceRefresh    Type = "force-refresh"
)

// AllTypes lists every sync event type in a stable order.
var AllTypes = []Type{LessonCompleted, ProgressUpdated, CourseChanged, ForceRefresh}

// Payload carries the type-specific fields of an event. CourseCode is empty for course-less events.
type Payload struct {
	CourseCode       string `json:"courseCode,omitempty"`
	LessonID         int64  `json:"lessonId,omitempty"`
	Progress         int    `json:"progress"`
	CompletedLessons int    `json:"completedLessons"`
	TotalLessons     int    `json:"totalLessons"`
	Version          int64  `json:"version,omitempty"`
	Source           string `json:"source,omitempty"`
}

// Event is an emitted, immutable sync fact.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events. A panicking handler does not affect other subscribers or the emitter.
type Handler func(Event)

// Broadcaster mirrors events onto the platform-level broadcast channel.
type Broadcaster interface {
	Broadcast(name string, payload interface{})
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(name string, payload interface{})

func (f BroadcasterFunc) Broadcast(name string, payload interface{}) { f(name, payload) }

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, interface{}) {}

// NopBroadcaster discards every broadcast.
var NopBroadcaster Broadcaster = nopBroadcaster{}
