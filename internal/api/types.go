package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// GuestSession is the server-issued guest preview session.
type GuestSession struct {
	SessionID     string `json:"session_id" validate:"required"`
	RemainingTime int    `json:"remaining_time" validate:"gte=0"`
}

// StartGuestSessionResponse is returned by POST /guest/session/start.
type StartGuestSessionResponse struct {
	Session  *GuestSession   `json:"session" validate:"required"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// ValidateGuestSessionResponse is returned by GET /guest/session/{id}/validate.
type ValidateGuestSessionResponse struct {
	IsExpired     bool `json:"is_expired"`
	RemainingTime *int `json:"remaining_time,omitempty"`
}

// QuestionID accepts both JSON strings and numbers.
type QuestionID string

func (q *QuestionID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = QuestionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("question id: %w", err)
	}
	*q = QuestionID(n.String())
	return nil
}

// Exercise is a question attached to a lesson.
type Exercise struct {
	ID       QuestionID `json:"id" validate:"required"`
	Type     string     `json:"type"`
	Question string     `json:"question,omitempty"`
	Options  []string   `json:"options,omitempty"`
}

// IsParagraph reports whether the exercise takes a free-text answer.
func (e Exercise) IsParagraph() bool { return e.Type == "paragraph" }

// Lesson is one lesson of a course as the server reports it.
type Lesson struct {
	ID          int64      `json:"id" validate:"required"`
	Title       string     `json:"title"`
	Order       int        `json:"order"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Exercises   []Exercise `json:"exercises,omitempty" validate:"omitempty,dive"`
}

// LessonsResponse is returned by GET /courses/{code}/lessons.
type LessonsResponse struct {
	Lessons []Lesson `json:"lessons" validate:"required,dive"`
}

// CompleteLessonRequest is the body of POST /lessons/{id}/complete.
type CompleteLessonRequest struct {
	Reflection     string `json:"reflection"`
	Score          int    `json:"score"`
	TotalQuestions int    `json:"total_questions"`
}

// CompleteLessonResponse carries the authoritative post-completion lesson list.
type CompleteLessonResponse struct {
	UpdatedLessons []Lesson   `json:"updated_lessons" validate:"required,dive"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Score          int        `json:"score"`
	TotalQuestions int        `json:"total_questions"`
	Progress       *int       `json:"progress,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// SubmitAnswerRequest is the body of POST /lessons/{id}/exercises/{qid}/submit.
type SubmitAnswerRequest struct {
	Answer string `json:"answer"`
}

// ExerciseResult is the graded answer.
type ExerciseResult struct {
	IsCorrect     bool            `json:"is_correct"`
	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
}

// CourseProgress is returned by GET /courses/{code}/progress.
type CourseProgress struct {
	Progress         *int `json:"progress" validate:"omitempty,gte=0,lte=100"`
	CompletedLessons int  `json:"completed_lessons" validate:"gte=0,ltefield=TotalLessons"`
	TotalLessons     int  `json:"total_lessons" validate:"gte=0"`
}

// EnrollResponse reports an enrollment. AlreadyEnrolled is derived from the HTTP status.
type EnrollResponse struct {
	Message         string `json:"message,omitempty"`
	AlreadyEnrolled bool   `json:"-"`
}

// VideoProgressRequest is the body of POST /lessons/{id}/video-progress.
type VideoProgressRequest struct {
	ProgressPercentage int `json:"progress_percentage"`
}

func lessonPath(id int64) string { return strconv.FormatInt(id, 10) }
