package lessons

import (
	"context"
	"time"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/progress"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
)

// LessonAPI is the part of the academy API the store calls.
type LessonAPI interface {
	CompleteLesson(ctx context.Context, lessonID int64, req api.CompleteLessonRequest) (*api.CompleteLessonResponse, error)
	SubmitAnswer(ctx context.Context, lessonID int64, questionID api.QuestionID, answer string) (*api.ExerciseResult, error)
	CourseLessons(ctx context.Context, courseCode string) ([]api.Lesson, error)
	LessonDetail(ctx context.Context, courseCode string, lessonID int64) (*api.Lesson, error)
	Enroll(ctx context.Context, courseCode string) (*api.EnrollResponse, error)
	ReportVideoProgress(ctx context.Context, lessonID int64, percent int) error
}

// ProgressUpdater receives recomputed course progress.
type ProgressUpdater interface {
	Update(courseCode string, d progress.Delta) (progress.Record, bool, error)
}

// GuestState tells the store whether completions happen inside a guest preview.
type GuestState interface {
	IsGuestMode() bool
	RemainingTime() int
}

// AnswerSaver saves free-text answers in the background.
type AnswerSaver interface {
	Schedule(lessonID int64, questionID api.QuestionID, answer string)
}

// Status is a lesson's completion state. Completed is terminal.
type Status string

const (
	StatusNotAttempted      Status = "not_attempted"
	StatusInProgress        Status = "in_progress"
	StatusCompletionPending Status = "completion_pending"
	StatusCompleted         Status = "completed"
)

// ExerciseState is the local state of one exercise of the current lesson.
type ExerciseState struct {
	QuestionID api.QuestionID      `json:"questionId"`
	Answer     string              `json:"answer"`
	Shown      bool                `json:"showResult"`
	Submitting bool                `json:"submitting"`
	Result     *api.ExerciseResult `json:"result,omitempty"`
}

// CompletionResult is the outcome of MarkLessonCompleted.
type CompletionResult struct {
	Success  bool
	LessonID int64
	Lessons  []api.Lesson
	Progress progress.Record
	Err      error
}

// Error returns the failure message, empty on success.
func (r CompletionResult) Error() string { return apperror.Message(r.Err) }

// AnswerResult is the outcome of SubmitAnswerOptimistic.
type AnswerResult struct {
	Success bool
	Result  *api.ExerciseResult
	Err     error
}

// RefreshResult is the outcome of Refresh. Cached is set when no request was issued.
type RefreshResult struct {
	Success bool
	Cached  bool
	Lessons []api.Lesson
	Err     error
}

// EnrollResult is the outcome of Enroll.
type EnrollResult struct {
	Success         bool
	AlreadyEnrolled bool
	Err             error
}

// JustCompleted is the marker written after a guest completes a lesson.
type JustCompleted struct {
	CourseCode  string `json:"courseCode"`
	LessonID    int64  `json:"lessonId"`
	CompletedAt int64  `json:"completedAt"`
}

// completionSnapshot captures what an optimistic completion touches.
type completionSnapshot struct {
	lessonID           int64
	status             Status
	hadStatus          bool
	currentCompleted   bool
	currentCompletedAt *time.Time
	listIndex          int
	listCompleted      bool
	listCompletedAt    *time.Time
}

type course struct {
	lessons  []api.Lesson
	loadedAt time.Time
}
