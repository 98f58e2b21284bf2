package lessons

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/guest"
	"github.com/yourdreams-academy/academy-sync/internal/progress"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/storage"
)

type fakeAPI struct {
	mu          sync.Mutex
	lessons     []api.Lesson
	detail      map[int64]api.Lesson
	completeErr error
	submitErr   error
	completes   int
	listCalls   int
	videoCalls  int
	enrolled    bool
	// gate, when set, holds CompleteLesson and SubmitAnswer until a value is received.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeAPI) wait() {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
}

func (f *fakeAPI) CompleteLesson(_ context.Context, id int64, _ api.CompleteLessonRequest) (*api.CompleteLessonResponse, error) {
	f.mu.Lock()
	f.completes++
	f.mu.Unlock()
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	out := append([]api.Lesson(nil), f.lessons...)
	for i := range out {
		if out[i].ID == id {
			out[i].Completed = true
		}
	}
	f.lessons = out
	at := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)
	return &api.CompleteLessonResponse{UpdatedLessons: out, CompletedAt: &at}, nil
}

func (f *fakeAPI) SubmitAnswer(_ context.Context, _ int64, qid api.QuestionID, answer string) (*api.ExerciseResult, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &api.ExerciseResult{IsCorrect: answer == "b"}, nil
}

func (f *fakeAPI) CourseLessons(context.Context, string) ([]api.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]api.Lesson(nil), f.lessons...), nil
}

func (f *fakeAPI) LessonDetail(_ context.Context, _ string, id int64) (*api.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.detail[id]
	if !ok {
		return nil, &apperror.Error{Kind: apperror.KindServerRejected, Status: 404, Message: "Not Found"}
	}
	return &l, nil
}

func (f *fakeAPI) Enroll(context.Context, string) (*api.EnrollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	already := f.enrolled
	f.enrolled = true
	return &api.EnrollResponse{AlreadyEnrolled: already}, nil
}

func (f *fakeAPI) ReportVideoProgress(context.Context, int64, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCalls++
	return nil
}

type emitLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (e *emitLog) Emit(t eventbus.Type, p eventbus.Payload) eventbus.Event {
	ev := eventbus.Event{Type: t, Payload: p}
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	return ev
}

func (e *emitLog) ofType(t eventbus.Type) []eventbus.Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []eventbus.Payload
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev.Payload)
		}
	}
	return out
}

type guestMode struct{ active bool }

func (g guestMode) IsGuestMode() bool  { return g.active }
func (g guestMode) RemainingTime() int { return 300 }

type saverLog struct {
	mu      sync.Mutex
	answers []string
}

func (s *saverLog) Schedule(_ int64, _ api.QuestionID, answer string) {
	s.mu.Lock()
	s.answers = append(s.answers, answer)
	s.mu.Unlock()
}

type harness struct {
	store    *Store
	api      *fakeAPI
	emits    *emitLog
	tracker  *progress.Tracker
	storage  *storage.Memory
	clock    *clock.Fake
	saver    *saverLog
	guestMod *guestMode
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lessons := []api.Lesson{{ID: 1, Title: "Intro", Completed: true}, {ID: 2, Title: "Loops"}, {ID: 3, Title: "Functions"}}
	h := &harness{
		api: &fakeAPI{
			lessons: lessons,
			detail: map[int64]api.Lesson{
				2: {ID: 2, Title: "Loops", Exercises: []api.Exercise{
					{ID: "q1", Type: "multiple_choice"},
					{ID: "q2", Type: "paragraph"},
				}},
				1: {ID: 1, Title: "Intro", Completed: true},
			},
		},
		emits:    &emitLog{},
		storage:  storage.NewMemory(),
		clock:    clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)),
		saver:    &saverLog{},
		guestMod: &guestMode{},
	}
	h.tracker = progress.NewTracker(h.storage, h.emits, nil, h.clock, nil, nil)
	s, err := NewStore(Deps{
		API:      h.api,
		Progress: h.tracker,
		Emitter:  h.emits,
		Storage:  h.storage,
		Guest:    h.guestMod,
		Saver:    h.saver,
		Clock:    h.clock,
	}, Config{}, nil)
	require.NoError(t, err)
	h.store = s
	return h
}

func (h *harness) openLesson(t *testing.T, id int64) {
	t.Helper()
	_, err := h.store.SetCurrentCourse("PY101")
	require.NoError(t, err)
	_, err = h.store.LoadLessons(context.Background(), "PY101", false)
	require.NoError(t, err)
	_, err = h.store.SetCurrentLesson(context.Background(), id)
	require.NoError(t, err)
}

func TestMarkLessonCompletedSuccess(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)

	res := h.store.MarkLessonCompleted(context.Background(), "learned loops", 1, 2)
	require.True(t, res.Success, res.Error())
	assert.Equal(t, StatusCompleted, h.store.Status(2))
	cur, _ := h.store.CurrentLesson()
	assert.True(t, cur.Completed)
	require.NotNil(t, cur.CompletedAt)

	assert.Equal(t, 2, res.Progress.CompletedLessons)
	assert.Equal(t, 3, res.Progress.TotalLessons)
	assert.Equal(t, 67, res.Progress.Progress)

	completed := h.emits.ofType(eventbus.LessonCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "PY101", completed[0].CourseCode)
	assert.Equal(t, int64(2), completed[0].LessonID)
	assert.Len(t, h.emits.ofType(eventbus.ProgressUpdated), 1)

	again := h.store.MarkLessonCompleted(context.Background(), "", 0, 0)
	assert.False(t, again.Success)
	assert.Equal(t, apperror.KindPrecondition, apperror.KindOf(again.Err))
	assert.Equal(t, 1, h.api.completes)
}

func TestMarkLessonCompletedIsOptimisticAndGuarded(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)
	h.api.gate = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)
	h.api.completeErr = &apperror.Error{Kind: apperror.KindServerError, Status: 500, Message: "Internal Server Error"}

	done := make(chan CompletionResult, 1)
	go func() { done <- h.store.MarkLessonCompleted(context.Background(), "r", 0, 2) }()
	<-h.api.entered

	cur, _ := h.store.CurrentLesson()
	assert.True(t, cur.Completed, "optimistic update is visible before the server answers")
	assert.Equal(t, StatusCompletionPending, h.store.Status(2))
	list, err := h.store.LoadLessons(context.Background(), "PY101", false)
	require.NoError(t, err)
	assert.True(t, list[1].Completed)

	dup := h.store.MarkLessonCompleted(context.Background(), "r", 0, 2)
	assert.False(t, dup.Success)
	assert.Equal(t, "Already attempted", dup.Error())

	close(h.api.gate)
	res := <-done
	assert.False(t, res.Success)
	assert.Equal(t, apperror.KindServerError, apperror.KindOf(res.Err))
	assert.Equal(t, 1, h.api.completes)

	cur, _ = h.store.CurrentLesson()
	assert.False(t, cur.Completed)
	assert.Nil(t, cur.CompletedAt)
	assert.Equal(t, StatusNotAttempted, h.store.Status(2))
	list, err = h.store.LoadLessons(context.Background(), "PY101", false)
	require.NoError(t, err)
	assert.False(t, list[1].Completed)
	assert.Nil(t, list[1].CompletedAt)
	assert.Empty(t, h.emits.ofType(eventbus.LessonCompleted))

	h.api.mu.Lock()
	h.api.gate, h.api.entered, h.api.completeErr = nil, nil, nil
	h.api.mu.Unlock()
	retry := h.store.MarkLessonCompleted(context.Background(), "r", 0, 2)
	assert.True(t, retry.Success, "guard is cleared after a failure")
}

func TestFailedCompletionKeepsInProgress(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)
	require.NoError(t, h.store.SetExerciseAnswer("q2", "loops repeat code"))
	require.Equal(t, StatusInProgress, h.store.Status(2))
	h.api.completeErr = &apperror.Error{Kind: apperror.KindServerError, Status: 503, Message: "Service Unavailable"}

	res := h.store.MarkLessonCompleted(context.Background(), "r", 0, 2)
	assert.False(t, res.Success)
	assert.Equal(t, StatusInProgress, h.store.Status(2))
	ex, ok := h.store.Exercise("q2")
	require.True(t, ok)
	assert.Equal(t, "loops repeat code", ex.Answer)
}

func TestResetDuringCompletionDropsResult(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)
	before, hadBefore := h.tracker.Get("PY101")
	h.api.gate = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)

	done := make(chan CompletionResult, 1)
	go func() { done <- h.store.MarkLessonCompleted(context.Background(), "r", 0, 2) }()
	<-h.api.entered
	h.store.Reset()
	close(h.api.gate)

	res := <-done
	assert.False(t, res.Success)
	assert.Equal(t, apperror.KindPrecondition, apperror.KindOf(res.Err))
	assert.Equal(t, 1, h.api.completes)

	assert.Empty(t, h.store.CurrentCourse())
	_, ok := h.store.CurrentLesson()
	assert.False(t, ok)
	assert.Equal(t, StatusNotAttempted, h.store.Status(2))
	assert.Equal(t, 0, h.store.courses.Len())
	assert.Empty(t, h.emits.ofType(eventbus.LessonCompleted))
	after, hadAfter := h.tracker.Get("PY101")
	assert.Equal(t, hadBefore, hadAfter)
	assert.Equal(t, before, after)
}

func TestMarkLessonCompletedRequiresLesson(t *testing.T) {
	h := newHarness(t)
	res := h.store.MarkLessonCompleted(context.Background(), "", 0, 0)
	assert.Equal(t, apperror.KindPrecondition, apperror.KindOf(res.Err))

	h.openLesson(t, 1)
	res = h.store.MarkLessonCompleted(context.Background(), "", 0, 0)
	assert.Equal(t, "Lesson already completed", res.Error())
	assert.Zero(t, h.api.completes)
}

func TestGuestCompletionWritesMarkers(t *testing.T) {
	h := newHarness(t)
	h.guestMod.active = true
	h.openLesson(t, 2)

	require.True(t, h.store.MarkLessonCompleted(context.Background(), "", 0, 0).Success)

	ctx := context.Background()
	var ids []int64
	ok, err := storage.GetJSON(ctx, h.storage, guest.CompletedLessonsPrefix+"PY101", &ids)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{2}, ids)
	_, ok, _ = h.storage.Get(ctx, guest.CompletedLessonsPrefix+"PY101"+guest.ExpirySuffix)
	assert.True(t, ok)
	var just JustCompleted
	ok, err = storage.GetJSON(ctx, h.storage, guest.JustCompletedKey, &just)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), just.LessonID)
}

func TestSubmitAnswerOptimisticRestoresExactly(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)
	ctx := context.Background()

	first := h.store.SubmitAnswerOptimistic(ctx, "q1", "a")
	require.True(t, first.Success)
	before, _ := h.store.Exercise("q1")
	require.NotNil(t, before.Result)
	assert.False(t, before.Result.IsCorrect)

	h.api.gate = make(chan struct{})
	h.api.entered = make(chan struct{}, 1)
	h.api.submitErr = errors.New("connection reset")
	done := make(chan AnswerResult, 1)
	go func() { done <- h.store.SubmitAnswerOptimistic(ctx, "q1", "b") }()
	<-h.api.entered

	during, _ := h.store.Exercise("q1")
	assert.True(t, during.Shown)
	assert.True(t, during.Submitting)
	assert.Nil(t, during.Result)
	busy := h.store.SubmitAnswerOptimistic(ctx, "q1", "c")
	assert.Equal(t, apperror.KindConcurrent, apperror.KindOf(busy.Err))

	close(h.api.gate)
	res := <-done
	assert.False(t, res.Success)

	after, _ := h.store.Exercise("q1")
	assert.Equal(t, before.Shown, after.Shown)
	assert.Equal(t, before.Result, after.Result)
	assert.False(t, after.Submitting)
	assert.Equal(t, "b", after.Answer, "typed answer survives the failure")
}

func TestExerciseAnswersAndAutoComplete(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)
	ctx := context.Background()
	assert.Equal(t, StatusNotAttempted, h.store.Status(2))

	require.NoError(t, h.store.SetExerciseAnswer("q2", "loops repeat work"))
	assert.Equal(t, StatusInProgress, h.store.Status(2))
	assert.Equal(t, []string{"loops repeat work"}, h.saver.answers)
	assert.False(t, h.store.CanCompleteLesson())

	notReady := h.store.CheckAndAutoComplete(ctx)
	assert.Equal(t, "Lesson not ready", notReady.Error())

	require.True(t, h.store.SubmitAnswerOptimistic(ctx, "q1", "b").Success)
	assert.True(t, h.store.CanCompleteLesson())
	score, total := h.store.CurrentScore()
	assert.Equal(t, 1, score)
	assert.Equal(t, 2, total)

	res := h.store.CheckAndAutoComplete(ctx)
	require.True(t, res.Success, res.Error())
	assert.Equal(t, StatusCompleted, h.store.Status(2))

	assert.Error(t, h.store.SetExerciseAnswer("missing", "x"))
}

func TestRefreshIsRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.SetCurrentCourse("PY101")
	require.NoError(t, err)

	first := h.store.Refresh(ctx, false)
	require.True(t, first.Success)
	assert.False(t, first.Cached)

	second := h.store.Refresh(ctx, false)
	assert.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Len(t, second.Lessons, 3)
	assert.Equal(t, 1, h.api.listCalls)

	forced := h.store.Refresh(ctx, true)
	assert.False(t, forced.Cached)
	assert.Equal(t, 2, h.api.listCalls)

	h.clock.Advance(time.Second)
	assert.False(t, h.store.Refresh(ctx, false).Cached)
	assert.Equal(t, 3, h.api.listCalls)
}

func TestRefreshRejectsWhileInFlight(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.SetCurrentCourse("PY101")
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.refreshing = true
	h.store.mu.Unlock()

	res := h.store.Refresh(context.Background(), true)
	assert.False(t, res.Success)
	assert.True(t, res.Cached)
	assert.Equal(t, apperror.KindConcurrent, apperror.KindOf(res.Err))
	assert.Zero(t, h.api.listCalls)
}

func TestSetCurrentCourseEmitsOnChange(t *testing.T) {
	h := newHarness(t)
	changed, err := h.store.SetCurrentCourse("PY101")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, _ = h.store.SetCurrentCourse("PY101")
	assert.False(t, changed)
	_, err = h.store.SetCurrentCourse("")
	assert.ErrorIs(t, err, ErrNoCourse)
	assert.Len(t, h.emits.ofType(eventbus.CourseChanged), 1)
}

func TestEnroll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.store.Enroll(ctx, "GO201")
	require.True(t, res.Success)
	assert.False(t, res.AlreadyEnrolled)
	rec, ok := h.tracker.Get("GO201")
	require.True(t, ok)
	assert.Zero(t, rec.Progress)
	assert.Len(t, h.emits.ofType(eventbus.CourseChanged), 1)

	res = h.store.Enroll(ctx, "GO201")
	assert.True(t, res.AlreadyEnrolled)
	assert.Len(t, h.emits.ofType(eventbus.CourseChanged), 1)
}

func TestReportVideoProgressIsThrottled(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)
	ctx := context.Background()

	sent, err := h.store.ReportVideoProgress(ctx, 10)
	require.NoError(t, err)
	assert.True(t, sent)
	sent, _ = h.store.ReportVideoProgress(ctx, 20)
	assert.False(t, sent)

	h.clock.Advance(5 * time.Second)
	sent, _ = h.store.ReportVideoProgress(ctx, 150)
	assert.True(t, sent)
	assert.Equal(t, 2, h.api.videoCalls)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.openLesson(t, 2)
	h.store.Reset()

	assert.Empty(t, h.store.CurrentCourse())
	_, ok := h.store.CurrentLesson()
	assert.False(t, ok)
	assert.Equal(t, StatusNotAttempted, h.store.Status(1))
}
