// Package lessons holds the current course and lesson, exercise answers and the lesson
// completion flow with optimistic updates.
package lessons

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/guest"
	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/internal/progress"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/optimistic"
	"github.com/yourdreams-academy/academy-sync/pkg/storage"
	"github.com/yourdreams-academy/academy-sync/pkg/timing"
)

// ErrNoCourse is returned for an empty course code.
var ErrNoCourse = errors.New("lessons: course code is required")

// Config tunes a Store.
type Config struct {
	RefreshMinInterval time.Duration
	CourseCacheSize    int
	VideoThrottle      time.Duration
}

// Deps are the collaborators of a Store. API, Progress and Emitter are required.
type Deps struct {
	API      LessonAPI
	Progress ProgressUpdater
	Emitter  progress.Emitter
	Storage  storage.Store
	Guest    GuestState
	Saver    AnswerSaver
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Store is the lesson state of the UI session.
type Store struct {
	api      LessonAPI
	progress ProgressUpdater
	emitter  progress.Emitter
	storage  storage.Store
	guest    GuestState
	saver    AnswerSaver
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config

	courses *lru.Cache
	video   *timing.Throttler

	mu          sync.Mutex
	courseCode  string
	current     *api.Lesson
	exercises   map[api.QuestionID]*ExerciseState
	status      map[int64]Status
	attempted   map[int64]bool
	refreshing  bool
	lastRefresh time.Time
	// resetGen counts Reset calls; a completion that spans one is dropped.
	resetGen uint64
}

// NewStore creates a Store.
func NewStore(deps Deps, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshMinInterval <= 0 {
		cfg.RefreshMinInterval = time.Second
	}
	if cfg.CourseCacheSize <= 0 {
		cfg.CourseCacheSize = 32
	}
	if cfg.VideoThrottle <= 0 {
		cfg.VideoThrottle = 5 * time.Second
	}
	cache, err := lru.New(cfg.CourseCacheSize)
	if err != nil {
		return nil, err
	}
	c := clock.OrReal(deps.Clock)
	return &Store{
		api:       deps.API,
		progress:  deps.Progress,
		emitter:   deps.Emitter,
		storage:   deps.Storage,
		guest:     deps.Guest,
		saver:     deps.Saver,
		clock:     c,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
		courses:   cache,
		video:     timing.NewThrottler(c, cfg.VideoThrottle),
		exercises: make(map[api.QuestionID]*ExerciseState),
		status:    make(map[int64]Status),
		attempted: make(map[int64]bool),
	}, nil
}

// SetCurrentCourse selects the active course and emits course-changed when it differs.
func (s *Store) SetCurrentCourse(courseCode string) (bool, error) {
	if courseCode == "" {
		return false, ErrNoCourse
	}
	s.mu.Lock()
	if s.courseCode == courseCode {
		s.mu.Unlock()
		return false, nil
	}
	s.courseCode = courseCode
	s.current = nil
	s.exercises = make(map[api.QuestionID]*ExerciseState)
	s.lastRefresh = time.Time{}
	s.mu.Unlock()

	s.emitter.Emit(eventbus.CourseChanged, eventbus.Payload{CourseCode: courseCode, Source: "navigation"})
	return true, nil
}

// CurrentCourse returns the active course code.
func (s *Store) CurrentCourse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.courseCode
}

// LoadLessons returns a course's lessons, from cache unless force is set.
func (s *Store) LoadLessons(ctx context.Context, courseCode string, force bool) ([]api.Lesson, error) {
	if courseCode == "" {
		return nil, ErrNoCourse
	}
	if !force {
		if v, ok := s.courses.Get(courseCode); ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return cloneLessons(v.(*course).lessons), nil
		}
	}
	lessons, err := s.api.CourseLessons(ctx, courseCode)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnknown, "lessons.LoadLessons", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeCourseLocked(courseCode, lessons)
	return cloneLessons(lessons), nil
}

// LoadLessonDetail fetches one lesson with its exercises.
func (s *Store) LoadLessonDetail(ctx context.Context, courseCode string, lessonID int64) (*api.Lesson, error) {
	if courseCode == "" {
		return nil, ErrNoCourse
	}
	l, err := s.api.LessonDetail(ctx, courseCode, lessonID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnknown, "lessons.LoadLessonDetail", err)
	}
	return l, nil
}

// SetCurrentLesson loads a lesson of the current course and makes it the lesson context.
func (s *Store) SetCurrentLesson(ctx context.Context, lessonID int64) (*api.Lesson, error) {
	const op = "lessons.SetCurrentLesson"
	code := s.CurrentCourse()
	if code == "" {
		return nil, apperror.New(apperror.KindPrecondition, op, "No current course")
	}
	l, err := s.LoadLessonDetail(ctx, code, lessonID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.courseCode != code {
		return nil, apperror.New(apperror.KindPrecondition, op, "Course changed while loading lesson")
	}
	cur := *l
	s.current = &cur
	s.exercises = make(map[api.QuestionID]*ExerciseState, len(l.Exercises))
	if l.Completed {
		s.status[l.ID] = StatusCompleted
	}
	out := cur
	return &out, nil
}

// CurrentLesson returns the lesson context.
func (s *Store) CurrentLesson() (api.Lesson, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return api.Lesson{}, false
	}
	return *s.current, true
}

// Status returns a lesson's completion state.
func (s *Store) Status(lessonID int64) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(lessonID)
}

func (s *Store) statusLocked(lessonID int64) Status {
	if st, ok := s.status[lessonID]; ok {
		return st
	}
	return StatusNotAttempted
}

// setStatusLocked moves a lesson to st. Nothing leaves completed.
func (s *Store) setStatusLocked(lessonID int64, st Status) {
	if s.status[lessonID] == StatusCompleted {
		return
	}
	s.status[lessonID] = st
}

// Exercise returns the local state of an exercise of the current lesson.
func (s *Store) Exercise(qid api.QuestionID) (ExerciseState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exercises[qid]
	if !ok {
		return ExerciseState{QuestionID: qid}, false
	}
	return *ex, true
}

// SetExerciseAnswer records a typed answer. Paragraph answers are auto-saved.
func (s *Store) SetExerciseAnswer(qid api.QuestionID, answer string) error {
	const op = "lessons.SetExerciseAnswer"
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return apperror.New(apperror.KindPrecondition, op, "No current lesson")
	}
	exercise, ok := findExercise(s.current, qid)
	if !ok {
		s.mu.Unlock()
		return apperror.New(apperror.KindPrecondition, op, "Unknown question")
	}
	s.exerciseLocked(qid).Answer = answer
	lessonID := s.current.ID
	if s.statusLocked(lessonID) == StatusNotAttempted {
		s.setStatusLocked(lessonID, StatusInProgress)
	}
	s.mu.Unlock()

	if exercise.IsParagraph() && s.saver != nil {
		s.saver.Schedule(lessonID, qid, answer)
	}
	return nil
}

// SubmitAnswerOptimistic shows the answer as submitted before the server grades it. On
// failure the shown and result state is restored exactly; the typed answer is kept.
func (s *Store) SubmitAnswerOptimistic(ctx context.Context, qid api.QuestionID, answer string) AnswerResult {
	const op = "lessons.SubmitAnswerOptimistic"
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return AnswerResult{Err: apperror.New(apperror.KindPrecondition, op, "No current lesson")}
	}
	if _, ok := findExercise(s.current, qid); !ok {
		s.mu.Unlock()
		return AnswerResult{Err: apperror.New(apperror.KindPrecondition, op, "Unknown question")}
	}
	ex := s.exerciseLocked(qid)
	if ex.Submitting {
		s.mu.Unlock()
		return AnswerResult{Err: apperror.New(apperror.KindConcurrent, op, "Answer submission in progress")}
	}
	lessonID := s.current.ID
	pending := optimistic.Begin(optimistic.Update[ExerciseState]{
		Snapshot: func() ExerciseState { return *ex },
		Mutate: func() {
			ex.Answer = answer
			ex.Shown = true
			ex.Result = nil
			ex.Submitting = true
		},
		Revert: func(prev ExerciseState) {
			*ex = prev
			ex.Answer = answer
		},
	})
	if s.statusLocked(lessonID) == StatusNotAttempted {
		s.setStatusLocked(lessonID, StatusInProgress)
	}
	s.mu.Unlock()

	res, err := s.api.SubmitAnswer(ctx, lessonID, qid, answer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		pending.Revert()
		s.metrics.AnswerSubmission("error")
		s.logger.Warn("answer submission failed",
			zap.Int64("lesson_id", lessonID),
			zap.String("question_id", string(qid)),
			zap.Error(err),
		)
		return AnswerResult{Err: apperror.Wrap(apperror.KindUnknown, op, err)}
	}
	pending.Commit()
	ex.Submitting = false
	ex.Result = res
	if res.IsCorrect {
		s.metrics.AnswerSubmission("correct")
	} else {
		s.metrics.AnswerSubmission("incorrect")
	}
	return AnswerResult{Success: true, Result: res}
}

// CanCompleteLesson reports whether every exercise of the current lesson is done: graded
// exercises show a correct result, paragraph exercises have an answer.
func (s *Store) CanCompleteLesson() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canCompleteLocked()
}

func (s *Store) canCompleteLocked() bool {
	if s.current == nil {
		return false
	}
	for _, e := range s.current.Exercises {
		ex, ok := s.exercises[e.ID]
		if !ok {
			return false
		}
		if e.IsParagraph() {
			if ex.Answer == "" && !ex.Shown {
				return false
			}
			continue
		}
		if !ex.Shown || ex.Result == nil || !ex.Result.IsCorrect {
			return false
		}
	}
	return true
}

// CurrentScore returns correct answers and the number of exercises of the current lesson.
func (s *Store) CurrentScore() (score, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreLocked()
}

func (s *Store) scoreLocked() (score, total int) {
	if s.current == nil {
		return 0, 0
	}
	for _, e := range s.current.Exercises {
		if ex, ok := s.exercises[e.ID]; ok && ex.Result != nil && ex.Result.IsCorrect {
			score++
		}
	}
	return score, len(s.current.Exercises)
}

// CheckAndAutoComplete completes the current lesson once every exercise is done, using the
// paragraph answer as the reflection.
func (s *Store) CheckAndAutoComplete(ctx context.Context) CompletionResult {
	s.mu.Lock()
	if !s.canCompleteLocked() {
		s.mu.Unlock()
		return CompletionResult{Err: apperror.New(apperror.KindPrecondition, "lessons.CheckAndAutoComplete", "Lesson not ready")}
	}
	var reflection string
	for _, e := range s.current.Exercises {
		if e.IsParagraph() {
			if ex, ok := s.exercises[e.ID]; ok && ex.Answer != "" {
				reflection = ex.Answer
				break
			}
		}
	}
	score, total := s.scoreLocked()
	s.mu.Unlock()
	return s.MarkLessonCompleted(ctx, reflection, score, total)
}

// MarkLessonCompleted completes the current lesson. The lesson shows as completed until
// the server answers; a rejected completion is reverted to the exact prior status and can
// be retried. A Reset while the call is in flight drops its result.
func (s *Store) MarkLessonCompleted(ctx context.Context, reflection string, score, totalQuestions int) CompletionResult {
	const op = "lessons.MarkLessonCompleted"

	s.mu.Lock()
	if s.courseCode == "" || s.current == nil {
		s.mu.Unlock()
		return CompletionResult{Err: apperror.New(apperror.KindPrecondition, op, "No current lesson")}
	}
	id := s.current.ID
	code := s.courseCode
	if s.attempted[id] {
		s.mu.Unlock()
		s.metrics.LessonCompletion("duplicate")
		return CompletionResult{LessonID: id, Err: apperror.New(apperror.KindConcurrent, op, "Already attempted")}
	}
	if s.current.Completed || s.statusLocked(id) == StatusCompleted {
		s.mu.Unlock()
		return CompletionResult{LessonID: id, Err: apperror.New(apperror.KindPrecondition, op, "Lesson already completed")}
	}
	s.attempted[id] = true
	gen := s.resetGen
	now := s.clock.Now()
	pending := optimistic.Begin(optimistic.Update[completionSnapshot]{
		Snapshot: func() completionSnapshot { return s.completionSnapshotLocked(code, id) },
		Mutate:   func() { s.markCompletedLocked(code, id, &now) },
		Revert:   func(snap completionSnapshot) { s.restoreCompletionLocked(code, snap) },
	})
	s.mu.Unlock()

	resp, err := s.api.CompleteLesson(ctx, id, api.CompleteLessonRequest{
		Reflection:     reflection,
		Score:          score,
		TotalQuestions: totalQuestions,
	})

	s.mu.Lock()
	if s.resetGen != gen {
		s.mu.Unlock()
		s.metrics.LessonCompletion("discarded")
		s.logger.Info("dropping lesson completion after reset",
			zap.String("course_code", code),
			zap.Int64("lesson_id", id),
			zap.Bool("server_ok", err == nil),
		)
		return CompletionResult{LessonID: id, Err: apperror.New(apperror.KindPrecondition, op, "Lesson context reset")}
	}
	if err != nil {
		pending.Revert()
		delete(s.attempted, id)
		s.mu.Unlock()
		s.metrics.LessonCompletion("error")
		s.logger.Warn("lesson completion failed",
			zap.String("course_code", code),
			zap.Int64("lesson_id", id),
			zap.Error(err),
		)
		return CompletionResult{LessonID: id, Err: apperror.Wrap(apperror.KindUnknown, op, err)}
	}
	pending.Commit()
	delete(s.attempted, id)

	lessons := cloneLessons(resp.UpdatedLessons)
	completedAt := resp.CompletedAt
	if completedAt == nil {
		completedAt = &now
	}
	done := true
	for i := range lessons {
		if lessons[i].ID == id {
			done = lessons[i].Completed
			if done && lessons[i].CompletedAt == nil {
				lessons[i].CompletedAt = completedAt
			}
		}
	}
	s.storeCourseLocked(code, lessons)
	if s.current != nil && s.current.ID == id {
		s.current.Completed = done
		if done {
			s.current.CompletedAt = completedAt
		} else {
			s.current.CompletedAt = nil
		}
	}
	if done {
		s.status[id] = StatusCompleted
	} else {
		s.status[id] = StatusInProgress
	}
	completed, total := countCompleted(lessons)
	inGuest := s.guest != nil && s.guest.IsGuestMode()
	s.mu.Unlock()

	d := progress.Counts(completed, total)
	d.Progress = resp.Progress
	d.Source = "lesson"
	rec, _, perr := s.progress.Update(code, d)
	if perr != nil {
		s.logger.Warn("progress update after completion failed", zap.String("course_code", code), zap.Error(perr))
	}
	if done {
		s.emitter.Emit(eventbus.LessonCompleted, eventbus.Payload{
			CourseCode:       code,
			LessonID:         id,
			Progress:         rec.Progress,
			CompletedLessons: rec.CompletedLessons,
			TotalLessons:     rec.TotalLessons,
			Version:          rec.Version,
			Source:           "lesson",
		})
		if inGuest {
			s.writeGuestMarkers(ctx, code, id, completedAt.UnixMilli())
		}
	}
	s.metrics.LessonCompletion("completed")
	s.logger.Info("lesson completed",
		zap.String("course_code", code),
		zap.Int64("lesson_id", id),
		zap.Int("progress", rec.Progress),
	)
	return CompletionResult{Success: true, LessonID: id, Lessons: cloneLessons(lessons), Progress: rec}
}

func (s *Store) completionSnapshotLocked(code string, id int64) completionSnapshot {
	st, had := s.status[id]
	snap := completionSnapshot{lessonID: id, status: st, hadStatus: had, listIndex: -1}
	if s.current != nil && s.current.ID == id {
		snap.currentCompleted = s.current.Completed
		snap.currentCompletedAt = s.current.CompletedAt
	}
	if c, ok := s.cachedCourseLocked(code); ok {
		for i := range c.lessons {
			if c.lessons[i].ID == id {
				snap.listIndex = i
				snap.listCompleted = c.lessons[i].Completed
				snap.listCompletedAt = c.lessons[i].CompletedAt
				break
			}
		}
	}
	return snap
}

func (s *Store) markCompletedLocked(code string, id int64, at *time.Time) {
	s.status[id] = StatusCompletionPending
	if s.current != nil && s.current.ID == id {
		s.current.Completed = true
		s.current.CompletedAt = at
	}
	if c, ok := s.cachedCourseLocked(code); ok {
		for i := range c.lessons {
			if c.lessons[i].ID == id {
				c.lessons[i].Completed = true
				c.lessons[i].CompletedAt = at
			}
		}
	}
}

func (s *Store) restoreCompletionLocked(code string, snap completionSnapshot) {
	if snap.hadStatus {
		s.status[snap.lessonID] = snap.status
	} else {
		delete(s.status, snap.lessonID)
	}
	if s.current != nil && s.current.ID == snap.lessonID {
		s.current.Completed = snap.currentCompleted
		s.current.CompletedAt = snap.currentCompletedAt
	}
	if c, ok := s.cachedCourseLocked(code); ok && snap.listIndex >= 0 && snap.listIndex < len(c.lessons) && c.lessons[snap.listIndex].ID == snap.lessonID {
		c.lessons[snap.listIndex].Completed = snap.listCompleted
		c.lessons[snap.listIndex].CompletedAt = snap.listCompletedAt
	}
}

// writeGuestMarkers records a guest completion under the guest_ keys purged at session end.
func (s *Store) writeGuestMarkers(ctx context.Context, code string, lessonID, at int64) {
	if s.storage == nil {
		return
	}
	key := guest.CompletedLessonsPrefix + code
	var ids []int64
	if _, err := storage.GetJSON(ctx, s.storage, key, &ids); err != nil {
		s.logger.Warn("read guest completions failed", zap.String("course_code", code), zap.Error(err))
	}
	found := false
	for _, v := range ids {
		if v == lessonID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, lessonID)
	}
	expiresAt := s.clock.Now().Add(time.Duration(s.guest.RemainingTime()) * time.Second).UnixMilli()
	for k, v := range map[string]interface{}{
		key:                      ids,
		key + guest.ExpirySuffix: expiresAt,
		guest.JustCompletedKey:   JustCompleted{CourseCode: code, LessonID: lessonID, CompletedAt: at},
	} {
		if err := storage.SetJSON(ctx, s.storage, k, v); err != nil {
			s.logger.Warn("write guest completion marker failed", zap.String("key", k), zap.Error(err))
		}
	}
}

// Refresh reloads the current course's lessons. Calls within the minimum interval of the
// last refresh are served from cache unless force is set; a call while one is in flight
// is rejected.
func (s *Store) Refresh(ctx context.Context, force bool) RefreshResult {
	const op = "lessons.Refresh"
	s.mu.Lock()
	code := s.courseCode
	if code == "" {
		s.mu.Unlock()
		return RefreshResult{Err: apperror.New(apperror.KindPrecondition, op, "No current course")}
	}
	if s.refreshing {
		s.mu.Unlock()
		s.metrics.Refresh("in_flight")
		return RefreshResult{Cached: true, Err: apperror.New(apperror.KindConcurrent, op, "Refresh in progress")}
	}
	if !force && !s.lastRefresh.IsZero() && s.clock.Now().Sub(s.lastRefresh) < s.cfg.RefreshMinInterval {
		var lessons []api.Lesson
		if c, ok := s.cachedCourseLocked(code); ok {
			lessons = cloneLessons(c.lessons)
		}
		s.mu.Unlock()
		s.metrics.Refresh("cached")
		return RefreshResult{Success: true, Cached: true, Lessons: lessons}
	}
	s.refreshing = true
	s.mu.Unlock()

	lessons, err := s.api.CourseLessons(ctx, code)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshing = false
	if err != nil {
		s.metrics.Refresh("error")
		return RefreshResult{Err: apperror.Wrap(apperror.KindUnknown, op, err)}
	}
	s.storeCourseLocked(code, lessons)
	s.lastRefresh = s.clock.Now()
	s.metrics.Refresh("fetched")
	return RefreshResult{Success: true, Lessons: cloneLessons(lessons)}
}

// Enroll enrolls in a course. A new enrollment announces the course and a zero progress record.
func (s *Store) Enroll(ctx context.Context, courseCode string) EnrollResult {
	const op = "lessons.Enroll"
	if courseCode == "" {
		return EnrollResult{Err: apperror.New(apperror.KindPrecondition, op, "course code is required")}
	}
	resp, err := s.api.Enroll(ctx, courseCode)
	if err != nil {
		return EnrollResult{Err: apperror.Wrap(apperror.KindUnknown, op, err)}
	}
	if resp.AlreadyEnrolled {
		return EnrollResult{Success: true, AlreadyEnrolled: true}
	}
	s.emitter.Emit(eventbus.CourseChanged, eventbus.Payload{CourseCode: courseCode, Source: "enroll"})
	zero := 0
	if _, _, err := s.progress.Update(courseCode, progress.Delta{Progress: &zero, CompletedLessons: &zero, Source: "enroll"}); err != nil {
		s.logger.Warn("progress init after enroll failed", zap.String("course_code", courseCode), zap.Error(err))
	}
	s.logger.Info("enrolled", zap.String("course_code", courseCode))
	return EnrollResult{Success: true}
}

// ReportVideoProgress reports video progress of the current lesson. Calls within the
// throttle window of the last report are dropped and return false.
func (s *Store) ReportVideoProgress(ctx context.Context, percent int) (bool, error) {
	const op = "lessons.ReportVideoProgress"
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return false, apperror.New(apperror.KindPrecondition, op, "No current lesson")
	}
	id := s.current.ID
	s.mu.Unlock()

	if !s.video.Allow(strconv.FormatInt(id, 10)) {
		return false, nil
	}
	percent = min(max(percent, 0), 100)
	if err := s.api.ReportVideoProgress(ctx, id, percent); err != nil {
		return true, apperror.Wrap(apperror.KindUnknown, op, err)
	}
	return true, nil
}

// Reset forgets every course, lesson and exercise state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.courseCode = ""
	s.current = nil
	s.exercises = make(map[api.QuestionID]*ExerciseState)
	s.status = make(map[int64]Status)
	s.attempted = make(map[int64]bool)
	s.lastRefresh = time.Time{}
	s.resetGen++
	s.mu.Unlock()
	s.courses.Purge()
	s.video.Reset()
}

func (s *Store) exerciseLocked(qid api.QuestionID) *ExerciseState {
	ex, ok := s.exercises[qid]
	if !ok {
		ex = &ExerciseState{QuestionID: qid}
		s.exercises[qid] = ex
	}
	return ex
}

func (s *Store) cachedCourseLocked(code string) (*course, bool) {
	v, ok := s.courses.Peek(code)
	if !ok {
		return nil, false
	}
	return v.(*course), true
}

func (s *Store) storeCourseLocked(code string, lessons []api.Lesson) {
	s.courses.Add(code, &course{lessons: cloneLessons(lessons), loadedAt: s.clock.Now()})
	for _, l := range lessons {
		if l.Completed {
			s.status[l.ID] = StatusCompleted
		}
	}
}

func findExercise(l *api.Lesson, qid api.QuestionID) (api.Exercise, bool) {
	for _, e := range l.Exercises {
		if e.ID == qid {
			return e, true
		}
	}
	return api.Exercise{}, false
}

func countCompleted(lessons []api.Lesson) (completed, total int) {
	for _, l := range lessons {
		if l.Completed {
			completed++
		}
	}
	return completed, len(lessons)
}

func cloneLessons(in []api.Lesson) []api.Lesson {
	if in == nil {
		return nil
	}
	return append([]api.Lesson(nil), in...)
}
