// Package progress keeps the per-course progress cache, persists it and announces changes.
package progress

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/storage"
)

const (
	StorageKey       = "progress-store"
	LegacyStorageKey = "global-progress-state"

	// refreshConcurrency bounds RefreshCourses fan-out.
	refreshConcurrency = 4
)

// ErrNoCourse is returned for an empty course code.
var ErrNoCourse = errors.New("progress: course code is required")

// Record is the progress of one course.
type Record struct {
	CourseCode       string    `json:"courseCode"`
	Progress         int       `json:"progress"`
	CompletedLessons int       `json:"completedLessons"`
	TotalLessons     int       `json:"totalLessons"`
	LastUpdated      time.Time `json:"lastUpdated"`
	Version          int64     `json:"version"`
}

// Delta is a partial update; nil fields keep their previous value.
type Delta struct {
	Progress         *int
	CompletedLessons *int
	TotalLessons     *int
	// Source tags the emitted event, e.g. "lesson", "refresh", "enroll".
	Source string
}

// Counts builds a Delta from lesson counts, leaving Progress to be derived.
func Counts(completed, total int) Delta {
	return Delta{CompletedLessons: &completed, TotalLessons: &total}
}

// Emitter publishes sync events.
type Emitter interface {
	Emit(t eventbus.Type, p eventbus.Payload) eventbus.Event
}

// Fetcher reads server-side progress figures.
type Fetcher interface {
	CourseProgress(ctx context.Context, courseCode string) (*api.CourseProgress, error)
}

// RefreshResult is the outcome of a server refresh.
type RefreshResult struct {
	Success bool
	Record  Record
	Changed bool
	Err     error
}

type snapshot struct {
	CourseProgress map[string]Record `json:"courseProgress"`
	Version        int64             `json:"version"`
	LastPersisted  int64             `json:"lastPersisted"`
}

// Tracker owns every progress Record.
type Tracker struct {
	store   storage.Store
	emitter Emitter
	fetcher Fetcher
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	records map[string]Record
	version int64
}

// NewTracker creates an empty tracker. fetcher may be nil when refresh is not used.
func NewTracker(store storage.Store, emitter Emitter, fetcher Fetcher, c clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   store,
		emitter: emitter,
		fetcher: fetcher,
		clock:   clock.OrReal(c),
		metrics: m,
		logger:  logger,
		records: make(map[string]Record),
	}
}

// Init loads the persisted cache, falling back to the legacy key.
func (t *Tracker) Init(ctx context.Context) error {
	var snap snapshot
	ok, err := storage.GetJSON(ctx, t.store, StorageKey, &snap)
	if err != nil {
		return err
	}
	if !ok {
		var legacy map[string]Record
		found, err := storage.GetJSON(ctx, t.store, LegacyStorageKey, &legacy)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		snap.CourseProgress = legacy
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for code, r := range snap.CourseProgress {
		r.CourseCode = code
		if r.Version > snap.Version {
			snap.Version = r.Version
		}
		t.records[code] = r
	}
	t.version = snap.Version
	t.logger.Info("progress cache restored", zap.Int("courses", len(t.records)), zap.Int64("version", t.version))
	return nil
}

// Update merges d into the course's record, persists and emits progress-updated.
// It reports false when nothing changed, in which case nothing is persisted or emitted.
func (t *Tracker) Update(courseCode string, d Delta) (Record, bool, error) {
	if courseCode == "" {
		return Record{}, false, ErrNoCourse
	}

	t.mu.Lock()
	prev, existed := t.records[courseCode]
	next := merge(prev, d)
	next.CourseCode = courseCode
	if existed && sameFigures(prev, next) {
		t.mu.Unlock()
		return prev, false, nil
	}
	t.version++
	next.Version = t.version
	next.LastUpdated = t.clock.Now()
	t.records[courseCode] = next
	err := t.persistLocked()
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("persist progress failed", zap.String("course_code", courseCode), zap.Error(err))
	}
	if t.emitter != nil {
		t.emitter.Emit(eventbus.ProgressUpdated, eventbus.Payload{
			CourseCode:       courseCode,
			Progress:         next.Progress,
			CompletedLessons: next.CompletedLessons,
			TotalLessons:     next.TotalLessons,
			Version:          next.Version,
			Source:           d.Source,
		})
	}
	return next, true, nil
}

// merge applies d over prev. Progress is derived from the counts unless d supplies it.
func merge(prev Record, d Delta) Record {
	next := prev
	if d.CompletedLessons != nil {
		next.CompletedLessons = max(*d.CompletedLessons, 0)
	}
	if d.TotalLessons != nil {
		next.TotalLessons = max(*d.TotalLessons, 0)
	}
	if next.CompletedLessons > next.TotalLessons {
		next.CompletedLessons = next.TotalLessons
	}
	switch {
	case d.Progress != nil:
		next.Progress = min(max(*d.Progress, 0), 100)
	case d.CompletedLessons != nil || d.TotalLessons != nil:
		next.Progress = Percent(next.CompletedLessons, next.TotalLessons)
	}
	return next
}

func sameFigures(a, b Record) bool {
	return a.Progress == b.Progress && a.CompletedLessons == b.CompletedLessons && a.TotalLessons == b.TotalLessons
}

// Percent returns round(completed/total*100), or 0 for an empty course.
func Percent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// Get returns the record for a course.
func (t *Tracker) Get(courseCode string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[courseCode]
	return r, ok
}

// All returns every record sorted by course code.
func (t *Tracker) All() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CourseCode < out[j].CourseCode })
	return out
}

// Version returns the store-wide version counter.
func (t *Tracker) Version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Reset drops every record and the persisted cache. The version counter keeps increasing.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	t.records = make(map[string]Record)
	t.mu.Unlock()
	return t.store.Delete(ctx, StorageKey, LegacyStorageKey)
}

// RefreshCourse pulls the server's figures for a course and trusts them.
func (t *Tracker) RefreshCourse(ctx context.Context, courseCode string) RefreshResult {
	const op = "progress.RefreshCourse"
	if courseCode == "" {
		return RefreshResult{Err: apperror.New(apperror.KindPrecondition, op, "course code is required")}
	}
	if t.fetcher == nil {
		return RefreshResult{Err: apperror.New(apperror.KindPrecondition, op, "no progress source configured")}
	}
	cp, err := t.fetcher.CourseProgress(ctx, courseCode)
	if err != nil {
		t.metrics.Refresh("error")
		t.logger.Warn("progress refresh failed", zap.String("course_code", courseCode), zap.Error(err))
		return RefreshResult{Err: apperror.Wrap(apperror.KindUnknown, op, err)}
	}
	d := Counts(cp.CompletedLessons, cp.TotalLessons)
	d.Progress = cp.Progress
	d.Source = "refresh"
	rec, changed, err := t.Update(courseCode, d)
	if err != nil {
		return RefreshResult{Err: apperror.Wrap(apperror.KindUnknown, op, err)}
	}
	if changed {
		t.metrics.Refresh("changed")
	} else {
		t.metrics.Refresh("unchanged")
	}
	return RefreshResult{Success: true, Record: rec, Changed: changed}
}

// RefreshCourses refreshes several courses concurrently. Results are keyed by course code.
func (t *Tracker) RefreshCourses(ctx context.Context, codes []string) map[string]RefreshResult {
	results := make(map[string]RefreshResult, len(codes))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, code := range codes {
		code := code
		g.Go(func() error {
			res := t.RefreshCourse(gctx, code)
			mu.Lock()
			results[code] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (t *Tracker) persistLocked() error {
	snap := snapshot{
		CourseProgress: make(map[string]Record, len(t.records)),
		Version:        t.version,
		LastPersisted:  t.clock.Now().UnixMilli(),
	}
	for k, v := range t.records {
		snap.CourseProgress[k] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), storage.OpTimeout)
	defer cancel()
	return storage.SetJSON(ctx, t.store, StorageKey, snap)
}
