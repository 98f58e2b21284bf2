// Package autosave saves free-text answers in the background after the user stops typing.
package autosave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/retry"
	"github.com/yourdreams-academy/academy-sync/pkg/timing"
)

// Submitter sends one answer.
type Submitter interface {
	SubmitAnswer(ctx context.Context, lessonID int64, questionID api.QuestionID, answer string) (*api.ExerciseResult, error)
}

// Status is the save state of one answer.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusFailed  Status = "failed"
)

// Config tunes a Saver.
type Config struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Clock       clock.Clock
	// Sleep overrides the wait between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Saver debounces answers per question and submits the last one with bounded retry.
// Failures are logged and recorded in Status; they never reach the caller.
type Saver struct {
	submitter Submitter
	debouncer *timing.Debouncer
	policy    retry.Policy
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	status map[string]Status
	// gens counts edits per question; only the newest edit may save or set status.
	gens   map[string]uint64
	runs   map[string]context.CancelFunc
	closed bool
}

// New creates a Saver.
func New(sub Submitter, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	policy := retry.Linear(cfg.MaxAttempts, cfg.Backoff)
	policy.Sleep = cfg.Sleep
	ctx, cancel := context.WithCancel(context.Background())
	return &Saver{
		submitter: sub,
		debouncer: timing.NewDebouncer(cfg.Clock, cfg.Delay),
		policy:    policy,
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		status:    make(map[string]Status),
		gens:      make(map[string]uint64),
		runs:      make(map[string]context.CancelFunc),
	}
}

func key(lessonID int64, qid api.QuestionID) string {
	return fmt.Sprintf("%d/%s", lessonID, qid)
}

// Schedule queues answer for saving. A later Schedule for the same question replaces it,
// restarts the delay and cancels any save of the older answer still retrying.
func (s *Saver) Schedule(lessonID int64, qid api.QuestionID, answer string) {
	k := key(lessonID, qid)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gens[k]++
	gen := s.gens[k]
	s.cancelRunLocked(k)
	s.status[k] = StatusPending
	s.mu.Unlock()

	s.debouncer.Trigger(k, func() {
		s.mu.Lock()
		if s.closed || s.gens[k] != gen {
			s.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.runs[k] = cancel
		s.status[k] = StatusSaving
		s.wg.Add(1)
		s.mu.Unlock()
		go s.save(ctx, k, gen, lessonID, qid, answer)
	})
}

func (s *Saver) cancelRunLocked(k string) {
	if cancel, ok := s.runs[k]; ok {
		cancel()
		delete(s.runs, k)
	}
}

func (s *Saver) current(k string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[k] == gen
}

func (s *Saver) save(ctx context.Context, k string, gen uint64, lessonID int64, qid api.QuestionID, answer string) {
	defer s.wg.Done()
	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		if !s.current(k, gen) {
			return context.Canceled
		}
		_, err := s.submitter.SubmitAnswer(ctx, lessonID, qid, answer)
		if err != nil {
			s.metrics.AutosaveAttempt("error")
			s.logger.Debug("auto-save attempt failed",
				zap.Int64("lesson_id", lessonID),
				zap.String("question_id", string(qid)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		s.metrics.AutosaveAttempt("ok")
		return nil
	})

	s.mu.Lock()
	stale := s.gens[k] != gen
	if !stale {
		if cancel, ok := s.runs[k]; ok {
			cancel()
			delete(s.runs, k)
		}
		if err != nil {
			s.status[k] = StatusFailed
		} else {
			s.status[k] = StatusSaved
		}
	}
	s.mu.Unlock()

	switch {
	case stale:
		s.logger.Debug("auto-save superseded by a newer edit",
			zap.Int64("lesson_id", lessonID),
			zap.String("question_id", string(qid)),
		)
	case err != nil:
		s.logger.Warn("auto-save gave up",
			zap.Int64("lesson_id", lessonID),
			zap.String("question_id", string(qid)),
			zap.Int("attempts", s.policy.MaxAttempts),
			zap.Error(err),
		)
	}
}

// Status returns the save state of a question's answer.
func (s *Saver) Status(lessonID int64, qid api.QuestionID) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[key(lessonID, qid)]; ok {
		return st
	}
	return StatusIdle
}

// Reset cancels pending and retrying saves and forgets every status. An attempt already
// on the wire finishes but sets no status.
func (s *Saver) Reset() {
	s.mu.Lock()
	for k := range s.status {
		s.debouncer.Cancel(k)
	}
	for k := range s.gens {
		s.gens[k]++
		s.cancelRunLocked(k)
	}
	s.status = make(map[string]Status)
	s.mu.Unlock()
}

// Close drops pending saves, cancels in-flight retries and waits for them.
func (s *Saver) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.debouncer.Stop()
	s.cancel()
	s.wg.Wait()
}
