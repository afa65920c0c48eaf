// Package pipeline schedules generation jobs onto a fixed set of workers
// while keeping at most one job per (account, repository) in flight.
//
// Each (account, repo) pair owns a lane. A lane holds the running job, if
// any, and at most one pending job. Submitting to a lane that already has a
// pending job replaces it: only the newest commit needs a README, so the
// older push is dropped before it ever starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Submit once Stop has begun.
var ErrStopped = errors.New("pipeline: scheduler stopped")

// Job is one requested regeneration.
type Job struct {
	AccountID    string
	RepoFullName string
	CommitSHA    string
	Branch       string
	AttemptID    string
	ReceivedAt   time.Time
}

func (j Job) laneKey() string {
	return j.AccountID + "|" + j.RepoFullName
}

// Handler runs one job to completion. ctx is cancelled only when Stop gives
// up waiting.
type Handler func(ctx context.Context, job Job)

type lane struct {
	running bool
	queued  bool // key is in Scheduler.ready
	pending *Job
}

// Scheduler implements service.Dispatcher.
type Scheduler struct {
	handler Handler
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	lanes   map[string]*lane
	ready   []string
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(handler Handler, workers int, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		handler: handler,
		workers: workers,
		logger:  logger,
		lanes:   make(map[string]*lane),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the workers. Safe to call twice.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting generation workers", slog.Int("workers", s.workers))
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.worker(i)
		}
	})
}

// Submit queues job without blocking. If the lane already has a pending job
// it is replaced by this one.
func (s *Scheduler) Submit(job Job) error {
	if job.AccountID == "" || job.RepoFullName == "" {
		return fmt.Errorf("pipeline: job needs an account and a repository")
	}
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	key := job.laneKey()
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{}
		s.lanes[key] = l
	}

	if old := l.pending; old != nil {
		s.logger.Info("superseded pending generation",
			slog.String("repo", job.RepoFullName),
			slog.String("dropped_sha", old.CommitSHA),
			slog.String("dropped_attempt", old.AttemptID),
			slog.String("sha", job.CommitSHA),
		)
	}
	l.pending = &job

	if !l.running && !l.queued {
		l.queued = true
		s.ready = append(s.ready, key)
		s.cond.Signal()
	}
	return nil
}

// Stats reports how many lanes are running and how many jobs are waiting.
func (s *Scheduler) Stats() (running, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lanes {
		if l.running {
			running++
		}
		if l.pending != nil {
			pending++
		}
	}
	return running, pending
}

// Stop refuses new jobs and waits for queued and running ones to finish. If
// ctx ends first the job context is cancelled, the workers are still
// awaited, and ctx.Err() is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping generation workers")

		s.mu.Lock()
		s.stopped = true
		s.cond.Broadcast()
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			s.cancel()
			<-done
		}
		s.cancel()
	})
	return err
}

func (s *Scheduler) worker(n int) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.ready) == 0 {
			// Stopped and drained.
			s.mu.Unlock()
			return
		}

		key := s.ready[0]
		s.ready = s.ready[1:]
		l := s.lanes[key]
		job := *l.pending
		l.pending = nil
		l.queued = false
		l.running = true
		s.mu.Unlock()

		s.run(n, job)

		s.mu.Lock()
		l.running = false
		if l.pending != nil {
			l.queued = true
			s.ready = append(s.ready, key)
			s.cond.Signal()
		} else {
			delete(s.lanes, key)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(worker int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("generation handler panicked",
				slog.Int("worker", worker),
				slog.String("attempt", job.AttemptID),
				slog.Any("panic", r),
			)
		}
	}()
	s.handler(s.ctx, job)
}
