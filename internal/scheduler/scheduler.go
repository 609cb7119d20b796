package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/models"
)

// Dispatcher executes a named operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, opCtx models.OpContext) (models.TaskResult, error)
}

// Entry describes one scheduled operation.
type Entry struct {
	Operation string    `json:"operation"`
	Schedule  string    `json:"schedule"`
	Contexts  int       `json:"contexts"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitempty"`
	InFlight  bool      `json:"in_flight"`
}

type job struct {
	name     string
	contexts []models.OpContext
}

type entry struct {
	id       cron.EntryID
	spec     string
	contexts int
}

// Scheduler runs operations on cron schedules through a bounded worker pool.
// At most one dispatch per operation name is in flight at any time; a tick that
// finds its operation busy is dropped rather than queued.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	logger     *slog.Logger
	workers    int
	jobs       chan job

	mu      sync.Mutex
	entries map[string]entry

	flightMu sync.Mutex
	inflight map[string]struct{}

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler with the given pool size and queue depth.
func New(dispatcher Dispatcher, workers, queueSize int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	return &Scheduler{
		cron:       cron.New(),
		dispatcher: dispatcher,
		logger:     logger,
		workers:    workers,
		jobs:       make(chan job, queueSize),
		entries:    make(map[string]entry),
		inflight:   make(map[string]struct{}),
	}
}

// Schedule registers a recurring dispatch of name. spec is a five-field cron
// expression or a descriptor such as "@every 5m". Each tick dispatches once per
// context, in order; with no contexts it dispatches once with an empty context.
// Scheduling an already scheduled name replaces its entry.
func (s *Scheduler) Schedule(name, spec string, contexts ...models.OpContext) error {
	ctxs := make([]models.OpContext, 0, len(contexts))
	for _, c := range contexts {
		ctxs = append(ctxs, c.Clone())
	}
	if len(ctxs) == 0 {
		ctxs = append(ctxs, models.OpContext{})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.tick(name, ctxs) })
	if err != nil {
		return fmt.Errorf("schedule %s: invalid spec %q: %w", name, spec, err)
	}
	if prev, ok := s.entries[name]; ok {
		s.cron.Remove(prev.id)
	}
	s.entries[name] = entry{id: id, spec: spec, contexts: len(ctxs)}
	s.logger.Info("scheduled operation", slog.String("operation", name), slog.String("schedule", spec), slog.Int("contexts", len(ctxs)))
	return nil
}

// Unschedule removes name's recurring dispatch.
func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, name)
	}
}

// Entries lists scheduled operations with their next run time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{
			Operation: name,
			Schedule:  e.spec,
			Contexts:  e.contexts,
			Next:      ce.Next,
			Prev:      ce.Prev,
			InFlight:  s.InFlight(name),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Start launches the worker pool and the cron clock.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("workers", s.workers))
}

// Stop halts the cron clock, cancels running dispatches and waits for workers.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger runs name immediately in the caller's goroutine under the same
// in-flight guard as scheduled ticks.
func (s *Scheduler) Trigger(ctx context.Context, name string, opCtx models.OpContext) (models.TaskResult, error) {
	if !s.acquire(name) {
		return models.TaskResult{}, fmt.Errorf("%s: %w", name, models.ErrInFlight)
	}
	defer s.release(name)
	return s.dispatcher.Dispatch(ctx, name, opCtx)
}

// InFlight reports whether name is queued or running.
func (s *Scheduler) InFlight(name string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	_, ok := s.inflight[name]
	return ok
}

func (s *Scheduler) acquire(name string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if _, busy := s.inflight[name]; busy {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.flightMu.Lock()
	delete(s.inflight, name)
	s.flightMu.Unlock()
}

func (s *Scheduler) tick(name string, contexts []models.OpContext) {
	if !s.acquire(name) {
		metrics.ObserveSkippedTick(name, "in_flight")
		s.logger.Warn("skipping tick, previous run still in flight", slog.String("operation", name))
		return
	}
	select {
	case s.jobs <- job{name: name, contexts: contexts}:
	default:
		s.release(name)
		metrics.ObserveSkippedTick(name, "queue_full")
		s.logger.Warn("skipping tick, worker queue full", slog.String("operation", name))
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			s.drain()
			return
		case j := <-s.jobs:
			s.run(s.runCtx, j)
		}
	}
}

// drain releases the flags of jobs that will never run.
func (s *Scheduler) drain() {
	for {
		select {
		case j := <-s.jobs:
			s.release(j.name)
		default:
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j job) {
	defer s.release(j.name)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled dispatch panicked", slog.String("operation", j.name), slog.Any("panic", r))
		}
	}()

	for _, opCtx := range j.contexts {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.dispatcher.Dispatch(ctx, j.name, opCtx); err != nil {
			s.logger.Warn("scheduled dispatch failed",
				slog.String("operation", j.name),
				slog.String("context", opCtx.Key()),
				slog.Any("error", err),
			)
		}
	}
}
