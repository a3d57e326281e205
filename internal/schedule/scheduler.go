// Package schedule implements the coalescing, parallelism-bounded job
// runner: periodic and ad-hoc backend refreshes plus the notification
// sweep, all drawn from one logical work queue.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/populate"
)

// notifyKey is the coalescing key for the notification sweep — it never
// competes with a backend name since config validation rejects this string
// as a backend name.
const notifyKey = "__notify__"

// Kind is the job kind that a queue entry runs.
type Kind string

const (
	KindRefresh Kind = "refresh"
	KindNotify  Kind = "notify"
)

// State is where a key currently sits in the idle/queued/running cycle.
type State string

const (
	StateIdle    State = "idle"
	StateQueued  State = "queued"
	StateRunning State = "running"
)

// JobStatus is a point-in-time snapshot of one coalescing key, returned by
// Status for the scheduler's HTTP surface.
type JobStatus struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Key         string
	Kind        Kind
	State       State
	LastError   string
}

// NotifyRunner runs one notification sweep. Implemented by notify.Dispatcher.
type NotifyRunner interface {
	Run(ctx context.Context) error
}

type workItem struct {
	key  string
	kind Kind
}

type jobRecord struct {
	state       State
	startedAt   time.Time
	completedAt time.Time
	err         error
	stats       catalog.PopulateStats
	done        chan struct{} // closed once the queued-or-running job for this key completes
}

// Scheduler owns the single job queue, a fixed worker pool, and the
// per-key coalescing table. Per spec: at most one job per key is ever
// queued-or-running, and at most W jobs run concurrently across all keys.
type Scheduler struct {
	populator   *populate.Populator
	notifier    NotifyRunner
	notifySpec  Spec
	log         *slog.Logger
	queue       chan workItem
	grace       time.Duration
	workers     int
	mu          sync.Mutex
	records     map[string]*jobRecord
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	timersMu    sync.Mutex
	timers      []*time.Timer
	onRefresh   func(catalog.PopulateStats)
}

// Option customizes a Scheduler at construction.
type Option func(*Scheduler)

// WithWorkers sets the parallelism bound W (default 4).
func WithWorkers(w int) Option {
	return func(s *Scheduler) { s.workers = w }
}

// WithGracePeriod bounds how long Shutdown waits for in-flight jobs.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithRefreshRecorder registers a callback invoked with the stats of every
// completed refresh, successful or not. Used to persist refresh history
// without the scheduler depending on a storage package directly.
func WithRefreshRecorder(fn func(catalog.PopulateStats)) Option {
	return func(s *Scheduler) { s.onRefresh = fn }
}

// New builds a Scheduler over the given populator and notifier. notifySpec
// governs when NotifyJob fires; pass nil to disable the notification sweep
// entirely.
func New(populator *populate.Populator, notifier NotifyRunner, notifySpec Spec, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	names := populator.Names()
	s := &Scheduler{
		populator:  populator,
		notifier:   notifier,
		notifySpec: notifySpec,
		log:        log,
		workers:    4,
		grace:      30 * time.Second,
		records:    make(map[string]*jobRecord, len(names)+1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan workItem, len(names)+2)
	return s
}

// Start launches the worker pool, emits one RefreshJob per configured
// backend immediately, and arms the notify sweep if configured. Start
// returns once workers are running; it does not block for completion.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	for _, name := range s.populator.Names() {
		s.enqueue(name, KindRefresh)
	}
	if s.notifySpec != nil {
		s.armNotify(time.Now())
	}
}

// TriggerAdHoc enqueues an AdHocRefreshJob for the given backend names, or
// every configured backend when names is empty. It coalesces exactly like
// a periodic RefreshJob for the same backend — a batch id is returned for
// logging purposes only; GET /v1/scheduler is the source of truth for
// completion.
func (s *Scheduler) TriggerAdHoc(names []string) string {
	if len(names) == 0 {
		names = s.populator.Names()
	}
	batchID := uuid.NewString()
	for _, name := range names {
		s.enqueue(name, KindRefresh)
	}
	return batchID
}

// enqueue applies the coalescing rule: if key is already queued-or-running,
// the new arrival is dropped silently.
func (s *Scheduler) enqueue(key string, kind Kind) bool {
	_, enqueued := s.enqueueOrJoin(key, kind)
	return enqueued
}

// enqueueOrJoin either enqueues a fresh job for key or, if one is already
// queued-or-running, returns the channel that closes when that existing job
// completes. The bool return reports which case happened.
func (s *Scheduler) enqueueOrJoin(key string, kind Kind) (done chan struct{}, enqueued bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		closed := make(chan struct{})
		close(closed)
		return closed, false
	}
	if rec, exists := s.records[key]; exists && (rec.state == StateQueued || rec.state == StateRunning) {
		done := rec.done
		s.mu.Unlock()
		return done, false
	}
	done = make(chan struct{})
	s.records[key] = &jobRecord{state: StateQueued, done: done}
	s.mu.Unlock()

	select {
	case s.queue <- workItem{key: key, kind: kind}:
		return done, true
	default:
		// Queue is sized for one entry per known key; a full queue here
		// means a bug in the coalescing accounting above, not real load.
		s.log.Error("scheduler queue unexpectedly full, dropping job", "key", key)
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
		close(done)
		return done, false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(ctx, item)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, item workItem) {
	s.mu.Lock()
	rec := s.records[item.key]
	rec.state = StateRunning
	rec.startedAt = time.Now()
	s.mu.Unlock()

	var runErr error
	var stats catalog.PopulateStats
	switch item.kind {
	case KindRefresh:
		stats, runErr = s.populator.Refresh(ctx, item.key)
		if s.onRefresh != nil {
			s.onRefresh(stats)
		}
	case KindNotify:
		runErr = s.notifier.Run(ctx)
	}

	completed := time.Now()

	s.mu.Lock()
	rec.state = StateIdle
	rec.completedAt = completed
	rec.err = runErr
	rec.stats = stats
	stopped := s.stopped
	s.mu.Unlock()
	close(rec.done)

	if stopped || ctx.Err() != nil {
		return
	}

	switch item.kind {
	case KindRefresh:
		spec, ok := s.populator.Spec(item.key)
		if !ok {
			return
		}
		s.scheduleAfter(spec.RefreshInterval, func() { s.enqueue(item.key, KindRefresh) })
	case KindNotify:
		if s.notifySpec != nil {
			s.armNotify(completed)
		}
	}
}

func (s *Scheduler) armNotify(from time.Time) {
	next := s.notifySpec.Next(from)
	s.scheduleAfter(time.Until(next), func() { s.enqueue(notifyKey, KindNotify) })
}

func (s *Scheduler) scheduleAfter(d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	t := time.AfterFunc(d, fn)
	s.timersMu.Lock()
	s.timers = append(s.timers, t)
	s.timersMu.Unlock()
}

// Workers returns the configured worker pool size.
func (s *Scheduler) Workers() int { return s.workers }

// Status returns a snapshot of every known key's current job state.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.records))
	for key, rec := range s.records {
		kind := KindRefresh
		if key == notifyKey {
			kind = KindNotify
		}
		js := JobStatus{
			Key:         key,
			Kind:        kind,
			State:       rec.state,
			StartedAt:   rec.startedAt,
			CompletedAt: rec.completedAt,
		}
		if rec.err != nil {
			js.LastError = rec.err.Error()
		}
		out = append(out, js)
	}
	return out
}

// Shutdown stops accepting new jobs, cancels every in-flight job's context,
// and waits up to the configured grace period for workers to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.timersMu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timersMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		s.log.Warn("scheduler shutdown grace period elapsed with workers still running")
	}
}
