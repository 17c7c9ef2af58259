// Package task runs fire-and-forget work on a bounded queue served by a
// fixed pool of workers, with cooperative cancellation on shutdown.
package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Work is a unit of background work. It should return promptly once ctx
// is cancelled.
type Work func(ctx context.Context) error

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Backpressure selects what Spawn does when the queue is full.
type Backpressure string

const (
	Reject Backpressure = "reject"
	Block  Backpressure = "block"
)

// Config sizes the manager.
type Config struct {
	Workers      int           `json:"workers"`
	QueueSize    int           `json:"queue_size"`
	Backpressure Backpressure  `json:"backpressure"`
	TaskTimeout  time.Duration `json:"-"`
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Active    int   `json:"active"`
	Running   int   `json:"running"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Rejected  int64 `json:"rejected"`
}

// Handle observes one spawned task.
type Handle struct {
	ID   string
	Name string

	done   chan struct{}
	status Status
	err    error
}

// Done is closed when the task finishes, fails or is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends, and returns the task
// error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is only meaningful after Done is closed.
func (h *Handle) Status() Status {
	select {
	case <-h.done:
		return h.status
	default:
		return ""
	}
}

type job struct {
	handle  *Handle
	work    Work
	started bool
}

// Manager owns the queue and the workers.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *job
	wg     sync.WaitGroup

	// gate orders Spawn against Shutdown: senders hold it shared.
	gate   sync.RWMutex
	closed bool

	mu        sync.Mutex
	live      map[string]*job
	entropy   *ulid.MonotonicEntropy
	completed int64
	failed    int64
	cancelled int64
	rejected  int64
}

// NewManager starts cfg.Workers workers.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Backpressure != Block {
		cfg.Backpressure = Reject
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *job, cfg.QueueSize),
		live:    make(map[string]*job),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	logger.Info("task manager started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.String("backpressure", string(cfg.Backpressure)))
	return m
}

// Spawn queues work under name. It returns false, with a warning logged,
// when the manager is shut down or the queue is full in Reject mode. In
// Block mode it waits for room until ctx ends or the manager shuts down.
func (m *Manager) Spawn(ctx context.Context, name string, work Work) (*Handle, bool) {
	m.gate.RLock()
	defer m.gate.RUnlock()

	if m.closed {
		m.logger.Warn("task spawned after shutdown", zap.String("name", name))
		return nil, false
	}

	m.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
	j := &job{
		handle: &Handle{ID: id, Name: name, done: make(chan struct{})},
		work:   work,
	}
	m.live[id] = j
	m.mu.Unlock()

	if m.cfg.Backpressure == Reject {
		select {
		case m.queue <- j:
			return j.handle, true
		default:
			m.reject(j, "queue full")
			return nil, false
		}
	}

	select {
	case m.queue <- j:
		return j.handle, true
	case <-ctx.Done():
		m.reject(j, "caller gave up waiting for queue room")
	case <-m.ctx.Done():
		m.reject(j, "shutting down")
	}
	return nil, false
}

func (m *Manager) reject(j *job, reason string) {
	m.mu.Lock()
	delete(m.live, j.handle.ID)
	m.rejected++
	m.mu.Unlock()
	m.logger.Warn("task rejected",
		zap.String("task", j.handle.ID),
		zap.String("name", j.handle.Name),
		zap.String("reason", reason))
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case j := <-m.queue:
			m.run(j)
		}
	}
}

func (m *Manager) run(j *job) {
	if err := m.ctx.Err(); err != nil {
		m.finish(j, StatusCancelled, err)
		return
	}

	m.mu.Lock()
	j.started = true
	m.mu.Unlock()

	ctx := m.ctx
	if m.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TaskTimeout)
		defer cancel()
	}

	err := call(ctx, j.work)
	switch {
	case err == nil:
		m.finish(j, StatusDone, nil)
	case errors.Is(err, context.Canceled) && m.ctx.Err() != nil:
		m.finish(j, StatusCancelled, err)
	default:
		m.finish(j, StatusFailed, err)
	}
}

func call(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return work(ctx)
}

func (m *Manager) finish(j *job, status Status, err error) {
	m.mu.Lock()
	delete(m.live, j.handle.ID)
	switch status {
	case StatusDone:
		m.completed++
	case StatusFailed:
		m.failed++
	case StatusCancelled:
		m.cancelled++
	}
	m.mu.Unlock()

	j.handle.status = status
	j.handle.err = err
	close(j.handle.done)

	switch status {
	case StatusFailed:
		m.logger.Error("background task failed",
			zap.String("task", j.handle.ID),
			zap.String("name", j.handle.Name),
			zap.Error(err))
	case StatusCancelled:
		m.logger.Debug("background task cancelled",
			zap.String("task", j.handle.ID),
			zap.String("name", j.handle.Name))
	}
}

// Active returns the number of queued and running tasks.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Active:    len(m.live),
		Queued:    len(m.queue),
		Completed: m.completed,
		Failed:    m.failed,
		Cancelled: m.cancelled,
		Rejected:  m.rejected,
	}
	for _, j := range m.live {
		if j.started {
			s.Running++
		}
	}
	return s
}

// Shutdown stops accepting work, cancels running tasks and drops queued
// ones, then waits up to timeout for workers to return. Tasks still running
// after that are abandoned: logged as a warning and forgotten. It returns
// how many were abandoned.
func (m *Manager) Shutdown(timeout time.Duration) int {
	m.cancel()

	m.gate.Lock()
	if m.closed {
		m.gate.Unlock()
		return 0
	}
	m.closed = true
	m.gate.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-time.After(timeout):
		timedOut = true
	}

drain:
	for {
		select {
		case j := <-m.queue:
			m.finish(j, StatusCancelled, context.Canceled)
		default:
			break drain
		}
	}

	m.mu.Lock()
	var abandoned []string
	for _, j := range m.live {
		abandoned = append(abandoned, j.handle.Name+"/"+j.handle.ID)
	}
	m.live = make(map[string]*job)
	m.mu.Unlock()

	if timedOut && len(abandoned) > 0 {
		m.logger.Warn("task manager shutdown timed out, abandoning tasks",
			zap.Duration("timeout", timeout),
			zap.Int("abandoned", len(abandoned)),
			zap.Strings("tasks", abandoned))
		return len(abandoned)
	}
	m.logger.Info("task manager stopped")
	return 0
}
