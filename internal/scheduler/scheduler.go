// Package scheduler owns the engine's timers. Every job runs on its own
// goroutine and is stopped through its Handle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"bot-fleet-engine/internal/logging"
)

// Job is one scheduled unit of work. ctx is cancelled when the handle is.
type Job func(ctx context.Context)

// Handle controls one scheduled job
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	owner  *Scheduler
}

// Name returns the job name
func (h *Handle) Name() string {
	return h.name
}

// Cancel stops the job. It is safe to call more than once and does not wait
// for a running invocation to finish.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.cancel()
		if h.owner != nil {
			h.owner.forget(h)
		}
	})
}

// Done is closed once the job goroutine has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Scheduler runs named periodic jobs. Scheduling a name that is already
// active replaces the previous job.
type Scheduler struct {
	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	handles map[string]*Handle
	wg      sync.WaitGroup
	logger  *logging.Logger
}

// New creates a scheduler
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:     ctx,
		stop:    cancel,
		handles: make(map[string]*Handle),
		logger:  logging.WithComponent("scheduler"),
	}
}

// Every runs fn after offset and then every interval until cancelled.
// Invocations of the same job never overlap; ticks that arrive while fn is
// still running are dropped.
func (s *Scheduler) Every(name string, interval, offset time.Duration, fn Job) *Handle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{}), owner: s}

	s.mu.Lock()
	old := s.handles[name]
	s.handles[name] = h
	s.mu.Unlock()
	if old != nil {
		old.Cancel()
	}

	s.wg.Add(1)
	go s.run(ctx, h, interval, offset, fn)
	return h
}

// After runs fn once after delay unless cancelled first
func (s *Scheduler) After(name string, delay time.Duration, fn Job) *Handle {
	return s.Every(name, 0, delay, fn)
}

func (s *Scheduler) run(ctx context.Context, h *Handle, interval, offset time.Duration, fn Job) {
	defer s.wg.Done()
	defer close(h.done)

	timer := time.NewTimer(offset)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.invoke(ctx, h, fn)
	if interval <= 0 {
		h.Cancel()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, h, fn)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, h *Handle, fn Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled job panicked", "job", h.name, "panic", r)
		}
	}()
	fn(ctx)
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[h.name]; ok && cur == h {
		delete(s.handles, h.name)
	}
}

// Cancel stops the named job if it is active
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	h, ok := s.handles[name]
	s.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// Active reports whether a job with name is scheduled
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[name]
	return ok
}

// Len returns the number of active jobs
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Stop cancels every job and waits for their goroutines to exit
func (s *Scheduler) Stop() {
	s.stop()
	s.mu.Lock()
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()
	s.wg.Wait()
}
