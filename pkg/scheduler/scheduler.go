package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

var ErrStopped = errors.New("scheduler stopped")

// Task is a named unit of periodic work. Run receives a context that is
// cancelled when the scheduler stops; it must return promptly afterwards.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

type entry struct {
	task    Task
	running atomic.Bool
	runs    atomic.Int64
}

// Scheduler drives every periodic task from one clock. A task never overlaps
// with itself: a tick that arrives while the previous run is still going is
// skipped. Distinct tasks run independently of each other.
type Scheduler struct {
	clk   clock.Clock
	scope tally.Scope

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*entry
	loops   sync.WaitGroup
	stopped bool
}

func New(clk clock.Clock, scope tally.Scope) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clk:    clk,
		scope:  scope.SubScope("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*entry),
	}
}

// Every registers a periodic task and starts ticking it immediately. The
// first run happens one interval from now.
func (s *Scheduler) Every(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("invalid task %q", task.Name)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %v", task.Name, task.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, dup := s.tasks[task.Name]; dup {
		return fmt.Errorf("task %s already registered", task.Name)
	}
	e := &entry{task: task}
	s.tasks[task.Name] = e

	ticker := s.clk.Ticker(task.Interval)
	s.loops.Add(1)
	go s.loop(e, ticker)
	return nil
}

// Once runs fn a single time in the background under the scheduler context,
// e.g. a startup sweep.
func (s *Scheduler) Once(name string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	e := &entry{task: Task{Name: name, Run: fn}}
	s.launch(e)
	return nil
}

func (s *Scheduler) loop(e *entry, ticker *clock.Ticker) {
	defer s.loops.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.launch(e)
		}
	}
}

// launch starts one run of e unless the previous one is still in progress.
func (s *Scheduler) launch(e *entry) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if !e.running.CompareAndSwap(false, true) {
		s.scope.Tagged(map[string]string{"task": e.task.Name}).Counter("skipped").Inc(1)
		logger.Sugar.Debugf("[Scheduler] previous run still in progress, skipping: task=%s", e.task.Name)
		return false
	}

	go func() {
		defer e.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				logger.Sugar.Errorf("[Scheduler] task panic: task=%s panic=%v\n%s", e.task.Name, r, debug.Stack())
			}
		}()

		tagged := s.scope.Tagged(map[string]string{"task": e.task.Name})
		sw := tagged.Timer("duration").Start()
		e.task.Run(s.ctx)
		sw.Stop()
		tagged.Counter("runs").Inc(1)
		e.runs.Add(1)
	}()
	return true
}

// Trigger runs the named task now, outside its period. It returns false when
// the task is unknown, already running, or the scheduler is stopped.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	e, ok := s.tasks[name]
	stopped := s.stopped
	s.mu.Unlock()
	if !ok || stopped {
		return false
	}
	return s.launch(e)
}

// Runs returns how many times the named task completed.
func (s *Scheduler) Runs(name string) int64 {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return e.runs.Load()
}

// Running reports whether the named task is executing right now.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	return ok && e.running.Load()
}

// Stop stops every ticker and cancels the context handed to running tasks.
// In-flight runs are abandoned, not awaited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.loops.Wait()
	logger.Sugar.Debugf("[Scheduler] stopped")
}
