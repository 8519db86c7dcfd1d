package pollchat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task names owned by the engine.
const (
	TaskSidebarPresence      = "sidebar.presence"
	TaskSidebarUnread        = "sidebar.unread"
	TaskConversationMessages = "conversation.messages"
	TaskConversationPresence = "conversation.presence"
)

// TaskFunc is one run of a periodic task. ctx is cancelled when the task is
// stopped.
type TaskFunc func(ctx context.Context)

// Scheduler owns named periodic tasks. Tasks are not coordinated with each
// other: every tick runs in its own goroutine, so a slow run may overlap the
// next one. Consumers sequence the results themselves.
type Scheduler struct {
	logger zerolog.Logger

	mu     sync.Mutex
	tasks  map[string]*scheduledTask
	closed bool
	wg     sync.WaitGroup
}

type scheduledTask struct {
	name     string
	interval time.Duration
	cancel   context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*scheduledTask),
	}
}

// Every starts fn under name, running it each interval. A task already
// running under the same name is replaced. The first run happens one
// interval after the call.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn().Str("task", name).Msg("scheduler closed, task not started")
		return
	}
	if old, ok := s.tasks[name]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &scheduledTask{name: name, interval: interval, cancel: cancel}
	s.tasks[name] = t

	s.wg.Add(1)
	go s.loop(ctx, t, fn)

	s.logger.Debug().Str("task", name).Dur("interval", interval).Msg("task started")
}

func (s *Scheduler) loop(ctx context.Context, t *scheduledTask, fn TaskFunc) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				fn(ctx)
			}()
		}
	}
}

// Stop cancels the named task. It does not wait for runs in flight; their
// contexts are cancelled and their results must be ignored by the caller.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, name)
	s.logger.Debug().Str("task", name).Msg("task stopped")
	return true
}

// StopAll cancels every task.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		t.cancel()
		delete(s.tasks, name)
	}
}

// Running reports whether a task is registered under name.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Names returns the registered task names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

// Close stops every task and waits for tick loops and in-flight runs to
// return. Every is a no-op afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for name, t := range s.tasks {
		t.cancel()
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// pollTask adapts a fallible fetch to a TaskFunc. Failures are logged and
// counted; the next tick retries. Failures after the task was stopped are
// dropped silently.
func pollTask(o options, name string, fetch func(ctx context.Context) error) TaskFunc {
	return func(ctx context.Context) {
		err := fetch(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		o.metrics.pollFailure(name)
		o.logger.Warn().Err(err).Str("task", name).Msg("poll failed")
	}
}
