// Package scheduler runs the server's periodic housekeeping: consistency
// sweeps, stats logging and one-shot delayed jobs.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is the function signature for scheduled tasks.
type TaskFn func()

// Kind tells periodic tasks from one-shot ones.
type Kind string

const (
	KindTicker Kind = "ticker"
	KindDelay  Kind = "delay"
)

// TaskInfo describes a registered task for the admin API.
type TaskInfo struct {
	Name     string        `json:"name"`
	Kind     Kind          `json:"kind"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Panics   int64         `json:"panics"`
	LastRun  time.Time     `json:"last_run"`
}

type task struct {
	info  TaskInfo
	stop  chan struct{} // tickers only
	timer *time.Timer   // delays only
}

// Scheduler manages periodic and delayed tasks.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	logger *zap.Logger
	stopCh chan struct{}
	once   sync.Once
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*task),
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// AddTicker registers a task to run on a fixed interval.
// A task with the same name, ticker or delay, is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)

	t := &task{
		info: TaskInfo{Name: name, Kind: KindTicker, Interval: interval},
		stop: make(chan struct{}),
	}
	s.tasks[name] = t

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(t, fn)
			case <-t.stop:
				return
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// AddDelay runs fn once after the given delay. The task leaves the table once
// it has run.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)

	t := &task{info: TaskInfo{Name: name, Kind: KindDelay, Interval: delay}}
	t.timer = time.AfterFunc(delay, func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.run(t, fn)
		s.mu.Lock()
		if s.tasks[name] == t {
			delete(s.tasks, name)
		}
		s.mu.Unlock()
	})
	s.tasks[name] = t
}

// run executes one firing of t, recording the outcome.
func (s *Scheduler) run(t *task, fn TaskFn) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			t.info.Panics++
			s.mu.Unlock()
			s.logger.Error("scheduler task panicked",
				zap.String("task", t.info.Name),
				zap.Any("recover", r))
		}
	}()
	s.mu.Lock()
	t.info.Runs++
	t.info.LastRun = time.Now()
	s.mu.Unlock()
	fn()
}

// Remove stops and removes a task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
}

func (s *Scheduler) removeLocked(name string) {
	t, ok := s.tasks[name]
	if !ok {
		return
	}
	if t.stop != nil {
		close(t.stop)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(s.tasks, name)
}

// Stop stops all tasks. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		for _, t := range s.tasks {
			if t.timer != nil {
				t.timer.Stop()
			}
		}
		s.mu.Unlock()
	})
}

// Tasks returns every registered task ordered by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListTickers returns the names of the periodic tasks, sorted.
func (s *Scheduler) ListTickers() []string {
	var names []string
	for _, info := range s.Tasks() {
		if info.Kind == KindTicker {
			names = append(names, info.Name)
		}
	}
	return names
}
