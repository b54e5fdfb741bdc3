package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

type task struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
}

// scheduler ticks each registered task on its own interval. A panicking
// task body is logged and the schedule keeps ticking.
type scheduler struct {
	clk   clock.Clock
	log   *slog.Logger
	tasks []task

	stopc    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newScheduler(clk clock.Clock, log *slog.Logger) *scheduler {
	return &scheduler{
		clk:   clk,
		log:   log,
		stopc: make(chan struct{}),
	}
}

// add registers a task. Must be called before start.
func (s *scheduler) add(name string, interval time.Duration, fn func(context.Context)) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

func (s *scheduler) start() {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(t)
	}
	s.log.Info("Scheduler started", slog.Int("tasks", len(s.tasks)))
}

func (s *scheduler) loop(t task) {
	defer s.wg.Done()
	ticker := s.clk.Ticker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopc:
			return
		case <-ticker.C:
			s.runTask(t)
		}
	}
}

func (s *scheduler) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Scheduled task panicked",
				slog.String("task", t.name), slog.Any("panic", r))
		}
	}()
	t.fn(context.Background())
}

func (s *scheduler) stop() {
	s.stopOnce.Do(func() { close(s.stopc) })
	s.wg.Wait()
}
