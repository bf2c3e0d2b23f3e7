// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package scheduler runs the periodic maintenance tasks of the proxy: the
// worker update check, bucket statistics and client pruning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusRunning  TaskStatus = "running"
	StatusComplete TaskStatus = "complete"
	StatusFailed   TaskStatus = "failed"
)

var ErrTaskNotFound = errors.New("task not found")

// Log is satisfied by *logger.Logger.
type Log interface {
	Info(msg string)
	Warn(msg string)
}

// Task is one scheduled job.
type Task struct {
	ID       string
	Name     string
	Schedule string
	// RunOnStart runs the task once as soon as the scheduler starts
	RunOnStart bool
	Timeout    time.Duration
	Handler    func(ctx context.Context) error

	cron *CronExpr

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	nextRun    time.Time
	lastStatus TaskStatus
	lastError  string
	runCount   int64
	failCount  int64
}

// TaskInfo is a point in time copy of a task's state.
type TaskInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRun   time.Time  `json:"last_run,omitzero"`
	NextRun   time.Time  `json:"next_run,omitzero"`
	Status    TaskStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`
	RunCount  int64      `json:"run_count"`
	FailCount int64      `json:"fail_count"`
}

type Scheduler struct {
	log  Log
	tick time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	tasks map[string]*Task

	wg sync.WaitGroup
}

func New(log Log) *Scheduler {
	return &Scheduler{
		log:   log,
		tick:  time.Second,
		now:   time.Now,
		tasks: make(map[string]*Task),
	}
}

func (s *Scheduler) AddTask(task *Task) error {
	if task.ID == "" {
		return errors.New("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task %s: handler is required", task.ID)
	}
	cron, err := ParseCron(task.Schedule)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	if task.Timeout <= 0 {
		task.Timeout = 5 * time.Minute
	}
	if task.Name == "" {
		task.Name = task.ID
	}

	task.cron = cron
	task.nextRun = cron.Next(s.now())
	task.lastStatus = StatusPending

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

// Start runs the scheduler loop until ctx is done. Use Wait to block until
// running tasks have returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, task := range s.sorted() {
		if task.RunOnStart {
			s.spawn(ctx, task)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx, s.now())
			}
		}
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	for _, task := range s.sorted() {
		task.mu.Lock()
		due := !task.nextRun.IsZero() && !now.Before(task.nextRun)
		task.mu.Unlock()
		if due {
			s.spawn(ctx, task)
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context, task *Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, task)
	}()
}

// run executes task unless it is already running and returns its error.
func (s *Scheduler) run(ctx context.Context, task *Task) error {
	task.mu.Lock()
	if task.running {
		task.mu.Unlock()
		return nil
	}
	task.running = true
	task.lastStatus = StatusRunning
	task.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, task.Timeout)
	err := task.Handler(tctx)
	cancel()

	now := s.now()
	task.mu.Lock()
	task.running = false
	task.lastRun = now
	task.nextRun = task.cron.Next(now)
	task.runCount++
	if err != nil {
		task.lastStatus = StatusFailed
		task.lastError = err.Error()
		task.failCount++
	} else {
		task.lastStatus = StatusComplete
		task.lastError = ""
	}
	task.mu.Unlock()

	if err != nil {
		s.log.Warn(fmt.Sprintf("Task %s failed: %v", task.ID, err))
	}
	return err
}

// RunNow runs a task right away and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	task, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return s.run(ctx, task)
}

func (s *Scheduler) sorted() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// ListTasks returns every task ordered by ID.
func (s *Scheduler) ListTasks() []TaskInfo {
	tasks := s.sorted()
	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		infos = append(infos, TaskInfo{
			ID:        t.ID,
			Name:      t.Name,
			Schedule:  t.Schedule,
			LastRun:   t.lastRun,
			NextRun:   t.nextRun,
			Status:    t.lastStatus,
			LastError: t.lastError,
			RunCount:  t.runCount,
			FailCount: t.failCount,
		})
		t.mu.Unlock()
	}
	return infos
}
