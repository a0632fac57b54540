// Package janitor runs periodic maintenance tasks: the outbox retention
// sweep and the saga reapers. Each task ticks on its own interval; a
// failing run is logged and retried on the next tick.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic maintenance job. Run returns how many rows it
// affected, for logging.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int64, error)
}

// Janitor schedules registered tasks until its context is cancelled.
type Janitor struct {
	tasks  []Task
	logger *slog.Logger

	wg sync.WaitGroup
}

// New creates a Janitor.
func New(logger *slog.Logger) *Janitor {
	return &Janitor{logger: logger.With("component", "janitor")}
}

// Register adds a task. Must be called before Start.
func (j *Janitor) Register(task Task) {
	j.tasks = append(j.tasks, task)
}

// Start launches one goroutine per task and returns immediately.
func (j *Janitor) Start(ctx context.Context) {
	for _, task := range j.tasks {
		j.wg.Add(1)
		go j.loop(ctx, task)
	}
	j.logger.Info("janitor started", "tasks", len(j.tasks))
}

// Wait blocks until all task loops have observed the cancelled context.
func (j *Janitor) Wait() {
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, task Task) {
	defer j.wg.Done()

	ticker := time.NewTicker(task.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx, task)
		}
	}
}

func (j *Janitor) runOnce(ctx context.Context, task Task) {
	affected, err := task.Run(ctx)
	if err != nil {
		j.logger.Error("maintenance task failed", "task", task.Name, "error", err)
		return
	}
	if affected > 0 {
		j.logger.Info("maintenance task completed", "task", task.Name, "affected", affected)
	}
}
