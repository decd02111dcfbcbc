package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"admitq/internal/admission"
	"admitq/internal/events"
	"admitq/internal/metrics"
	"admitq/internal/models"
)

// Start runs the dispatcher until ctx is done, then waits for running jobs
// up to the shutdown timeout. Running jobs are not cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting dispatcher", "check_interval", s.checkInterval)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Dispatcher received shutdown signal, waiting for running tasks...")
			if s.Wait(s.shutdownTimeout) {
				s.logger.Info("All tasks finished")
			} else {
				_, running := s.Counts()
				s.logger.Warn("Shutdown timeout reached with tasks still running", "running", running)
			}
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick promotes queued tasks until the queue is empty or the head is
// denied, and returns how many were started.
func (s *Scheduler) Tick(ctx context.Context) int {
	promoted := 0
	for ctx.Err() == nil {
		started, more := s.promoteNext(ctx)
		if started {
			promoted++
		}
		if !more {
			break
		}
	}
	return promoted
}

// Wait blocks until every running job has returned or timeout elapses.
// It reports whether all jobs finished.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scheduler) promoteNext(ctx context.Context) (started, more bool) {
	s.mu.Lock()
	head, ok := s.pending.peek()
	var taskType models.TaskType
	if ok {
		taskType = s.records[head.id].Type
	}
	s.mu.Unlock()
	if !ok {
		return false, false
	}

	// Sampling may block, so the check runs without the lock.
	d := s.evaluate(ctx, taskType)
	if !d.Approved {
		s.logger.Debug("Queue head waiting for resources", "task_id", head.id, "task_type", taskType, "reason", d.Reason)
		return false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A higher priority task may have been queued during the check.
	if cur, ok := s.pending.peek(); !ok || cur.id != head.id {
		return false, ok
	}
	s.pending.pop()
	rec := s.records[head.id]
	job := s.jobs[head.id]
	if err := rec.Transition(models.StatusRunning, s.now()); err != nil {
		s.logger.Error("Promotion rejected", "task_id", rec.ID, "error", err)
		return false, true
	}
	metrics.RecordStart(string(rec.Type), rec.StartedAt.Sub(*rec.QueuedAt))
	summary := admission.Summarize(d.Snapshot, d.Mode)
	s.startLocked(ctx, rec, job, &summary)
	return true, true
}

// startLocked emits task_running and fires the job without waiting for it.
func (s *Scheduler) startLocked(ctx context.Context, rec *models.TaskRecord, job Job, resources *admission.Summary) {
	s.publishLocked(rec, events.TypeTaskRunning, RunningPayload{
		TaskID:            rec.ID,
		TaskType:          rec.Type,
		EstimatedCPUCores: rec.EstimatedCPUCores,
		EstimatedRAMGB:    rec.EstimatedRAMGB,
	}, resources)
	s.logger.Info("Task running", "task_id", rec.ID, "task_type", rec.Type, "user_id", rec.UserID)

	jobCtx := context.WithoutCancel(ctx)
	id := rec.ID
	s.jobs[id] = job
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.invoke(jobCtx, id, job)
		s.finish(jobCtx, id, result, err)
	}()
}

func (s *Scheduler) invoke(ctx context.Context, id string, job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "task_id", id, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return job(ctx, taskProgress{s: s, id: id, ctx: ctx})
}

func (s *Scheduler) finish(ctx context.Context, id string, result any, execErr error) {
	resources := s.resources(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	delete(s.jobs, id)

	next := models.StatusCompleted
	if execErr != nil {
		next = models.StatusFailed
		rec.Error = execErr.Error()
	} else {
		rec.Result = result
	}
	if err := rec.Transition(next, s.now()); err != nil {
		s.logger.Error("Completion rejected", "task_id", id, "error", err)
		return
	}
	metrics.RecordCompletion(string(rec.Type), string(next), rec.CompletedAt.Sub(*rec.StartedAt))

	s.publishLocked(rec, events.TypeTaskCompleted, CompletedPayload{
		TaskID:   rec.ID,
		TaskType: rec.Type,
		Success:  execErr == nil,
		Error:    rec.Error,
	}, resources)
	if execErr != nil {
		s.logger.Warn("Task failed", "task_id", id, "task_type", rec.Type, "error", execErr)
		return
	}
	s.logger.Info("Task completed", "task_id", id, "task_type", rec.Type)
}
