// Package scheduler admits, queues and dispatches jobs under host resource
// constraints and reports every lifecycle change on the event bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"admitq/internal/admission"
	"admitq/internal/events"
	"admitq/internal/metrics"
	"admitq/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultCheckInterval   = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Admitter is the admission predicate shared by Submit, CanRunTask and the
// dispatcher.
type Admitter interface {
	Evaluate(ctx context.Context, taskType models.TaskType) admission.Decision
	Summary(ctx context.Context) (admission.Summary, error)
}

// Archiver receives terminal records before ClearCompleted evicts them.
type Archiver interface {
	Archive(ctx context.Context, records []models.TaskRecord) error
}

// Options configures New. Only Admission is required.
type Options struct {
	Admission       Admitter
	Broker          *events.Broker
	Archive         Archiver
	Logger          *slog.Logger
	Clock           func() time.Time
	NewID           func() string
	CheckInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Scheduler owns the task registry, the pending queue and the dispatcher.
type Scheduler struct {
	admit           Admitter
	broker          *events.Broker
	archive         Archiver
	logger          *slog.Logger
	now             func() time.Time
	newID           func() string
	checkInterval   time.Duration
	shutdownTimeout time.Duration

	// mu guards the registry and serializes lifecycle publications.
	mu      sync.Mutex
	records map[string]*models.TaskRecord
	jobs    map[string]Job
	pending pendingQueue
	seq     uint64

	clearMu sync.Mutex
	wg      sync.WaitGroup
}

// New builds a Scheduler. Start runs its dispatcher.
func New(opts Options) (*Scheduler, error) {
	if opts.Admission == nil {
		return nil, errors.New("scheduler: admission controller is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		admit:           opts.Admission,
		broker:          opts.Broker,
		archive:         opts.Archive,
		logger:          logger.With("component", "scheduler"),
		now:             opts.Clock,
		newID:           opts.NewID,
		checkInterval:   opts.CheckInterval,
		shutdownTimeout: opts.ShutdownTimeout,
		records:         map[string]*models.TaskRecord{},
		jobs:            map[string]Job{},
	}
	if s.broker == nil {
		s.broker = events.NewBroker(0, logger)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.checkInterval <= 0 {
		s.checkInterval = DefaultCheckInterval
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = DefaultShutdownTimeout
	}
	return s, nil
}

// Broker is the bus lifecycle events are published on.
func (s *Scheduler) Broker() *events.Broker {
	return s.broker
}

// CanRunTask runs the admission check without side effects on the registry.
func (s *Scheduler) CanRunTask(ctx context.Context, taskType models.TaskType) (bool, string) {
	d := s.evaluate(ctx, taskType)
	return d.Approved, d.Reason
}

// Enqueue adds a QUEUED task and returns its ID.
func (s *Scheduler) Enqueue(ctx context.Context, taskType models.TaskType, job Job, priority int, opts ...SubmitOption) (string, error) {
	id, _, err := s.enqueue(ctx, taskType, job, priority, collect(opts))
	return id, err
}

func (s *Scheduler) enqueue(ctx context.Context, taskType models.TaskType, job Job, priority int, sub submission) (string, int, error) {
	if err := validate(taskType, job); err != nil {
		return "", 0, err
	}
	resources := s.resources(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.newRecordLocked(taskType, priority, sub)
	if err != nil {
		return "", 0, err
	}
	if err := rec.Transition(models.StatusQueued, s.now()); err != nil {
		return "", 0, err
	}
	s.seq++
	pos := s.pending.push(pendingEntry{id: rec.ID, priority: priority, queuedAt: *rec.QueuedAt, seq: s.seq})
	s.records[rec.ID] = rec
	s.jobs[rec.ID] = job

	s.publishLocked(rec, events.TypeTaskQueued, QueuedPayload{
		TaskID:            rec.ID,
		TaskType:          rec.Type,
		QueuePosition:     pos,
		EstimatedCPUCores: rec.EstimatedCPUCores,
		EstimatedRAMGB:    rec.EstimatedRAMGB,
		Description:       rec.Description,
	}, resources)
	metrics.RecordSubmission(string(taskType), "queued")
	s.logger.Info("Task queued", "task_id", rec.ID, "task_type", taskType, "priority", priority, "position", pos, "user_id", rec.UserID)
	return rec.ID, pos, nil
}

// RegisterRunning records a task the caller already admitted and starts it
// immediately, bypassing the queue.
func (s *Scheduler) RegisterRunning(ctx context.Context, taskType models.TaskType, job Job, opts ...SubmitOption) (string, error) {
	return s.registerRunning(ctx, taskType, job, 0, collect(opts), s.resources(ctx))
}

func (s *Scheduler) registerRunning(ctx context.Context, taskType models.TaskType, job Job, priority int, sub submission, resources *admission.Summary) (string, error) {
	if err := validate(taskType, job); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.newRecordLocked(taskType, priority, sub)
	if err != nil {
		return "", err
	}
	if err := rec.Transition(models.StatusRunning, s.now()); err != nil {
		return "", err
	}
	s.records[rec.ID] = rec
	s.startLocked(ctx, rec, job, resources)
	metrics.RecordSubmission(string(taskType), "immediate")
	return rec.ID, nil
}

// Submit is the usual caller path: run now when admission approves,
// otherwise queue.
func (s *Scheduler) Submit(ctx context.Context, taskType models.TaskType, job Job, priority int, opts ...SubmitOption) (SubmitResult, error) {
	if err := validate(taskType, job); err != nil {
		return SubmitResult{}, err
	}
	sub := collect(opts)
	d := s.evaluate(ctx, taskType)
	if d.Approved {
		summary := admission.Summarize(d.Snapshot, d.Mode)
		id, err := s.registerRunning(ctx, taskType, job, priority, sub, &summary)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{TaskID: id, Reason: d.Reason}, nil
	}
	id, pos, err := s.enqueue(ctx, taskType, job, priority, sub)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{TaskID: id, Queued: true, Position: pos, Reason: d.Reason}, nil
}

// UpdateDescription changes a live task's description. Unknown and
// terminal tasks yield ErrUnknownTask.
func (s *Scheduler) UpdateDescription(ctx context.Context, taskID, text string) error {
	resources := s.resources(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok || rec.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	rec.Description = text
	s.publishLocked(rec, events.TypeDescriptionUpdate, DescriptionPayload{
		TaskID:      rec.ID,
		TaskType:    rec.Type,
		Description: text,
	}, resources)
	return nil
}

// GetQueueStatus lists live tasks owned by userID, or every live task when
// userID is empty.
func (s *Scheduler) GetQueueStatus(userID string) QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(events.Viewer{UserID: userID, Admin: userID == ""})
}

// Subscribe opens an event stream whose first event is initial_state.
// Nothing published after the snapshot is missed.
func (s *Scheduler) Subscribe(ctx context.Context, userID string, isAdmin bool) *events.Subscription {
	viewer := events.Viewer{UserID: userID, Admin: isAdmin}
	var resources *admission.Summary
	if isAdmin {
		resources = s.resources(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	initial := events.Event{
		Type:      events.TypeInitialState,
		Timestamp: s.now(),
		Data:      s.statusLocked(viewer),
		Resources: resources,
	}
	return s.broker.Subscribe(viewer, initial)
}

// GetTask returns a copy of the record, or ErrUnknownTask.
func (s *Scheduler) GetTask(taskID string) (models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok {
		return models.TaskRecord{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return rec.Clone(), nil
}

// QueuePosition returns the 1-based position of a queued task, or 0 once it
// has left the queue.
func (s *Scheduler) QueuePosition(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[taskID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return s.pending.position(taskID), nil
}

// ClearCompleted evicts terminal records, archiving them first when an
// archive is configured. Nothing is evicted if archiving fails.
func (s *Scheduler) ClearCompleted(ctx context.Context) (int, error) {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	s.mu.Lock()
	var done []models.TaskRecord
	for _, rec := range s.records {
		if rec.Status.Terminal() {
			done = append(done, rec.Clone())
		}
	}
	s.mu.Unlock()
	if len(done) == 0 {
		return 0, nil
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CompletedAt.Before(*done[j].CompletedAt) })

	if s.archive != nil {
		if err := s.archive.Archive(ctx, done); err != nil {
			return 0, fmt.Errorf("archive completed tasks: %w", err)
		}
	}

	s.mu.Lock()
	for _, rec := range done {
		delete(s.records, rec.ID)
	}
	s.mu.Unlock()
	s.logger.Info("Cleared completed tasks", "count", len(done), "archived", s.archive != nil)
	return len(done), nil
}

// ResourceSummary samples the host through the admission controller.
func (s *Scheduler) ResourceSummary(ctx context.Context) (admission.Summary, error) {
	return s.admit.Summary(ctx)
}

// Counts reports how many tasks are queued and running.
func (s *Scheduler) Counts() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Status == models.StatusRunning {
			running++
		}
	}
	return s.pending.len(), running
}

func (s *Scheduler) evaluate(ctx context.Context, taskType models.TaskType) admission.Decision {
	d := s.admit.Evaluate(ctx, taskType)
	metrics.RecordAdmission(string(taskType), d.Approved)
	return d
}

// resources samples the summary attached to lifecycle events for admins.
// It runs before mu is taken because sampling may block.
func (s *Scheduler) resources(ctx context.Context) *admission.Summary {
	summary, err := s.admit.Summary(ctx)
	if err != nil {
		s.logger.Debug("Event without resources", "error", err)
		return nil
	}
	return &summary
}

func (s *Scheduler) newRecordLocked(taskType models.TaskType, priority int, sub submission) (*models.TaskRecord, error) {
	id := sub.taskID
	if id == "" {
		id = s.newID()
	}
	if _, exists := s.records[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	rec, err := models.NewTaskRecord(id, taskType, priority, sub.userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	rec.Description = sub.description
	return rec, nil
}

func (s *Scheduler) statusLocked(viewer events.Viewer) QueueStatus {
	status := QueueStatus{
		QueuedTasks:  []models.TaskRecord{},
		RunningTasks: []models.TaskRecord{},
	}
	for _, id := range s.pending.ids() {
		rec := s.records[id]
		if visibleTo(rec, viewer) {
			status.QueuedTasks = append(status.QueuedTasks, rec.Clone())
		}
	}
	for _, rec := range s.records {
		if rec.Status == models.StatusRunning && visibleTo(rec, viewer) {
			status.RunningTasks = append(status.RunningTasks, rec.Clone())
		}
	}
	sort.Slice(status.RunningTasks, func(i, j int) bool {
		a, b := status.RunningTasks[i], status.RunningTasks[j]
		if !a.StartedAt.Equal(*b.StartedAt) {
			return a.StartedAt.Before(*b.StartedAt)
		}
		return a.ID < b.ID
	})
	status.QueuedCount = len(status.QueuedTasks)
	status.RunningCount = len(status.RunningTasks)
	return status
}

func (s *Scheduler) publishLocked(rec *models.TaskRecord, eventType string, data any, resources *admission.Summary) {
	s.broker.Publish(events.Event{
		Type:      eventType,
		Timestamp: s.now(),
		Data:      data,
		Resources: resources,
		Owner:     rec.UserID,
		Scoped:    true,
	})
}

func visibleTo(rec *models.TaskRecord, viewer events.Viewer) bool {
	return viewer.Admin || rec.OwnedBy(viewer.UserID)
}

func validate(taskType models.TaskType, job Job) error {
	if !taskType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	if job == nil {
		return ErrNilJob
	}
	return nil
}
