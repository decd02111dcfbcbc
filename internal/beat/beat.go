// Package beat submits catalog jobs on cron schedules.
package beat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"admitq/internal/executor"
	"admitq/internal/models"
	"admitq/internal/scheduler"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Entry is one periodic submission.
type Entry struct {
	Name     string          `json:"name" yaml:"name" toml:"name"`
	Schedule string          `json:"schedule" yaml:"schedule" toml:"schedule"`
	Job      string          `json:"job" yaml:"job" toml:"job"`
	TaskType models.TaskType `json:"task_type,omitempty" yaml:"task_type" toml:"task_type"`
	Args     []string        `json:"args,omitempty" yaml:"args" toml:"args"`
	Priority int             `json:"priority,omitempty" yaml:"priority" toml:"priority"`
	UserID   string          `json:"user_id,omitempty" yaml:"user_id" toml:"user_id"`
}

type Submitter interface {
	Submit(ctx context.Context, taskType models.TaskType, job scheduler.Job, priority int, opts ...scheduler.SubmitOption) (scheduler.SubmitResult, error)
}

type Beat struct {
	cron    *cron.Cron
	entries []Entry
	submit  Submitter
	catalog *executor.Catalog
	logger  *slog.Logger
	now     func() time.Time
}

func New(entries []Entry, submit Submitter, catalog *executor.Catalog, logger *slog.Logger) (*Beat, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "beat")
	b := &Beat{
		entries: entries,
		submit:  submit,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	cl := cronLogger{logger}
	b.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	seen := map[string]bool{}
	for _, e := range entries {
		if e.Name == "" {
			return nil, errors.New("periodic entry without a name")
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate periodic entry %q", e.Name)
		}
		seen[e.Name] = true
		def, ok := catalog.Lookup(e.Job)
		if !ok {
			return nil, fmt.Errorf("periodic entry %q: %w: %s", e.Name, executor.ErrUnknownJob, e.Job)
		}
		if e.TaskType != "" && !e.TaskType.Valid() {
			return nil, fmt.Errorf("periodic entry %q: unknown task type %q", e.Name, e.TaskType)
		}
		if e.TaskType == "" {
			e.TaskType = def.TaskType
		}
		entry := e
		if _, err := b.cron.AddFunc(e.Schedule, func() { b.fire(entry) }); err != nil {
			return nil, fmt.Errorf("invalid cron expression for %s: %w", e.Name, err)
		}
	}
	return b, nil
}

// Start runs the cron loop until ctx is done. Submissions already handed
// to the scheduler are unaffected by shutdown.
func (b *Beat) Start(ctx context.Context) {
	if len(b.entries) == 0 {
		return
	}
	b.logger.Info("Starting beat", "entries", len(b.entries))
	b.cron.Start()
	<-ctx.Done()
	<-b.cron.Stop().Done()
}

// Next reports the next fire time for each entry.
func (b *Beat) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(b.entries))
	from := b.now()
	for _, e := range b.entries {
		if sched, err := parser.Parse(e.Schedule); err == nil {
			out[e.Name] = sched.Next(from)
		}
	}
	return out
}

func (b *Beat) fire(e Entry) {
	if _, err := b.RunEntry(context.Background(), e, b.now()); err != nil {
		if errors.Is(err, scheduler.ErrDuplicateTask) {
			b.logger.Debug("Periodic run already submitted", "entry", e.Name)
			return
		}
		b.logger.Error("Periodic submission failed", "entry", e.Name, "error", err)
	}
}

// RunEntry submits one run of e. The task ID is derived from the entry
// name and the minute it fired, so a repeated fire is rejected as a
// duplicate.
func (b *Beat) RunEntry(ctx context.Context, e Entry, at time.Time) (scheduler.SubmitResult, error) {
	job, def, err := b.catalog.Build(e.Job, e.Args)
	if err != nil {
		return scheduler.SubmitResult{}, err
	}
	taskType := e.TaskType
	if taskType == "" {
		taskType = def.TaskType
	}
	id := fmt.Sprintf("beat-%s-%d", e.Name, at.Truncate(time.Minute).Unix())
	res, err := b.submit.Submit(ctx, taskType, job, e.Priority,
		scheduler.WithTaskID(id),
		scheduler.WithUserID(e.UserID),
		scheduler.WithDescription("periodic: "+e.Name),
	)
	if err != nil {
		return scheduler.SubmitResult{}, err
	}
	b.logger.Info("Periodic task submitted", "entry", e.Name, "task_id", res.TaskID, "queued", res.Queued)
	return res, nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
