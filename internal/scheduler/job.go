package scheduler

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnknownTask     = errors.New("unknown task")
	ErrDuplicateTask   = errors.New("duplicate task id")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrNilJob          = errors.New("nil job")
)

// Progress lets a running job report what it is doing.
type Progress interface {
	Describe(text string) error
}

// Job is the unit of work the scheduler runs. Its context is never
// cancelled by the scheduler.
type Job func(ctx context.Context, p Progress) (any, error)

type taskProgress struct {
	s  *Scheduler
	id string
	// ctx is the job context, used to sample resources for the update event.
	ctx context.Context
}

func (p taskProgress) Describe(text string) error {
	return p.s.UpdateDescription(p.ctx, p.id, text)
}

type submission struct {
	taskID      string
	userID      string
	description string
}

type SubmitOption func(*submission)

// WithTaskID supplies the task ID instead of generating one.
func WithTaskID(id string) SubmitOption {
	return func(s *submission) { s.taskID = strings.TrimSpace(id) }
}

// WithUserID sets the owner. Tasks without an owner are system tasks.
func WithUserID(id string) SubmitOption {
	return func(s *submission) { s.userID = strings.TrimSpace(id) }
}

func WithDescription(text string) SubmitOption {
	return func(s *submission) { s.description = text }
}

func collect(opts []SubmitOption) submission {
	var sub submission
	for _, opt := range opts {
		if opt != nil {
			opt(&sub)
		}
	}
	return sub
}
