package models

import (
	"fmt"
	"strings"
	"time"
)

type TaskType string

const (
	TaskBacktest      TaskType = "backtest"
	TaskModelTraining TaskType = "model_training"
	TaskPrediction    TaskType = "prediction"
)

// Requirement is the declared resource budget of a task type.
type Requirement struct {
	CPUCores float64 `json:"cpu_cores"`
	RAMGB    float64 `json:"ram_gb"`
}

var requirements = map[TaskType]Requirement{
	TaskBacktest:      {CPUCores: 1.0, RAMGB: 0.5},
	TaskModelTraining: {CPUCores: 2.0, RAMGB: 1.5},
	TaskPrediction:    {CPUCores: 0.5, RAMGB: 0.3},
}

// TaskTypes returns every known task type in a stable order.
func TaskTypes() []TaskType {
	return []TaskType{TaskBacktest, TaskModelTraining, TaskPrediction}
}

func RequirementFor(t TaskType) (Requirement, bool) {
	req, ok := requirements[t]
	return req, ok
}

func (t TaskType) Valid() bool {
	_, ok := requirements[t]
	return ok
}

func ParseTaskType(raw string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown task type %q", raw)
	}
	return t, nil
}

type TaskStatus string

const (
	StatusQueued    TaskStatus = "QUEUED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
)

func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// The empty status stands for a record that has not been admitted yet.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case "":
		return next == StatusQueued || next == StatusRunning
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// TaskRecord is the unit of scheduling. Records handed out by the
// scheduler are copies; mutating them has no effect on scheduling.
type TaskRecord struct {
	ID                string       `json:"task_id"`
	Type              TaskType     `json:"task_type"`
	Status            TaskStatus   `json:"status"`
	Priority          int          `json:"priority"`
	UserID            string       `json:"user_id,omitempty"`
	Description       string       `json:"description"`
	EstimatedCPUCores float64      `json:"estimated_cpu_cores"`
	EstimatedRAMGB    float64      `json:"estimated_ram_gb"`
	QueuedAt          *time.Time   `json:"queued_at,omitempty"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	Result            any          `json:"result,omitempty"`
	Error             string       `json:"error,omitempty"`
	History           []TaskStatus `json:"-"`
}

// NewTaskRecord builds a record for t, copying the type's requirement so
// later changes to the table do not affect it.
func NewTaskRecord(id string, t TaskType, priority int, userID string) (*TaskRecord, error) {
	req, ok := RequirementFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", t)
	}
	return &TaskRecord{
		ID:                id,
		Type:              t,
		Priority:          priority,
		UserID:            userID,
		EstimatedCPUCores: req.CPUCores,
		EstimatedRAMGB:    req.RAMGB,
	}, nil
}

// Transition moves the record to next, stamping the matching timestamp.
func (r *TaskRecord) Transition(next TaskStatus, at time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", r.ID, displayStatus(r.Status), next)
	}
	stamp := at
	switch next {
	case StatusQueued:
		r.QueuedAt = &stamp
	case StatusRunning:
		if r.QueuedAt != nil && stamp.Before(*r.QueuedAt) {
			stamp = *r.QueuedAt
		}
		r.StartedAt = &stamp
	case StatusCompleted, StatusFailed:
		if r.StartedAt != nil && stamp.Before(*r.StartedAt) {
			stamp = *r.StartedAt
		}
		r.CompletedAt = &stamp
	}
	r.Status = next
	r.History = append(r.History, next)
	return nil
}

// OwnedBy reports whether userID may see the record as a non-admin.
// System records (no owner) are never visible to non-admins.
func (r *TaskRecord) OwnedBy(userID string) bool {
	return r.UserID != "" && r.UserID == userID
}

// Clone returns a copy detached from the scheduler's state.
func (r *TaskRecord) Clone() TaskRecord {
	c := *r
	c.History = append([]TaskStatus(nil), r.History...)
	return c
}

func displayStatus(s TaskStatus) string {
	if s == "" {
		return "NEW"
	}
	return string(s)
}
