package scheduler

import "admitq/internal/models"

// QueueStatus is returned by GetQueueStatus and carried by initial_state.
type QueueStatus struct {
	QueuedCount  int                 `json:"queued_count"`
	RunningCount int                 `json:"running_count"`
	QueuedTasks  []models.TaskRecord `json:"queued_tasks"`
	RunningTasks []models.TaskRecord `json:"running_tasks"`
}

type QueuedPayload struct {
	TaskID            string          `json:"task_id"`
	TaskType          models.TaskType `json:"task_type"`
	QueuePosition     int             `json:"queue_position"`
	EstimatedCPUCores float64         `json:"estimated_cpu_cores"`
	EstimatedRAMGB    float64         `json:"estimated_ram_gb"`
	Description       string          `json:"description"`
}

type RunningPayload struct {
	TaskID            string          `json:"task_id"`
	TaskType          models.TaskType `json:"task_type"`
	EstimatedCPUCores float64         `json:"estimated_cpu_cores"`
	EstimatedRAMGB    float64         `json:"estimated_ram_gb"`
}

type DescriptionPayload struct {
	TaskID      string          `json:"task_id"`
	TaskType    models.TaskType `json:"task_type"`
	Description string          `json:"description"`
}

type CompletedPayload struct {
	TaskID   string          `json:"task_id"`
	TaskType models.TaskType `json:"task_type"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
}

// SubmitResult reports which path Submit took.
type SubmitResult struct {
	TaskID   string `json:"task_id"`
	Queued   bool   `json:"queued"`
	Position int    `json:"queue_position,omitempty"`
	Reason   string `json:"reason"`
}
