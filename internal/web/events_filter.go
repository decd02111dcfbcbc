package web

import (
	"fmt"
	"net/http"
	"strings"

	"admitq/internal/events"
	"admitq/internal/models"
	"admitq/internal/scheduler"
)

// eventFilter narrows a task-events stream. initial_state and heartbeat
// always pass the task filters.
type eventFilter struct {
	taskID   string
	taskType models.TaskType
	types    map[string]bool
}

var knownEventTypes = map[string]bool{
	events.TypeInitialState:      true,
	events.TypeTaskQueued:        true,
	events.TypeTaskRunning:       true,
	events.TypeTaskCompleted:     true,
	events.TypeDescriptionUpdate: true,
	events.TypeHeartbeat:         true,
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{taskID: strings.TrimSpace(query.Get("task_id"))}
	if val := strings.TrimSpace(query.Get("task_type")); val != "" {
		t, err := models.ParseTaskType(val)
		if err != nil {
			return eventFilter{}, fmt.Errorf("invalid task_type")
		}
		filter.taskType = t
	}
	if val := strings.TrimSpace(query.Get("types")); val != "" {
		filter.types = map[string]bool{}
		for _, part := range strings.Split(val, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !knownEventTypes[part] {
				return eventFilter{}, fmt.Errorf("invalid event type %q", part)
			}
			filter.types[part] = true
		}
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if event.Type == events.TypeInitialState {
		return true
	}
	if f.types != nil && !f.types[event.Type] {
		return false
	}
	if f.taskID == "" && f.taskType == "" {
		return true
	}
	id, taskType, ok := taskOf(event)
	if !ok {
		return event.Type == events.TypeHeartbeat
	}
	if f.taskID != "" && id != f.taskID {
		return false
	}
	if f.taskType != "" && taskType != f.taskType {
		return false
	}
	return true
}

func taskOf(event events.Event) (string, models.TaskType, bool) {
	switch p := event.Data.(type) {
	case scheduler.QueuedPayload:
		return p.TaskID, p.TaskType, true
	case scheduler.RunningPayload:
		return p.TaskID, p.TaskType, true
	case scheduler.DescriptionPayload:
		return p.TaskID, p.TaskType, true
	case scheduler.CompletedPayload:
		return p.TaskID, p.TaskType, true
	}
	return "", "", false
}
