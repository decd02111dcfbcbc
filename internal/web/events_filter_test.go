package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"admitq/internal/events"
	"admitq/internal/models"
	"admitq/internal/scheduler"
)

func TestEventFilterMatches(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?task_id=t1&task_type=backtest", nil)
	filter, err := parseEventFilter(req)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}

	tests := []struct {
		name  string
		event events.Event
		want  bool
	}{
		{"initial state", events.Event{Type: events.TypeInitialState}, true},
		{"heartbeat", events.Event{Type: events.TypeHeartbeat}, true},
		{"match", events.Event{Type: events.TypeTaskQueued, Data: scheduler.QueuedPayload{TaskID: "t1", TaskType: models.TaskBacktest}}, true},
		{"other task", events.Event{Type: events.TypeTaskRunning, Data: scheduler.RunningPayload{TaskID: "t2", TaskType: models.TaskBacktest}}, false},
		{"other type", events.Event{Type: events.TypeTaskCompleted, Data: scheduler.CompletedPayload{TaskID: "t1", TaskType: models.TaskPrediction}}, false},
		{"description", events.Event{Type: events.TypeDescriptionUpdate, Data: scheduler.DescriptionPayload{TaskID: "t1", TaskType: models.TaskBacktest}}, true},
	}
	for _, tt := range tests {
		if got := filter.Matches(tt.event); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEventFilterTypes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?types=task_completed,heartbeat", nil)
	filter, err := parseEventFilter(req)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	if !filter.Matches(events.Event{Type: events.TypeInitialState}) {
		t.Fatal("initial_state must always pass")
	}
	if filter.Matches(events.Event{Type: events.TypeTaskQueued, Data: scheduler.QueuedPayload{TaskID: "t1"}}) {
		t.Fatal("expected task_queued to be filtered out")
	}
	if !filter.Matches(events.Event{Type: events.TypeTaskCompleted, Data: scheduler.CompletedPayload{TaskID: "t1"}}) {
		t.Fatal("expected task_completed to pass")
	}
}

func TestEventFilterInvalid(t *testing.T) {
	for _, query := range []string{"task_type=render", "types=task_exploded"} {
		req := httptest.NewRequest(http.MethodGet, "/events?"+query, nil)
		if _, err := parseEventFilter(req); err == nil {
			t.Fatalf("expected error for %q", query)
		}
	}
}
