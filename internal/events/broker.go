package events

import (
	"log/slog"
	"sync"
	"time"

	"admitq/internal/admission"
	"admitq/internal/metrics"
)

const defaultSubscriberBuffer = 64

const (
	TypeInitialState      = "initial_state"
	TypeTaskQueued        = "task_queued"
	TypeTaskRunning       = "task_running"
	TypeTaskCompleted     = "task_completed"
	TypeDescriptionUpdate = "task_description_update"
	TypeHeartbeat         = "heartbeat"
)

// Event is one message on the bus. Scoped events are only delivered to
// admins and to the subscriber whose user ID equals Owner; an empty Owner
// on a scoped event marks a system task.
type Event struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Data      any                `json:"data,omitempty"`
	Resources *admission.Summary `json:"resources,omitempty"`
	Owner     string             `json:"-"`
	Scoped    bool               `json:"-"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Viewer identifies who is on the other end of a subscription.
type Viewer struct {
	UserID string
	Admin  bool
}

func (v Viewer) CanSee(event Event) bool {
	if !event.Scoped || v.Admin {
		return true
	}
	return event.Owner != "" && event.Owner == v.UserID
}

// View returns the event as this viewer should receive it.
func (v Viewer) View(event Event) Event {
	if !v.Admin {
		event.Resources = nil
	}
	return event
}

// Broker fans events out to subscribers, each filtered by its Viewer.
type Broker struct {
	mu         sync.Mutex
	subs       map[int]*Subscription
	nextID     int
	bufferSize int
	logger     *slog.Logger
}

// NewBroker sizes every subscriber buffer to bufferSize.
func NewBroker(bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:       map[int]*Subscription{},
		bufferSize: bufferSize,
		logger:     logger.With("component", "events"),
	}
}

// Publish fans the event out without blocking. A subscriber whose buffer
// is full is disconnected.
func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	metrics.RecordEvent(event.Type)

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.viewer.CanSee(event) {
			continue
		}
		select {
		case sub.ch <- sub.viewer.View(event):
		default:
			b.dropLocked(id, sub)
			b.logger.Warn("Disconnected slow subscriber", "subscriber", id, "user_id", sub.viewer.UserID, "event_type", event.Type)
		}
	}
}

// Subscribe registers a viewer. The initial event is the first thing the
// returned stream yields.
func (b *Broker) Subscribe(viewer Viewer, initial Event) *Subscription {
	if initial.Timestamp.IsZero() {
		initial.Timestamp = time.Now().UTC()
	}
	sub := &Subscription{
		broker: b,
		viewer: viewer,
		ch:     make(chan Event, b.bufferSize),
	}
	sub.ch <- viewer.View(initial)

	b.mu.Lock()
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
	return sub
}

// Len reports the number of connected subscribers.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) dropLocked(id int, sub *Subscription) {
	delete(b.subs, id)
	sub.closeOnce.Do(func() { close(sub.ch) })
	sub.dropped = true
	metrics.RecordSubscriberDropped()
	metrics.SetSubscribers(len(b.subs))
}

// Subscription is one viewer's stream of events.
type Subscription struct {
	broker    *Broker
	id        int
	viewer    Viewer
	ch        chan Event
	closeOnce sync.Once
	dropped   bool
}

// Events is closed when the subscription is closed or dropped.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Viewer() Viewer {
	return s.viewer
}

// Dropped reports whether the broker disconnected this subscriber for
// falling behind.
func (s *Subscription) Dropped() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
	}
	s.closeOnce.Do(func() { close(s.ch) })
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
}
