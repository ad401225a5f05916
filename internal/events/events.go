// Package events fans execution telemetry out to in-process subscribers and,
// optionally, to a NATS subject per workflow. Emission never blocks the
// runner: slow subscribers lose events instead of stalling execution.
package events

import (
	"sync"
	"time"

	"taskflow/internal/logging"
	"taskflow/internal/ports"
)

// Event types.
const (
	TypeProgress = "progress"
	TypeLog      = "log"
	TypePrompt   = "prompt"
	TypeTerminal = "terminal"
)

// Event is one telemetry record.
type Event struct {
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflowId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Time       time.Time `json:"time"`
}

// subscriberBuffer is the per-subscriber channel depth before events drop.
const subscriberBuffer = 64

// Bus is the in-process event hub. It implements ports.ProgressSink so it can
// be handed straight to the runner and AI service.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	logger logging.Logger
}

// NewBus builds an empty Bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{subs: make(map[int]chan Event), logger: logging.OrNop(logger)}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; the channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Emit delivers the event to every subscriber without blocking.
func (b *Bus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("event bus: dropping %s event for slow subscriber", ev.Type)
		}
	}
}

// OnProgress implements ports.ProgressSink.
func (b *Bus) OnProgress(p ports.Progress) {
	b.Emit(Event{Type: TypeProgress, WorkflowID: p.WorkflowID, Payload: p})
}

// OnLog implements ports.ProgressSink. A workflowId detail, when present,
// scopes the event to that workflow.
func (b *Bus) OnLog(level, message string, details map[string]any) {
	workflowID, _ := details["workflowId"].(string)
	payload := map[string]any{"level": level, "message": message}
	for k, v := range details {
		payload[k] = v
	}
	b.Emit(Event{Type: TypeLog, WorkflowID: workflowID, Payload: payload})
}

// OnPromptGenerated implements ports.ProgressSink.
func (b *Bus) OnPromptGenerated(rec ports.PromptRecord) {
	b.Emit(Event{Type: TypePrompt, Payload: rec})
}

// Terminal publishes the final state of a workflow run.
func (b *Bus) Terminal(workflowID string, payload any) {
	b.Emit(Event{Type: TypeTerminal, WorkflowID: workflowID, Payload: payload})
}
