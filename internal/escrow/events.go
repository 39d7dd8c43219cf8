package escrow

import (
	"context"
	"sync"
	"time"
)

// EventType enumerates the audit events consumed by off-chain indexers.
type EventType string

const (
	EventCreated            EventType = "escrow.created"
	EventBeneficiaryAdded   EventType = "escrow.beneficiary_added"
	EventActivityUpdated    EventType = "escrow.activity_updated"
	EventStatusChanged      EventType = "escrow.status_changed"
	EventExecutionTriggered EventType = "escrow.execution_triggered"
	EventFundsTransferred   EventType = "escrow.funds_transferred"
	EventSwapExecuted       EventType = "escrow.swap_executed"
)

// Event is one audit record. The field layout is a compatibility contract
// with downstream consumers: Type, EscrowID, ChainID and Owner are the
// filterable fields; everything event-specific goes into Fields.
type Event struct {
	Type     EventType         `json:"type"`
	EscrowID string            `json:"escrow_id"`
	ChainID  uint64            `json:"chain_id"`
	Owner    string            `json:"owner"`
	At       int64             `json:"at"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Sink receives audit events. Delivery is best-effort: a sink failure must
// never unwind the state change it describes, so callers log and move on.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemorySink buffers events in memory for tests and development mode.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty buffering sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish implements Sink.
func (s *MemorySink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.At == 0 {
		event.At = time.Now().Unix()
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// EventsOfType returns published events matching the given type, in order.
func (s *MemorySink) EventsOfType(eventType EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Event
	for _, event := range s.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	return nil
}

var _ Sink = (*MemorySink)(nil)
