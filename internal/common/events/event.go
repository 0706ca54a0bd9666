package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// OutboxEntry represents an event in the outbox table
type OutboxEntry struct {
	ID          int64      `db:"id"`
	EventID     string     `db:"event_id"`
	EventType   string     `db:"event_type"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
	Attempts    int        `db:"attempts"`
	LastError   *string    `db:"last_error"`
	DeadAt      *time.Time `db:"dead_at"`
}

// Outbox is implemented by stores that persist events alongside state changes
type Outbox interface {
	// PendingOutbox returns up to limit entries that are neither published
	// nor dead-lettered, oldest first. A limit <= 0 means no limit.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// MarkDead parks an entry so it no longer blocks the entries behind it.
	MarkDead(ctx context.Context, id int64, at time.Time, errMsg string) error
	// ReplayDead returns every dead-lettered entry to the pending queue with
	// its attempt count reset, and reports how many were requeued.
	ReplayDead(ctx context.Context) (int, error)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Deposit session event types. Subjects on the broker are "events.<type>".
const (
	EventDepositQuoteIssued = "deposit.quote.issued"
	EventDepositSubmitted   = "deposit.submitted"
	EventDepositConfirmed   = "deposit.confirmed"
	EventDepositExpired     = "deposit.expired"
	EventDepositCancelled   = "deposit.cancelled"
	EventDepositFailed      = "deposit.failed"

	// Operational alerts. Unmatched covers settlement for a closed session
	// and a second transfer to a confirmed one.
	EventDepositAmountMismatch      = "deposit.alert.amount_mismatch"
	EventDepositLateSettlement      = "deposit.alert.late_settlement"
	EventDepositUnmatchedSettlement = "deposit.alert.unmatched_settlement"
)

// IsCritical reports whether an event type is retried until published and
// never dead-lettered.
func IsCritical(eventType string) bool {
	return eventType == EventDepositConfirmed
}
