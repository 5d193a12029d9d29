package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/fundlift/indexer/internal/codec"
)

// Message type discriminators carried in the common envelope.
const (
	MessageTypeEvent          = "event"
	MessageTypeRollback       = "rollback"
	MessageTypeReconciliation = "reconciliation"
)

// ReconciliationMarkExpired is the only reconciliation type currently issued.
const ReconciliationMarkExpired = "mark_expired_campaigns"

// Message is any payload that travels through the broker.
type Message interface {
	// Type returns the envelope discriminator.
	Type() string

	// Validate checks the message at the consumer boundary.
	Validate() error
}

// EventMessage carries one decoded blockchain event. Amounts inside EventData
// are decimal strings; addresses and hashes are case-normalized lower.
type EventMessage struct {
	MessageType string         `json:"message_type"`
	ChainID     uint64         `json:"chain_id"`
	PublishedAt time.Time      `json:"published_at"`
	EventType   string         `json:"event_type"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   string         `json:"block_hash"`
	TxHash      string         `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Address     string         `json:"address"`
	Timestamp   int64          `json:"timestamp"`
	EventData   map[string]any `json:"event_data"`
}

func (m *EventMessage) Type() string { return MessageTypeEvent }

// RoutingKey returns the routing key derived from the event type.
func (m *EventMessage) RoutingKey() string { return RoutingKeyFor(m.EventType) }

func (m *EventMessage) Validate() error {
	if m.MessageType != MessageTypeEvent {
		return fmt.Errorf("message_type must be %q, got %q", MessageTypeEvent, m.MessageType)
	}
	switch m.EventType {
	case codec.EventCampaignCreated, codec.EventDonationReceived, codec.EventWithdrawn, codec.EventRefunded:
	default:
		return fmt.Errorf("unknown event_type %q", m.EventType)
	}
	if m.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	if m.TxHash == "" {
		return fmt.Errorf("tx_hash is required")
	}
	if m.Address == "" {
		return fmt.Errorf("address is required")
	}
	if m.EventData == nil {
		return fmt.Errorf("event_data is required")
	}
	return nil
}

// Normalize lowercases the hex fields so the store only ever sees
// case-normalized addresses and hashes.
func (m *EventMessage) Normalize() {
	m.BlockHash = strings.ToLower(m.BlockHash)
	m.TxHash = strings.ToLower(m.TxHash)
	m.Address = strings.ToLower(m.Address)
}

// RollbackMessage instructs the consumer to orphan events in (from, to] and
// rebuild derived state.
type RollbackMessage struct {
	MessageType string    `json:"message_type"`
	ChainID     uint64    `json:"chain_id"`
	PublishedAt time.Time `json:"published_at"`
	FromBlock   uint64    `json:"from_block"`
	ToBlock     uint64    `json:"to_block"`
	Reason      string    `json:"reason"`
}

func (m *RollbackMessage) Type() string { return MessageTypeRollback }

func (m *RollbackMessage) Validate() error {
	if m.MessageType != MessageTypeRollback {
		return fmt.Errorf("message_type must be %q, got %q", MessageTypeRollback, m.MessageType)
	}
	if m.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	if m.ToBlock < m.FromBlock {
		return fmt.Errorf("to_block %d precedes from_block %d", m.ToBlock, m.FromBlock)
	}
	return nil
}

// ReconciliationMessage triggers the periodic deadline sweep.
type ReconciliationMessage struct {
	MessageType        string    `json:"message_type"`
	ChainID            uint64    `json:"chain_id"`
	PublishedAt        time.Time `json:"published_at"`
	TriggeredAt        time.Time `json:"triggered_at"`
	ReconciliationType string    `json:"reconciliation_type"`
}

func (m *ReconciliationMessage) Type() string { return MessageTypeReconciliation }

func (m *ReconciliationMessage) Validate() error {
	if m.MessageType != MessageTypeReconciliation {
		return fmt.Errorf("message_type must be %q, got %q", MessageTypeReconciliation, m.MessageType)
	}
	if m.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	return nil
}

// ParseMessage deserializes and validates a raw broker payload.
func ParseMessage(body []byte) (Message, error) {
	var probe struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("malformed message body: %w", err)
	}

	var msg Message
	switch probe.MessageType {
	case MessageTypeEvent:
		msg = &EventMessage{}
	case MessageTypeRollback:
		msg = &RollbackMessage{}
	case MessageTypeReconciliation:
		msg = &ReconciliationMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", probe.MessageType)
	}

	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", probe.MessageType, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", probe.MessageType, err)
	}
	if ev, ok := msg.(*EventMessage); ok {
		ev.Normalize()
	}
	return msg, nil
}

// WireSchema renders the JSON Schema of the three message shapes, keyed by
// message type. Used by the `broker schema` command.
func WireSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}

	schemas := map[string]*jsonschema.Schema{
		MessageTypeEvent:          reflector.Reflect(&EventMessage{}),
		MessageTypeRollback:       reflector.Reflect(&RollbackMessage{}),
		MessageTypeReconciliation: reflector.Reflect(&ReconciliationMessage{}),
	}

	return json.MarshalIndent(schemas, "", "  ")
}
