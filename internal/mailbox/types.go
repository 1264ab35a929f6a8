package mailbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of protocol message.
type MessageType string

const (
	TypeTaskOffer          MessageType = "task.offer"
	TypeTaskAccept         MessageType = "task.accept"
	TypeBudgetRequest      MessageType = "budget.request"
	TypeBudgetDecision     MessageType = "budget.decision"
	TypeEscrowPending      MessageType = "escrow.pending"
	TypeEscrowLocked       MessageType = "escrow.locked"
	TypeWorkStarted        MessageType = "work.started"
	TypeWorkResult         MessageType = "work.result"
	TypeAuditResult        MessageType = "audit.result"
	TypeProofSubmitted     MessageType = "proof.submitted"
	TypeProofVerified      MessageType = "proof.verified"
	TypeMilestoneReleased  MessageType = "milestone.released"
	TypeTaskComplete       MessageType = "task.complete"
	TypeDisputeRaised      MessageType = "dispute.raised"
	TypeMediationRequested MessageType = "mediation.requested"
	TypeDisputeResolved    MessageType = "dispute.resolved"
	TypeMediationEscalated MessageType = "mediation.escalated"
	TypeEscrowCancelled    MessageType = "escrow.cancelled"
	TypeExecutionFailed    MessageType = "execution.failed"
)

// BroadcastRecipient is the special "to" value for messages intended for all participants.
const BroadcastRecipient = "broadcast"

// Payload is the typed body of a message. Each message type has exactly one
// payload struct.
type Payload interface {
	Kind() MessageType
	Task() string
}

// Message is an immutable protocol envelope.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	TaskID    string      `json:"task_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   Payload     `json:"-"`
}

// New builds a message around p with a fresh ID and the current time.
func New(from, to string, p Payload) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      p.Kind(),
		From:      from,
		To:        to,
		TaskID:    p.Task(),
		Timestamp: time.Now(),
		Payload:   p,
	}
}

// Broadcast builds a message addressed to every participant.
func Broadcast(from string, p Payload) Message {
	return New(from, BroadcastRecipient, p)
}

// IsBroadcast returns true if the message is addressed to all participants.
func (m Message) IsBroadcast() bool {
	return m.To == BroadcastRecipient
}

// Validate checks the envelope fields and that the payload matches Type.
func (m Message) Validate() error {
	switch {
	case m.From == "":
		return fmt.Errorf("mailbox: message From field is required")
	case m.To == "":
		return fmt.Errorf("mailbox: message To field is required")
	case m.Payload == nil:
		return fmt.Errorf("mailbox: message payload is required")
	case m.Payload.Kind() != m.Type:
		return fmt.Errorf("mailbox: payload %s does not match message type %s", m.Payload.Kind(), m.Type)
	case m.TaskID != m.Payload.Task():
		return fmt.Errorf("mailbox: payload task %q does not match message task %q", m.Payload.Task(), m.TaskID)
	}
	return nil
}

type wireMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	TaskID    string          `json:"task_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the payload inline under "payload".
func (m Message) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID:        m.ID,
		Type:      m.Type,
		From:      m.From,
		To:        m.To,
		TaskID:    m.TaskID,
		Timestamp: m.Timestamp,
		Payload:   raw,
	})
}

// UnmarshalJSON decodes the payload into the struct registered for Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        w.ID,
		Type:      w.Type,
		From:      w.From,
		To:        w.To,
		TaskID:    w.TaskID,
		Timestamp: w.Timestamp,
		Payload:   p,
	}
	return nil
}

// ValidateMessageType returns true if the given type is a known message type.
func ValidateMessageType(t MessageType) bool {
	_, ok := payloadFactories[t]
	return ok
}
