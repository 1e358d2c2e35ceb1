// Package broadcast is the pub/sub fan-out connecting all live participants
// of a chat. It is the only change signal between participants: there is no
// persistence and no replay, late joiners catch up from the ledger. Events
// form a closed union so the bus is exhaustively matchable.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
)

// Kind names a broadcast event type.
type Kind string

const (
	KindNewMessage      Kind = "new message"
	KindAgentTyping     Kind = "agent typing"
	KindUserTyping      Kind = "user typing"
	KindSeen            Kind = "seen"
	KindWidgetConnected Kind = "widget connected"
)

// Event is one broadcast notification. The union is closed: every variant
// is defined in this package.
type Event interface {
	Kind() Kind
}

type NewMessage struct {
	ChatID  string         `json:"chatId"`
	Message ledger.Message `json:"message"`
}

func (NewMessage) Kind() Kind { return KindNewMessage }

type AgentTyping struct {
	ChatID   string    `json:"chatId"`
	IsTyping bool      `json:"isTyping"`
	At       time.Time `json:"at"`
}

func (AgentTyping) Kind() Kind { return KindAgentTyping }

type UserTyping struct {
	ChatID        string    `json:"chatId"`
	IsTyping      bool      `json:"isTyping"`
	TypingState   string    `json:"typingState,omitempty"`
	TypedContents string    `json:"typedContents,omitempty"`
	At            time.Time `json:"at"`
}

func (UserTyping) Kind() Kind { return KindUserTyping }

type Seen struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SeenAt    time.Time `json:"seenAt"`
}

func (Seen) Kind() Kind { return KindSeen }

type WidgetConnected struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
}

func (WidgetConnected) Kind() Kind { return KindWidgetConnected }

// wireEvent is the socket framing for an Event.
type wireEvent struct {
	Event   Kind            `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode frames an event for the wire.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Event: ev.Kind(), Payload: payload})
}

// Decode parses a wire frame back into a typed event.
func Decode(data []byte) (Event, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return nil, err
	}
	switch we.Event {
	case KindNewMessage:
		var ev NewMessage
		err := json.Unmarshal(we.Payload, &ev)
		return ev, err
	case KindAgentTyping:
		var ev AgentTyping
		err := json.Unmarshal(we.Payload, &ev)
		return ev, err
	case KindUserTyping:
		var ev UserTyping
		err := json.Unmarshal(we.Payload, &ev)
		return ev, err
	case KindSeen:
		var ev Seen
		err := json.Unmarshal(we.Payload, &ev)
		return ev, err
	case KindWidgetConnected:
		var ev WidgetConnected
		err := json.Unmarshal(we.Payload, &ev)
		return ev, err
	default:
		return nil, fmt.Errorf("unknown broadcast event %q", we.Event)
	}
}
