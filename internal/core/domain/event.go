package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventJoinMeeting  EventType = "join-meeting"
	EventJoinedRoom   EventType = "joined-room"
	EventUserJoined   EventType = "user-joined"
	EventSignal       EventType = "signal"
	EventUserLeft     EventType = "user-left"
	EventSendMessage  EventType = "send-message"
	EventNewMessage   EventType = "new-message"
	EventLeaveMeeting EventType = "leave-meeting"
	EventError        EventType = "error"
)

// Envelope is the frame exchanged over the signaling connection.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

type Member struct {
	ConnID ConnID `json:"connId"`
	Name   string `json:"name"`
}

type JoinMeetingPayload struct {
	Room RoomID `json:"room"`
	Name string `json:"name,omitempty"`
}

type JoinedRoomPayload struct {
	Room    RoomID   `json:"room"`
	SelfID  ConnID   `json:"selfId"`
	Members []Member `json:"members"`
}

type UserJoinedPayload struct {
	ConnID ConnID `json:"connId"`
	Name   string `json:"name"`
}

type UserLeftPayload struct {
	ConnID ConnID `json:"connId"`
	Name   string `json:"name"`
}

// SignalPayload carries handshake data between two connections. Data is opaque to the server.
type SignalPayload struct {
	To   ConnID          `json:"to"`
	From ConnID          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

type SendMessagePayload struct {
	Room   RoomID `json:"room"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type NewMessagePayload struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type LeaveMeetingPayload struct {
	Room RoomID `json:"room"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
