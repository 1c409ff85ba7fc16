package ports

import (
	"context"

	"navideo/internal/core/domain"
)

// Transport delivers envelopes to connections held by this process.
type Transport interface {
	// Deliver queues env for conn and reports whether conn is live here.
	Deliver(conn domain.ConnID, env domain.Envelope) bool
}

// Fanout forwards envelopes for connections held by other instances.
type Fanout interface {
	Publish(ctx context.Context, targets []domain.ConnID, env domain.Envelope) error
}

// MetricsRecorder receives signaling counters.
type MetricsRecorder interface {
	ParticipantJoined(room domain.RoomID)
	ParticipantLeft(room domain.RoomID, reason string)
	RoomClosed(room domain.RoomID)
	SignalRelayed()
	// SignalPublished counts signals handed to the fanout; the owning
	// instance may still drop them.
	SignalPublished()
	SignalDropped()
	EventBroadcast(event domain.EventType, recipients int)
	ChatMessage()
}

// ServerConnection is the client side of the signaling connection.
type ServerConnection interface {
	Send(ctx context.Context, env domain.Envelope) error
	Close() error
}
