package ports

import (
	"context"

	"navideo/internal/core/domain"
)

// LocalTrack is one captured local media track.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	Enabled() bool
	// SetEnabled pauses or resumes the data flow without touching slots.
	SetEnabled(enabled bool)
	// Stop releases the capture device. It is idempotent.
	Stop()
	// OnEnded registers a callback fired once when the track ends on its own.
	OnEnded(fn func())
}

// RemoteTrack is a media track received from a peer.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// MediaSource acquires capture devices.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (LocalTrack, error)
}

// Slot is one outgoing track position on a media channel.
type Slot interface {
	Kind() domain.MediaKind
	Track() LocalTrack
	// Replace swaps the payload in place. A nil track clears the slot.
	Replace(track LocalTrack) error
	// Negotiated reports whether the slot was part of the last completed negotiation.
	Negotiated() bool
}

// ChannelHandlers are the callbacks a media channel reports through.
type ChannelHandlers struct {
	OnCandidate   func(domain.ICECandidate)
	OnStateChange func(domain.ChannelState)
	OnRemoteTrack func(RemoteTrack)
}

// MediaChannel is one encrypted peer-to-peer media channel.
type MediaChannel interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	// AddCandidate applies a remote candidate, buffering it until a remote description exists.
	AddCandidate(ctx context.Context, c domain.ICECandidate) error
	// AddSlot adds a new outgoing slot carrying track.
	AddSlot(track LocalTrack) (Slot, error)
	Close() error
}

// ChannelFactory opens media channels to remote connections.
type ChannelFactory interface {
	NewChannel(remote domain.ConnID, handlers ChannelHandlers) (MediaChannel, error)
}

// SignalSender sends handshake data to a remote connection.
type SignalSender interface {
	SendSignal(ctx context.Context, to domain.ConnID, data domain.SignalData) error
}
