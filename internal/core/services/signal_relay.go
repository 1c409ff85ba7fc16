package services

import (
	"context"
	"encoding/json"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"go.uber.org/zap"
)

// SignalRelay routes envelopes to connections by id. It never inspects
// handshake data. Targets not held by this process go to the fanout once per
// call, when one is configured.
type SignalRelay struct {
	rooms     ports.RoomRepository
	transport ports.Transport
	fanout    ports.Fanout
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
}

func NewSignalRelay(rooms ports.RoomRepository, transport ports.Transport, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *SignalRelay {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SignalRelay{
		rooms:     rooms,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetFanout enables cross-instance delivery. Call before serving traffic.
func (r *SignalRelay) SetFanout(f ports.Fanout) {
	r.fanout = f
}

// Relay forwards handshake data to one connection and reports whether it was
// handed to a transport. Local deliveries count as relayed and fanout
// publishes as published; unknown targets are dropped.
func (r *SignalRelay) Relay(ctx context.Context, to, from domain.ConnID, data json.RawMessage) bool {
	env, err := domain.NewEnvelope(domain.EventSignal, domain.SignalPayload{
		To:   to,
		From: from,
		Data: data,
	})
	if err != nil {
		r.logger.Warnw("failed to encode signal", "from", from, "to", to, "error", err)
		r.metrics.SignalDropped()
		return false
	}

	if r.transport.Deliver(to, env) {
		r.metrics.SignalRelayed()
		return true
	}
	if r.publish(ctx, []domain.ConnID{to}, env) {
		r.metrics.SignalPublished()
		return true
	}
	r.logger.Debugw("signal target not connected, dropping", "from", from, "to", to)
	r.metrics.SignalDropped()
	return false
}

// Send delivers env to a single connection.
func (r *SignalRelay) Send(ctx context.Context, to domain.ConnID, env domain.Envelope) bool {
	if r.transport.Deliver(to, env) {
		return true
	}
	return r.publish(ctx, []domain.ConnID{to}, env)
}

// BroadcastToRoom delivers env to every member of room except one connection
// and returns the number of recipients.
func (r *SignalRelay) BroadcastToRoom(ctx context.Context, room domain.RoomID, except domain.ConnID, env domain.Envelope) int {
	members, err := r.rooms.Members(ctx, room)
	if err != nil {
		r.logger.Errorw("failed to load room members", "room_id", room, "error", err)
		return 0
	}
	return r.broadcast(ctx, members, except, env)
}

func (r *SignalRelay) broadcast(ctx context.Context, members []domain.Participant, except domain.ConnID, env domain.Envelope) int {
	var remote []domain.ConnID
	delivered := 0
	for _, p := range members {
		if p.ConnID == except {
			continue
		}
		if r.transport.Deliver(p.ConnID, env) {
			delivered++
			continue
		}
		remote = append(remote, p.ConnID)
	}
	if len(remote) > 0 && r.publish(ctx, remote, env) {
		delivered += len(remote)
	}
	r.metrics.EventBroadcast(env.Type, delivered)
	return delivered
}

func (r *SignalRelay) publish(ctx context.Context, targets []domain.ConnID, env domain.Envelope) bool {
	if r.fanout == nil {
		return false
	}
	if err := r.fanout.Publish(ctx, targets, env); err != nil {
		r.logger.Warnw("failed to publish to fanout", "event", env.Type, "targets", len(targets), "error", err)
		return false
	}
	return true
}

type noopMetrics struct{}

func (noopMetrics) ParticipantJoined(domain.RoomID)       {}
func (noopMetrics) ParticipantLeft(domain.RoomID, string) {}
func (noopMetrics) RoomClosed(domain.RoomID)              {}
func (noopMetrics) SignalRelayed()                        {}
func (noopMetrics) SignalPublished()                      {}
func (noopMetrics) SignalDropped()                        {}
func (noopMetrics) EventBroadcast(domain.EventType, int)  {}
func (noopMetrics) ChatMessage()                          {}
