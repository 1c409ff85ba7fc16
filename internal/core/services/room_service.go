package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"
	"navideo/pkg/retry"
	"navideo/pkg/validation"

	"go.uber.org/zap"
)

const (
	leaveReasonLeft       = "left"
	leaveReasonDisconnect = "disconnected"
)

// leaveRetry bounds how long a departure keeps trying the registry.
var leaveRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

type session struct {
	mu    sync.Mutex
	id    domain.ConnID
	state domain.ConnState
	room  domain.RoomID
	name  string
}

// RoomService is the connection lifecycle manager. Every connection moves
// Unjoined -> Joined -> Left|Disconnected and the move out of Joined happens
// exactly once, under the session lock.
type RoomService struct {
	rooms   ports.RoomRepository
	relay   *SignalRelay
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	now     func() time.Time
	retry   retry.Config

	mu       sync.RWMutex
	sessions map[domain.ConnID]*session
}

func NewRoomService(rooms ports.RoomRepository, relay *SignalRelay, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *RoomService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RoomService{
		rooms:    rooms,
		relay:    relay,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		retry:    leaveRetry,
		sessions: make(map[domain.ConnID]*session),
	}
}

// Connect registers a fresh, unjoined connection.
func (s *RoomService) Connect(conn domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[conn]; !exists {
		s.sessions[conn] = &session{id: conn, state: domain.StateUnjoined}
	}
}

func (s *RoomService) session(conn domain.ConnID) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[conn]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	return sess, nil
}

// State returns the lifecycle state of a registered connection.
func (s *RoomService) State(conn domain.ConnID) (domain.ConnState, bool) {
	sess, err := s.session(conn)
	if err != nil {
		return domain.StateDisconnected, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state, true
}

// Join puts conn into a room, replies joined-room to the caller and announces
// user-joined to the rest. Joining the current room again refreshes the name.
func (s *RoomService) Join(ctx context.Context, conn domain.ConnID, req domain.JoinMeetingPayload) error {
	if req.Room == "" {
		return domain.ErrRoomRequired
	}
	if err := validation.ValidateRoomID(string(req.Room)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRoomRequired, err)
	}

	sess, err := s.session(conn)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch {
	case sess.state.Terminal():
		return domain.ErrConnectionClosed
	case sess.state == domain.StateJoined && sess.room != req.Room:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyInRoom, sess.room)
	}

	name := domain.DisplayName(req.Name)
	others, err := s.rooms.Join(ctx, req.Room, conn, name)
	if err != nil {
		return fmt.Errorf("join %s: %w", req.Room, err)
	}

	rejoin := sess.state == domain.StateJoined
	sess.state = domain.StateJoined
	sess.room = req.Room
	sess.name = name

	members := make([]domain.Member, 0, len(others))
	for _, p := range others {
		members = append(members, domain.Member{ConnID: p.ConnID, Name: p.Name})
	}

	joined, err := domain.NewEnvelope(domain.EventJoinedRoom, domain.JoinedRoomPayload{
		Room:    req.Room,
		SelfID:  conn,
		Members: members,
	})
	if err != nil {
		return err
	}
	s.relay.Send(ctx, conn, joined)

	announce, err := domain.NewEnvelope(domain.EventUserJoined, domain.UserJoinedPayload{
		ConnID: conn,
		Name:   name,
	})
	if err != nil {
		return err
	}
	s.relay.broadcast(ctx, others, conn, announce)

	if !rejoin {
		s.metrics.ParticipantJoined(req.Room)
	}
	s.logger.Infow("participant joined",
		"conn_id", conn,
		"room_id", req.Room,
		"name", name,
		"members", len(others)+1,
		"rejoin", rejoin,
	)
	return nil
}

// Leave handles an explicit leave-meeting. An empty room means the current one.
func (s *RoomService) Leave(ctx context.Context, conn domain.ConnID, room domain.RoomID) error {
	sess, err := s.session(conn)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch {
	case sess.state == domain.StateUnjoined:
		return nil
	case sess.state == domain.StateJoined && room != "" && room != sess.room:
		return fmt.Errorf("%w: %s", domain.ErrNotInRoom, room)
	}
	return s.departLocked(ctx, sess, domain.StateLeft)
}

// Disconnect runs the same cleanup as Leave and forgets the connection.
func (s *RoomService) Disconnect(ctx context.Context, conn domain.ConnID) {
	s.mu.Lock()
	sess, ok := s.sessions[conn]
	delete(s.sessions, conn)
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.departLocked(ctx, sess, domain.StateDisconnected); err != nil {
		s.logger.Errorw("disconnect cleanup failed", "conn_id", conn, "error", err)
	}
}

type leaveResult struct {
	name    string
	removed bool
}

// departLocked moves sess into a terminal state. Only a Joined session
// emits user-left; every later call is a no-op.
//
// The registry removal is retried. If it still fails, an explicit leave keeps
// the session Joined and returns the error so it can be tried again. A
// disconnect cannot be tried again, so it still announces user-left.
func (s *RoomService) departLocked(ctx context.Context, sess *session, final domain.ConnState) error {
	if sess.state.Terminal() {
		return nil
	}
	if sess.state != domain.StateJoined {
		sess.state = final
		return nil
	}

	reason := leaveReasonLeft
	if final == domain.StateDisconnected {
		reason = leaveReasonDisconnect
	}

	res, err := retry.RetryWithResult(ctx, s.retry, func() (leaveResult, error) {
		name, removed, err := s.rooms.Leave(ctx, sess.room, sess.id)
		return leaveResult{name: name, removed: removed}, err
	})
	if err != nil {
		s.logger.Errorw("failed to remove participant", "conn_id", sess.id, "room_id", sess.room, "reason", reason, "error", err)
		if final == domain.StateLeft {
			return fmt.Errorf("leave %s: %w", sess.room, err)
		}
		res = leaveResult{removed: true}
	}
	sess.state = final
	if !res.removed {
		return nil
	}
	name := res.name
	if name == "" {
		name = sess.name
	}

	remaining, err := s.rooms.Members(ctx, sess.room)
	if err != nil {
		s.logger.Errorw("failed to load room members", "room_id", sess.room, "error", err)
	}

	env, err := domain.NewEnvelope(domain.EventUserLeft, domain.UserLeftPayload{ConnID: sess.id, Name: name})
	if err == nil {
		s.relay.broadcast(ctx, remaining, sess.id, env)
	}

	s.metrics.ParticipantLeft(sess.room, reason)
	if len(remaining) == 0 {
		s.metrics.RoomClosed(sess.room)
	}
	s.logger.Infow("participant left",
		"conn_id", sess.id,
		"room_id", sess.room,
		"reason", reason,
		"remaining", len(remaining),
	)
	return nil
}

// SendMessage broadcasts a chat line to the sender's room, excluding the sender.
func (s *RoomService) SendMessage(ctx context.Context, conn domain.ConnID, req domain.SendMessagePayload) error {
	if req.Room == "" {
		return domain.ErrRoomRequired
	}
	if strings.TrimSpace(req.Text) == "" {
		return domain.ErrEmptyMessage
	}
	if err := validation.ValidateChatText(req.Text); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEmptyMessage, err)
	}

	sess, err := s.session(conn)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	joined := sess.state == domain.StateJoined && sess.room == req.Room
	fallbackName := sess.name
	sess.mu.Unlock()
	if !joined {
		return fmt.Errorf("%w: %s", domain.ErrNotInRoom, req.Room)
	}

	sender := strings.TrimSpace(req.Sender)
	if sender == "" {
		sender = fallbackName
	}

	env, err := domain.NewEnvelope(domain.EventNewMessage, domain.NewMessagePayload{
		Sender:    sender,
		Text:      req.Text,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	s.relay.BroadcastToRoom(ctx, req.Room, conn, env)
	s.metrics.ChatMessage()
	return nil
}

// Signal relays handshake data, stamping the real sender id. A signal without
// a target is dropped.
func (s *RoomService) Signal(ctx context.Context, conn domain.ConnID, req domain.SignalPayload) bool {
	if req.To == "" {
		s.logger.Debugw("signal without target dropped", "conn_id", conn)
		return false
	}
	return s.relay.Relay(ctx, req.To, conn, req.Data)
}

func (s *RoomService) Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	return s.rooms.Members(ctx, room)
}

func (s *RoomService) Rooms(ctx context.Context) ([]domain.RoomSummary, error) {
	return s.rooms.Rooms(ctx)
}
