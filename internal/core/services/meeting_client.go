package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"go.uber.org/zap"
)

type MeetingConfig struct {
	Room             domain.RoomID
	Name             string
	InitialMedia     []domain.MediaKind
	MediaWait        time.Duration
	AnswerTimeout    time.Duration
	ChatDedupeWindow time.Duration
}

// MeetingClient is one participant: it turns server events into orchestrator
// calls, keeps the chat log and owns leaving.
type MeetingClient struct {
	conn         ports.ServerConnection
	cfg          MeetingConfig
	media        *LocalMedia
	orchestrator *PeerOrchestrator
	tracks       *TrackSynchronizer
	chat         *ChatLog
	logger       *zap.SugaredLogger

	// OnMessage is called for each chat message kept from the server.
	OnMessage func(domain.ChatMessage)
	// OnServerError is called for error events addressed to this client.
	OnServerError func(domain.ErrorPayload)

	wg        sync.WaitGroup
	leaveOnce sync.Once
	leaveErr  error
}

func NewMeetingClient(conn ports.ServerConnection, factory ports.ChannelFactory, source ports.MediaSource, cfg MeetingConfig, logger *zap.SugaredLogger) *MeetingClient {
	cfg.Name = domain.DisplayName(cfg.Name)
	media := NewLocalMedia()
	orchestrator := NewPeerOrchestrator(factory, envelopeSignaler{conn: conn}, media, cfg.MediaWait, logger)
	orchestrator.SetAnswerTimeout(cfg.AnswerTimeout)
	return &MeetingClient{
		conn:         conn,
		cfg:          cfg,
		media:        media,
		orchestrator: orchestrator,
		tracks:       NewTrackSynchronizer(media, source, orchestrator, logger),
		chat:         NewChatLog(cfg.ChatDedupeWindow),
		logger:       logger,
	}
}

func (c *MeetingClient) Orchestrator() *PeerOrchestrator { return c.orchestrator }
func (c *MeetingClient) Tracks() *TrackSynchronizer      { return c.tracks }
func (c *MeetingClient) Chat() *ChatLog                  { return c.chat }

// Join asks the server to join the configured room while initial devices
// are acquired in the background.
func (c *MeetingClient) Join(ctx context.Context) error {
	if c.cfg.Room == "" {
		return domain.ErrRoomRequired
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.acquireInitialMedia(ctx)
	}()

	env, err := domain.NewEnvelope(domain.EventJoinMeeting, domain.JoinMeetingPayload{
		Room: c.cfg.Room,
		Name: c.cfg.Name,
	})
	if err != nil {
		return err
	}
	if err := c.conn.Send(ctx, env); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	c.logger.Infow("joining room", "room_id", c.cfg.Room, "name", c.cfg.Name)
	return nil
}

func (c *MeetingClient) acquireInitialMedia(ctx context.Context) {
	defer c.media.MarkSettled()
	for _, kind := range c.cfg.InitialMedia {
		var err error
		switch kind {
		case domain.KindAudio:
			err = c.tracks.SetMicrophone(ctx, true)
		case domain.KindVideo:
			err = c.tracks.SetCamera(ctx, true)
		case domain.KindScreen:
			err = c.tracks.SetScreenShare(ctx, true)
		}
		if err != nil {
			c.logger.Warnw("failed to start local media", "kind", kind, "error", err)
		}
	}
}

// Run dispatches server events until incoming is closed or ctx ends.
func (c *MeetingClient) Run(ctx context.Context, incoming <-chan domain.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-incoming:
			if !ok {
				return nil
			}
			if err := c.dispatch(ctx, env); err != nil {
				c.logger.Warnw("failed to handle server event", "event", env.Type, "error", err)
			}
		}
	}
}

func (c *MeetingClient) dispatch(ctx context.Context, env domain.Envelope) error {
	switch env.Type {
	case domain.EventJoinedRoom:
		var p domain.JoinedRoomPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.logger.Infow("joined room", "room_id", p.Room, "self_id", p.SelfID, "members", len(p.Members))
		c.orchestrator.HandleJoined(ctx, p.SelfID, p.Members)

	case domain.EventUserJoined:
		var p domain.UserJoinedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.orchestrator.HandleUserJoined(ctx, domain.Member{ConnID: p.ConnID, Name: p.Name})

	case domain.EventUserLeft:
		var p domain.UserLeftPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.logger.Infow("participant left", "remote_id", p.ConnID, "name", p.Name)
		c.orchestrator.HandleUserLeft(domain.Member{ConnID: p.ConnID, Name: p.Name})

	case domain.EventSignal:
		var p domain.SignalPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		data, err := domain.ParseSignalData(p.Data)
		if err != nil {
			return err
		}
		c.orchestrator.HandleSignal(ctx, p.From, data)

	case domain.EventNewMessage:
		var p domain.NewMessagePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		msg := domain.ChatMessage{Sender: p.Sender, Text: p.Text, Timestamp: p.Timestamp}
		if c.chat.AppendRemote(msg) && c.OnMessage != nil {
			c.OnMessage(msg)
		}

	case domain.EventError:
		var p domain.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.logger.Warnw("server rejected request", "code", p.Code, "message", p.Message)
		if c.OnServerError != nil {
			c.OnServerError(p)
		}

	default:
		c.logger.Debugw("ignoring unknown event", "event", env.Type)
	}
	return nil
}

// SendChat sends text to the room and echoes it locally.
func (c *MeetingClient) SendChat(ctx context.Context, text string) (domain.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ChatMessage{}, domain.ErrEmptyMessage
	}
	env, err := domain.NewEnvelope(domain.EventSendMessage, domain.SendMessagePayload{
		Room:   c.cfg.Room,
		Sender: c.cfg.Name,
		Text:   text,
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if err := c.conn.Send(ctx, env); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("send chat: %w", err)
	}
	return c.chat.AppendLocal(c.cfg.Name, text), nil
}

// Leave releases every link and device, tells the server and closes the
// connection. Only the first call does anything.
func (c *MeetingClient) Leave(ctx context.Context) error {
	c.leaveOnce.Do(func() {
		c.orchestrator.Close()
		c.wg.Wait()
		c.tracks.StopAll()

		env, err := domain.NewEnvelope(domain.EventLeaveMeeting, domain.LeaveMeetingPayload{Room: c.cfg.Room})
		if err == nil {
			err = c.conn.Send(ctx, env)
		}
		if closeErr := c.conn.Close(); err == nil {
			err = closeErr
		}
		c.leaveErr = err
		c.logger.Infow("left room", "room_id", c.cfg.Room)
	})
	return c.leaveErr
}

// envelopeSignaler sends handshake data as signal envelopes over the server connection.
type envelopeSignaler struct {
	conn ports.ServerConnection
}

func (s envelopeSignaler) SendSignal(ctx context.Context, to domain.ConnID, data domain.SignalData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	env, err := domain.NewEnvelope(domain.EventSignal, domain.SignalPayload{To: to, Data: raw})
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, env)
}
