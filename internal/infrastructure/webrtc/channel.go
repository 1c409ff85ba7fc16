package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"
	"navideo/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Minimum transceivers kept in every offer so the answering side always has
// a section for its microphone, camera and screen. Missing ones are added as
// silent send-receive placeholders that a later local slot can take over.
const (
	minAudioTransceivers = 1
	minVideoTransceivers = 2
)

var ErrForeignTrack = errors.New("track was not captured by this media stack")

// PionTrack is a local track backed by a pion TrackLocal.
type PionTrack interface {
	ports.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFromApp maps the webrtc section of the application config.
func ConfigFromApp(cfg *config.Config) WebRTCConfig {
	var out WebRTCConfig
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// ChannelFactory opens pion peer connections. It implements ports.ChannelFactory.
type ChannelFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewChannelFactory(cfg WebRTCConfig, logger *zap.SugaredLogger) (*ChannelFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	return &ChannelFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *ChannelFactory) NewChannel(remote domain.ConnID, handlers ports.ChannelHandlers) (ports.MediaChannel, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ch := &Channel{
		remote:   remote,
		pc:       pc,
		handlers: handlers,
		logger:   f.logger.With("remote_id", remote),
	}

	pc.OnICECandidate(ch.onICECandidate)
	pc.OnConnectionStateChange(ch.onConnectionState)
	pc.OnTrack(ch.onTrack)
	return ch, nil
}

// Channel is one pion peer connection. It implements ports.MediaChannel.
type Channel struct {
	remote   domain.ConnID
	pc       *webrtc.PeerConnection
	handlers ports.ChannelHandlers
	logger   *zap.SugaredLogger

	mu           sync.Mutex
	slots        []*Slot
	placeholders []*webrtc.RTPTransceiver
	pending      []webrtc.ICECandidateInit
	hasRemote    bool
	closeOnce    sync.Once
	closeErr     error
}

func (c *Channel) onICECandidate(cand *webrtc.ICECandidate) {
	if cand == nil || c.handlers.OnCandidate == nil {
		return
	}
	init := cand.ToJSON()
	c.handlers.OnCandidate(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (c *Channel) onConnectionState(state webrtc.PeerConnectionState) {
	c.logger.Debugw("peer connection state changed", "state", state.String())
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(channelState(state))
	}
}

func channelState(state webrtc.PeerConnectionState) domain.ChannelState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ChannelConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ChannelConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ChannelDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ChannelFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ChannelClosed
	default:
		return domain.ChannelNew
	}
}

func (c *Channel) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	remote := &RemoteTrack{track: track}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// ask for a keyframe so decoding can start right away
		if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			c.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
		}
	}
	go remote.drain()

	if c.handlers.OnRemoteTrack != nil {
		c.handlers.OnRemoteTrack(remote)
	}
}

// ensureTransceivers adds placeholder transceivers up to the minimum per kind.
func (c *Channel) ensureTransceivers() error {
	counts := map[webrtc.RTPCodecType]int{}
	for _, t := range c.pc.GetTransceivers() {
		if t.Direction() != webrtc.RTPTransceiverDirectionInactive {
			counts[t.Kind()]++
		}
	}

	want := map[webrtc.RTPCodecType]int{
		webrtc.RTPCodecTypeAudio: minAudioTransceivers,
		webrtc.RTPCodecTypeVideo: minVideoTransceivers,
	}
	for kind, n := range want {
		for i := counts[kind]; i < n; i++ {
			t, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
			c.placeholders = append(c.placeholders, t)
			go drainRTCP(t.Sender())
		}
	}
	return nil
}

// claimPlaceholder moves local onto a free placeholder of the same kind.
func (c *Channel) claimPlaceholder(local webrtc.TrackLocal) *webrtc.RTPTransceiver {
	for i, t := range c.placeholders {
		if t.Kind() != local.Kind() || t.Sender() == nil {
			continue
		}
		if err := t.Sender().ReplaceTrack(local); err != nil {
			c.logger.Debugw("placeholder rejected track", "kind", local.Kind().String(), "error", err)
			continue
		}
		c.placeholders = append(c.placeholders[:i], c.placeholders[i+1:]...)
		return t
	}
	return nil
}

func (c *Channel) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureTransceivers(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	c.markSlotsLocked()
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *Channel) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	c.markSlotsLocked()
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *Channel) markSlotsLocked() {
	for _, s := range c.slots {
		s.described.Store(true)
	}
}

func (c *Channel) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType != webrtc.SDPTypeOffer && sdpType != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: unsupported description type %q", domain.ErrInvalidSignal, desc.Type)
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	c.hasRemote = true

	pending := c.pending
	c.pending = nil
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Debugw("failed to apply buffered candidate", "error", err)
		}
	}
	return nil
}

func (c *Channel) AddCandidate(ctx context.Context, cand domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRemote {
		c.pending = append(c.pending, init)
		return nil
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

func (c *Channel) AddSlot(track ports.LocalTrack) (ports.Slot, error) {
	pt, ok := track.(PionTrack)
	if !ok {
		return nil, ErrForeignTrack
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	local := pt.TrackLocal()
	if t := c.claimPlaceholder(local); t != nil {
		slot := &Slot{kind: track.Kind(), sender: t.Sender(), transceiver: t, track: track}
		// placeholders are created right before a local description
		slot.described.Store(t.Mid() != "")
		c.slots = append(c.slots, slot)
		return slot, nil
	}

	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	slot := &Slot{kind: track.Kind(), sender: sender, track: track}
	for _, t := range c.pc.GetTransceivers() {
		if t.Sender() == sender {
			slot.transceiver = t
			break
		}
	}
	c.slots = append(c.slots, slot)

	go drainRTCP(sender)
	return slot, nil
}

// Close closes the peer connection once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

// drainRTCP reads sender reports until the sender stops so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}

// Slot is one outgoing sender on a Channel.
type Slot struct {
	kind        domain.MediaKind
	sender      *webrtc.RTPSender
	transceiver *webrtc.RTPTransceiver
	described   atomic.Bool

	mu    sync.Mutex
	track ports.LocalTrack
}

func (s *Slot) Kind() domain.MediaKind { return s.kind }

func (s *Slot) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Replace swaps the outgoing track without renegotiation. Nil sends nothing.
func (s *Slot) Replace(track ports.LocalTrack) error {
	var local webrtc.TrackLocal
	if track != nil {
		pt, ok := track.(PionTrack)
		if !ok {
			return ErrForeignTrack
		}
		local = pt.TrackLocal()
	}
	if err := s.sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", s.kind, err)
	}

	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

func (s *Slot) Negotiated() bool {
	return s.described.Load() && s.transceiver != nil && s.transceiver.Mid() != ""
}

// RemoteTrack wraps a received pion track and counts what arrives on it.
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	packets atomic.Int64
	bytes   atomic.Int64
}

func (t *RemoteTrack) ID() string   { return t.track.ID() }
func (t *RemoteTrack) Kind() string { return t.track.Kind().String() }

// Stats returns the number of RTP packets and payload bytes received so far.
func (t *RemoteTrack) Stats() (packets, bytes int64) {
	return t.packets.Load(), t.bytes.Load()
}

func (t *RemoteTrack) drain() {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := t.track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		t.packets.Add(1)
		t.bytes.Add(int64(len(pkt.Payload)))
	}
}
