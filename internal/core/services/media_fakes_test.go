package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"
)

var trackSeq atomic.Int64

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.MediaKind
	enabled bool
	stopped bool
	onEnded func()
}

func newFakeTrack(kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{id: fmt.Sprintf("%s-%d", kind, trackSeq.Add(1)), kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// end simulates the device ending by itself.
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.stopped = true
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeSource struct {
	mu       sync.Mutex
	acquired map[domain.MediaKind][]*fakeTrack
	fail     map[domain.MediaKind]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		acquired: make(map[domain.MediaKind][]*fakeTrack),
		fail:     make(map[domain.MediaKind]bool),
	}
}

func (s *fakeSource) Acquire(ctx context.Context, kind domain.MediaKind) (ports.LocalTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[kind] {
		return nil, errors.New("permission denied")
	}
	track := newFakeTrack(kind)
	s.acquired[kind] = append(s.acquired[kind], track)
	return track, nil
}

func (s *fakeSource) last(kind domain.MediaKind) *fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.acquired[kind]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeSlot struct {
	mu         sync.Mutex
	kind       domain.MediaKind
	track      ports.LocalTrack
	negotiated bool
	replaced   int
}

func (s *fakeSlot) Kind() domain.MediaKind { return s.kind }

func (s *fakeSlot) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSlot) Replace(track ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *fakeSlot) Negotiated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// fakeChannel models the offer/answer state machine closely enough to catch
// misuse: offers need no pending remote offer, answers need a pending local
// offer. Setting applyErr makes remote descriptions and candidates fail.
type fakeChannel struct {
	mu          sync.Mutex
	remote      domain.ConnID
	handlers    ports.ChannelHandlers
	slots       []*fakeSlot
	offers      int
	answers     int
	localOffer  bool
	remoteOffer bool
	hasRemote   bool
	candidates  []domain.ICECandidate
	buffered    []domain.ICECandidate
	closed      bool
	closeCalls  int
	applyErr    error
}

func (c *fakeChannel) failApplies(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyErr = err
}

func (c *fakeChannel) markNegotiatedLocked() {
	for _, s := range c.slots {
		s.mu.Lock()
		s.negotiated = true
		s.mu.Unlock()
	}
}

func (c *fakeChannel) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.SessionDescription{}, errors.New("closed")
	}
	if c.remoteOffer {
		return domain.SessionDescription{}, errors.New("offer in wrong signaling state")
	}
	c.offers++
	c.localOffer = true
	c.markNegotiatedLocked()
	return domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d-slots-%d", c.offers, len(c.slots))}, nil
}

func (c *fakeChannel) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteOffer {
		return domain.SessionDescription{}, errors.New("answer without remote offer")
	}
	c.answers++
	c.remoteOffer = false
	c.markNegotiatedLocked()
	return domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("answer-%d", c.answers)}, nil
}

func (c *fakeChannel) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.applyErr != nil {
		return c.applyErr
	}
	switch desc.Type {
	case "offer":
		if c.localOffer {
			return errors.New("glare")
		}
		c.remoteOffer = true
	case "answer":
		if !c.localOffer {
			return errors.New("answer without local offer")
		}
		c.localOffer = false
	}
	c.hasRemote = true
	c.candidates = append(c.candidates, c.buffered...)
	c.buffered = nil
	return nil
}

func (c *fakeChannel) AddCandidate(ctx context.Context, cand domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applyErr != nil {
		return c.applyErr
	}
	if c.hasRemote {
		c.candidates = append(c.candidates, cand)
	} else {
		c.buffered = append(c.buffered, cand)
	}
	return nil
}

func (c *fakeChannel) AddSlot(track ports.LocalTrack) (ports.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("closed")
	}
	slot := &fakeSlot{kind: track.Kind(), track: track}
	c.slots = append(c.slots, slot)
	return slot, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	already := c.closed
	c.closed = true
	onState := c.handlers.OnStateChange
	c.mu.Unlock()
	if !already && onState != nil {
		onState(domain.ChannelClosed)
	}
	return nil
}

func (c *fakeChannel) stats() (offers, answers, slots, closeCalls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers, c.answers, len(c.slots), c.closeCalls
}

type fakeFactory struct {
	mu       sync.Mutex
	channels map[domain.ConnID][]*fakeChannel
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{channels: make(map[domain.ConnID][]*fakeChannel)}
}

func (f *fakeFactory) NewChannel(remote domain.ConnID, handlers ports.ChannelHandlers) (ports.MediaChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{remote: remote, handlers: handlers}
	f.channels[remote] = append(f.channels[remote], ch)
	return ch, nil
}

func (f *fakeFactory) channel(remote domain.ConnID) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.channels[remote]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeFactory) count(remote domain.ConnID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels[remote])
}

type sentSignal struct {
	to   domain.ConnID
	data domain.SignalData
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (s *recordingSignaler) SendSignal(ctx context.Context, to domain.ConnID, data domain.SignalData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentSignal{to: to, data: data})
	return nil
}

func (s *recordingSignaler) kinds(to domain.ConnID) []domain.SignalKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SignalKind
	for _, sig := range s.sent {
		if sig.to == to {
			out = append(out, sig.data.Kind)
		}
	}
	return out
}

// meshNetwork wires orchestrators together so signals sent by one are
// applied by the addressed one on its own goroutine, in order.
type meshNetwork struct {
	mu     sync.Mutex
	peers  map[domain.ConnID]*meshPeer
	all    []*meshPeer
	closed bool
	wg     sync.WaitGroup
}

type meshPeer struct {
	id      domain.ConnID
	orch    *PeerOrchestrator
	factory *fakeFactory
	media   *LocalMedia
	source  *fakeSource
	tracks  *TrackSynchronizer
	inbox   chan sentSignalFrom
}

type sentSignalFrom struct {
	from domain.ConnID
	data domain.SignalData
}

type meshSignaler struct {
	net  *meshNetwork
	from domain.ConnID
}

func (s meshSignaler) SendSignal(ctx context.Context, to domain.ConnID, data domain.SignalData) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	peer, ok := s.net.peers[to]
	if !ok || s.net.closed {
		return nil
	}
	peer.inbox <- sentSignalFrom{from: s.from, data: data}
	return nil
}
