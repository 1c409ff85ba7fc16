package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultMediaWait bounds how long a new link waits for local media before
// negotiating without it.
const DefaultMediaWait = 3 * time.Second

// DefaultAnswerTimeout is how long an offer may stay unanswered before the
// link accepts a new one.
const DefaultAnswerTimeout = 10 * time.Second

// PeerOrchestrator owns one PeerLink per remote participant. The orchestrator
// lock only guards the link and roster maps; channel I/O happens under the
// lock of the link involved.
type PeerOrchestrator struct {
	factory   ports.ChannelFactory
	signaler  ports.SignalSender
	media     *LocalMedia
	logger    *zap.SugaredLogger
	mediaWait time.Duration

	answerTimeout time.Duration

	// OnRemoteTrack, when set, is called for every new remote track.
	OnRemoteTrack func(remote domain.ConnID, track ports.RemoteTrack)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	self   domain.ConnID
	links  map[domain.ConnID]*PeerLink
	roster map[domain.ConnID]string
	closed bool
}

func NewPeerOrchestrator(factory ports.ChannelFactory, signaler ports.SignalSender, media *LocalMedia, mediaWait time.Duration, logger *zap.SugaredLogger) *PeerOrchestrator {
	if mediaWait <= 0 {
		mediaWait = DefaultMediaWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerOrchestrator{
		factory:   factory,
		signaler:  signaler,
		media:     media,
		logger:    logger,
		mediaWait: mediaWait,
		ctx:       ctx,
		cancel:    cancel,
		links:     make(map[domain.ConnID]*PeerLink),
		roster:    make(map[domain.ConnID]string),

		answerTimeout: DefaultAnswerTimeout,
	}
}

// SetAnswerTimeout changes how long an offer waits for its answer. Values
// <= 0 are ignored.
func (o *PeerOrchestrator) SetAnswerTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.answerTimeout = d
}

func (o *PeerOrchestrator) Self() domain.ConnID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.self
}

// HandleJoined sets up links to everyone already in the room.
func (o *PeerOrchestrator) HandleJoined(ctx context.Context, self domain.ConnID, members []domain.Member) {
	o.mu.Lock()
	o.self = self
	o.mu.Unlock()

	for _, m := range members {
		if m.ConnID == self {
			continue
		}
		o.upsertRoster(m)
		link, created, err := o.ensureLink(m.ConnID)
		if err != nil {
			o.logger.Warnw("failed to create peer link", "remote_id", m.ConnID, "error", err)
			continue
		}
		if created {
			o.spawn(func() { o.prepare(link) })
		}
	}
}

// HandleUserJoined reacts to a newcomer. Only the initiator side creates the
// link right away; the other side waits for the offer.
func (o *PeerOrchestrator) HandleUserJoined(ctx context.Context, member domain.Member) {
	self := o.Self()
	if member.ConnID == self || member.ConnID == "" {
		return
	}
	o.upsertRoster(member)
	if !domain.IsInitiator(self, member.ConnID) {
		return
	}
	link, created, err := o.ensureLink(member.ConnID)
	if err != nil {
		o.logger.Warnw("failed to create peer link", "remote_id", member.ConnID, "error", err)
		return
	}
	if created {
		o.spawn(func() { o.prepare(link) })
	}
}

// HandleUserLeft tears down everything held for the departed participant.
func (o *PeerOrchestrator) HandleUserLeft(member domain.Member) {
	o.Teardown(member.ConnID)
}

// HandleSignal applies one handshake message from a remote participant.
// Failures are logged and leave the link in place.
func (o *PeerOrchestrator) HandleSignal(ctx context.Context, from domain.ConnID, data domain.SignalData) {
	if from == "" {
		return
	}
	if err := data.Validate(); err != nil {
		o.logger.Warnw("invalid signal", "remote_id", from, "error", err)
		return
	}

	var err error
	switch data.Kind {
	case domain.SignalOffer:
		err = o.handleOffer(ctx, from, *data.Description)
	case domain.SignalAnswer:
		err = o.handleAnswer(ctx, from, *data.Description)
	case domain.SignalCandidate:
		err = o.handleCandidate(ctx, from, *data.Candidate)
	case domain.SignalRenegotiate:
		err = o.handleRenegotiate(ctx, from)
	}
	if err != nil {
		o.logger.Warnw("failed to apply signal", "remote_id", from, "kind", data.Kind, "error", err)
	}
}

func (o *PeerOrchestrator) handleOffer(ctx context.Context, from domain.ConnID, desc domain.SessionDescription) error {
	link, _, err := o.ensureLink(from)
	if err != nil {
		return err
	}

	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		return domain.ErrPeerLinkClosed
	}
	if err := link.channel.SetRemoteDescription(ctx, desc); err != nil {
		link.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	if _, err := link.attachAllLocked(o.media); err != nil {
		o.logger.Warnw("failed to attach local tracks", "remote_id", from, "error", err)
	}
	answer, err := link.channel.CreateAnswer(ctx)
	if err != nil {
		link.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	link.started = true
	pending := !link.initiator && link.unnegotiatedLocked()
	link.mu.Unlock()

	if err := o.signaler.SendSignal(ctx, from, domain.AnswerSignal(answer.SDP)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	if pending {
		return o.signaler.SendSignal(ctx, from, domain.RenegotiateSignal())
	}
	return nil
}

func (o *PeerOrchestrator) handleAnswer(ctx context.Context, from domain.ConnID, desc domain.SessionDescription) error {
	link, ok := o.Link(from)
	if !ok {
		return fmt.Errorf("answer from %s: %w", from, domain.ErrPeerLinkNotFound)
	}

	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		return domain.ErrPeerLinkClosed
	}
	link.awaitingAnswer = false
	again := link.offerQueued
	link.offerQueued = false
	err := link.channel.SetRemoteDescription(ctx, desc)
	if err == nil {
		again = again || link.unnegotiatedLocked()
	} else {
		// the next trigger still owes the remote an offer
		link.offerQueued = again
	}
	link.mu.Unlock()

	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	if again {
		return o.negotiate(ctx, link)
	}
	return nil
}

func (o *PeerOrchestrator) handleCandidate(ctx context.Context, from domain.ConnID, c domain.ICECandidate) error {
	link, _, err := o.ensureLink(from)
	if err != nil {
		return err
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if link.closed {
		return domain.ErrPeerLinkClosed
	}
	return link.channel.AddCandidate(ctx, c)
}

func (o *PeerOrchestrator) handleRenegotiate(ctx context.Context, from domain.ConnID) error {
	link, ok := o.Link(from)
	if !ok {
		return fmt.Errorf("renegotiate from %s: %w", from, domain.ErrPeerLinkNotFound)
	}
	if !link.initiator {
		o.logger.Debugw("ignoring renegotiate on responder side", "remote_id", from)
		return nil
	}
	return o.negotiate(ctx, link)
}

// prepare waits for local media, attaches it and opens negotiation when
// this side is the initiator.
func (o *PeerOrchestrator) prepare(link *PeerLink) {
	if !o.media.WaitReady(o.ctx, o.mediaWait) {
		o.logger.Debugw("local media not ready, negotiating without it", "remote_id", link.remote)
	}

	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		return
	}
	added, err := link.attachAllLocked(o.media)
	if err != nil {
		o.logger.Warnw("failed to attach local tracks", "remote_id", link.remote, "error", err)
	}
	// a responder that already answered needs a new offer for late slots
	askOffer := !link.initiator && link.started && added
	if link.initiator {
		link.started = true
	}
	link.mu.Unlock()

	switch {
	case link.initiator:
		err = o.negotiate(o.ctx, link)
	case askOffer:
		err = o.signaler.SendSignal(o.ctx, link.remote, domain.RenegotiateSignal())
	default:
		return
	}
	if err != nil && !errors.Is(err, domain.ErrPeerLinkClosed) {
		o.logger.Warnw("failed to start negotiation", "remote_id", link.remote, "error", err)
	}
}

// negotiate sends an offer, or queues one while another is unanswered.
func (o *PeerOrchestrator) negotiate(ctx context.Context, link *PeerLink) error {
	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		return domain.ErrPeerLinkClosed
	}
	if link.awaitingAnswer {
		link.offerQueued = true
		link.mu.Unlock()
		return nil
	}
	offer, err := link.channel.CreateOffer(ctx)
	if err != nil {
		link.mu.Unlock()
		return fmt.Errorf("create offer: %w", err)
	}
	link.awaitingAnswer = true
	link.offerGen++
	gen := link.offerGen
	link.mu.Unlock()

	o.spawn(func() { o.expireOffer(link, gen) })

	o.logger.Debugw("sending offer", "remote_id", link.remote)
	return o.signaler.SendSignal(ctx, link.remote, domain.OfferSignal(offer.SDP))
}

// expireOffer gives up on offer gen once the answer timeout passes, so a
// responder that failed to apply it does not block the link. A queued
// renegotiation is sent right away.
func (o *PeerOrchestrator) expireOffer(link *PeerLink, gen uint64) {
	o.mu.Lock()
	timeout := o.answerTimeout
	o.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-o.ctx.Done():
		return
	case <-timer.C:
	}

	link.mu.Lock()
	if link.closed || !link.awaitingAnswer || link.offerGen != gen {
		link.mu.Unlock()
		return
	}
	link.awaitingAnswer = false
	again := link.offerQueued
	link.offerQueued = false
	link.mu.Unlock()

	o.logger.Warnw("offer was not answered in time", "remote_id", link.remote, "timeout", timeout)
	if !again {
		return
	}
	if err := o.negotiate(o.ctx, link); err != nil && !errors.Is(err, domain.ErrPeerLinkClosed) {
		o.logger.Warnw("failed to renegotiate", "remote_id", link.remote, "error", err)
	}
}

// Propagate pushes the current local track of kind to every link. Links that
// gained a slot renegotiate: the initiator offers, the responder asks for an offer.
func (o *PeerOrchestrator) Propagate(ctx context.Context, kind domain.MediaKind) {
	track := o.media.Get(kind)
	for _, link := range o.Links() {
		link.mu.Lock()
		added, err := link.attachLocked(kind, track)
		started := link.started
		link.mu.Unlock()

		if err != nil {
			if !errors.Is(err, domain.ErrPeerLinkClosed) {
				o.logger.Warnw("failed to update slot", "remote_id", link.remote, "kind", kind, "error", err)
			}
			continue
		}
		if !added || !started {
			continue
		}
		if link.initiator {
			err = o.negotiate(ctx, link)
		} else {
			err = o.signaler.SendSignal(ctx, link.remote, domain.RenegotiateSignal())
		}
		if err != nil {
			o.logger.Warnw("failed to renegotiate", "remote_id", link.remote, "kind", kind, "error", err)
		}
	}
}

func (o *PeerOrchestrator) ensureLink(remote domain.ConnID) (*PeerLink, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false, domain.ErrPeerLinkClosed
	}
	if link, ok := o.links[remote]; ok {
		return link, false, nil
	}

	link := newPeerLink(remote, domain.IsInitiator(o.self, remote))
	channel, err := o.factory.NewChannel(remote, ports.ChannelHandlers{
		OnCandidate: func(c domain.ICECandidate) {
			if err := o.signaler.SendSignal(o.ctx, remote, domain.CandidateSignal(c)); err != nil {
				o.logger.Debugw("failed to send candidate", "remote_id", remote, "error", err)
			}
		},
		OnStateChange: func(state domain.ChannelState) {
			o.logger.Debugw("channel state changed", "remote_id", remote, "state", state)
			if state.Terminal() {
				o.spawn(func() { o.teardownLink(link) })
			}
		},
		OnRemoteTrack: func(track ports.RemoteTrack) {
			link.addRemoteTrack(track)
			if o.OnRemoteTrack != nil {
				o.OnRemoteTrack(remote, track)
			}
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("open channel to %s: %w", remote, err)
	}
	link.channel = channel
	o.links[remote] = link
	o.logger.Debugw("peer link created", "remote_id", remote, "initiator", link.initiator)
	return link, true, nil
}

func (o *PeerOrchestrator) upsertRoster(m domain.Member) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.roster[m.ConnID] = domain.DisplayName(m.Name)
	}
}

// Teardown drops the link and roster entry for remote. It is idempotent.
func (o *PeerOrchestrator) Teardown(remote domain.ConnID) {
	o.mu.Lock()
	link := o.links[remote]
	delete(o.links, remote)
	delete(o.roster, remote)
	o.mu.Unlock()

	if link != nil {
		o.closeLink(link)
	}
}

// teardownLink removes link and its roster entry only if it is still the
// registered one for its remote.
func (o *PeerOrchestrator) teardownLink(link *PeerLink) {
	o.mu.Lock()
	if o.links[link.remote] == link {
		delete(o.links, link.remote)
		delete(o.roster, link.remote)
	}
	o.mu.Unlock()
	o.closeLink(link)
}

func (o *PeerOrchestrator) closeLink(link *PeerLink) {
	if err := link.close(); err != nil {
		o.logger.Debugw("error closing channel", "remote_id", link.remote, "error", err)
	}
}

// Close tears down every link and stops background work.
func (o *PeerOrchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	links := make([]*PeerLink, 0, len(o.links))
	for _, link := range o.links {
		links = append(links, link)
	}
	o.links = make(map[domain.ConnID]*PeerLink)
	o.roster = make(map[domain.ConnID]string)
	o.mu.Unlock()

	o.cancel()
	for _, link := range links {
		o.closeLink(link)
	}
	o.wg.Wait()
}

// spawn runs fn in the background unless the orchestrator is closed.
func (o *PeerOrchestrator) spawn(fn func()) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Link returns the link to remote, if any.
func (o *PeerOrchestrator) Link(remote domain.ConnID) (*PeerLink, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	link, ok := o.links[remote]
	return link, ok
}

// Links returns the live links ordered by remote id.
func (o *PeerOrchestrator) Links() []*PeerLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	links := make([]*PeerLink, 0, len(o.links))
	for _, link := range o.links {
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].remote < links[j].remote })
	return links
}

// Roster returns known remote participants by id.
func (o *PeerOrchestrator) Roster() map[domain.ConnID]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[domain.ConnID]string, len(o.roster))
	for id, name := range o.roster {
		out[id] = name
	}
	return out
}
