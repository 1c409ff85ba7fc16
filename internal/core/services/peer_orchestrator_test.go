package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"navideo/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type orchFixture struct {
	orch     *PeerOrchestrator
	factory  *fakeFactory
	signaler *recordingSignaler
	media    *LocalMedia
}

func newOrchFixture(t *testing.T, tracks ...domain.MediaKind) *orchFixture {
	t.Helper()
	media := NewLocalMedia()
	for _, k := range tracks {
		media.Set(k, newFakeTrack(k))
	}
	media.MarkSettled()
	f := &orchFixture{
		factory:  newFakeFactory(),
		signaler: &recordingSignaler{},
		media:    media,
	}
	f.orch = NewPeerOrchestrator(f.factory, f.signaler, media, 100*time.Millisecond, zap.NewNop().Sugar())
	t.Cleanup(f.orch.Close)
	return f
}

func (f *orchFixture) kindsEventually(t *testing.T, to domain.ConnID, want ...domain.SignalKind) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got := f.signaler.kinds(to)
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, tick, "signals to %s", to)
}

func TestPeerOrchestrator_HandleJoinedOffersOnlyAsInitiator(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio, domain.KindVideo)

	f.orch.HandleJoined(context.Background(), "b", []domain.Member{{ConnID: "a", Name: "Alice"}, {ConnID: "c", Name: ""}})

	f.kindsEventually(t, "c", domain.SignalOffer)
	assert.Empty(t, f.signaler.kinds("a"))

	require.Len(t, f.orch.Links(), 2)
	linkA, ok := f.orch.Link("a")
	require.True(t, ok)
	assert.False(t, linkA.Initiator())
	linkC, _ := f.orch.Link("c")
	assert.True(t, linkC.Initiator())

	assert.Eventually(t, func() bool {
		return len(linkA.SlotKinds()) == 2 && len(linkC.SlotKinds()) == 2
	}, waitFor, tick)

	roster := f.orch.Roster()
	assert.Equal(t, "Alice", roster["a"])
	assert.Equal(t, domain.DefaultDisplayName, roster["c"])
}

func TestPeerOrchestrator_HandleUserJoined(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "m", nil)

	f.orch.HandleUserJoined(ctx, domain.Member{ConnID: "m", Name: "me"})
	f.orch.HandleUserJoined(ctx, domain.Member{ConnID: "a", Name: "Alice"})
	f.orch.HandleUserJoined(ctx, domain.Member{ConnID: "z", Name: "Zed"})

	f.kindsEventually(t, "z", domain.SignalOffer)
	_, ok := f.orch.Link("a")
	assert.False(t, ok, "responder waits for the offer")
	assert.Len(t, f.orch.Roster(), 2)
}

func TestPeerOrchestrator_OfferIsAnsweredWithLocalTracks(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio, domain.KindVideo)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "b", nil)

	f.orch.HandleSignal(ctx, "a", domain.CandidateSignal(domain.ICECandidate{Candidate: "candidate:1"}))
	ch := f.factory.channel("a")
	require.NotNil(t, ch)
	ch.mu.Lock()
	assert.Len(t, ch.buffered, 1)
	ch.mu.Unlock()

	f.orch.HandleSignal(ctx, "a", domain.OfferSignal("remote-offer"))

	f.kindsEventually(t, "a", domain.SignalAnswer)
	assert.Equal(t, 1, f.factory.count("a"))
	_, answers, slots, _ := ch.stats()
	assert.Equal(t, 1, answers)
	assert.Equal(t, 2, slots)
	ch.mu.Lock()
	assert.Len(t, ch.candidates, 1)
	assert.Empty(t, ch.buffered)
	ch.mu.Unlock()
}

func TestPeerOrchestrator_UnknownAnswerDropped(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.HandleJoined(context.Background(), "b", nil)

	f.orch.HandleSignal(context.Background(), "a", domain.AnswerSignal("x"))
	f.orch.HandleSignal(context.Background(), "a", domain.SignalData{Kind: "bogus"})

	assert.Empty(t, f.orch.Links())
	assert.Zero(t, f.factory.count("a"))
}

func TestPeerOrchestrator_OffersAreCoalesced(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "a", []domain.Member{{ConnID: "b"}})
	f.kindsEventually(t, "b", domain.SignalOffer)

	// two slots added while the first offer is unanswered
	f.media.Set(domain.KindVideo, newFakeTrack(domain.KindVideo))
	f.orch.Propagate(ctx, domain.KindVideo)
	f.media.Set(domain.KindScreen, newFakeTrack(domain.KindScreen))
	f.orch.Propagate(ctx, domain.KindScreen)

	ch := f.factory.channel("b")
	offers, _, slots, _ := ch.stats()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 3, slots)

	f.orch.HandleSignal(ctx, "b", domain.AnswerSignal("answer-1"))
	f.kindsEventually(t, "b", domain.SignalOffer, domain.SignalOffer)

	f.orch.HandleSignal(ctx, "b", domain.AnswerSignal("answer-2"))
	offers, _, _, _ = ch.stats()
	assert.Equal(t, 2, offers)
}

func TestPeerOrchestrator_ReplaceInPlaceAndClear(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio, domain.KindVideo)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "a", []domain.Member{{ConnID: "b"}})
	f.kindsEventually(t, "b", domain.SignalOffer)
	f.orch.HandleSignal(ctx, "b", domain.AnswerSignal("answer-1"))

	link, _ := f.orch.Link("b")
	camera := newFakeTrack(domain.KindVideo)
	f.media.Set(domain.KindVideo, camera)
	f.orch.Propagate(ctx, domain.KindVideo)
	assert.Equal(t, camera, link.SlotTrack(domain.KindVideo))

	f.media.Clear(domain.KindVideo)
	f.orch.Propagate(ctx, domain.KindVideo)
	assert.Nil(t, link.SlotTrack(domain.KindVideo))
	assert.Contains(t, link.SlotKinds(), domain.KindVideo, "cleared slots stay")

	offers, _, slots, _ := f.factory.channel("b").stats()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 2, slots)
}

func TestPeerOrchestrator_ResponderAsksForOfferOnNewSlot(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "b", []domain.Member{{ConnID: "a"}})
	f.orch.HandleSignal(ctx, "a", domain.OfferSignal("offer-1"))
	f.kindsEventually(t, "a", domain.SignalAnswer)

	f.media.Set(domain.KindScreen, newFakeTrack(domain.KindScreen))
	f.orch.Propagate(ctx, domain.KindScreen)

	f.kindsEventually(t, "a", domain.SignalAnswer, domain.SignalRenegotiate)
	offers, _, _, _ := f.factory.channel("a").stats()
	assert.Zero(t, offers, "responder never offers")

	// a renegotiate arriving at the responder is ignored
	f.orch.HandleSignal(ctx, "a", domain.RenegotiateSignal())
	offers, _, _, _ = f.factory.channel("a").stats()
	assert.Zero(t, offers)
}

func TestPeerOrchestrator_MediaWaitIsBounded(t *testing.T) {
	media := NewLocalMedia()
	factory := newFakeFactory()
	signaler := &recordingSignaler{}
	orch := NewPeerOrchestrator(factory, signaler, media, 30*time.Millisecond, zap.NewNop().Sugar())
	defer orch.Close()

	start := time.Now()
	orch.HandleJoined(context.Background(), "a", []domain.Member{{ConnID: "b"}})
	assert.Eventually(t, func() bool { return len(signaler.kinds("b")) == 1 }, waitFor, tick)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPeerOrchestrator_TeardownIsIdempotent(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "b", []domain.Member{{ConnID: "a"}, {ConnID: "c"}})
	ch := f.factory.channel("a")
	require.NotNil(t, ch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); f.orch.Teardown("a") }()
		go func() { defer wg.Done(); f.orch.HandleSignal(ctx, "a", domain.AnswerSignal("late")) }()
	}
	wg.Wait()

	_, ok := f.orch.Link("a")
	assert.False(t, ok)
	assert.NotContains(t, f.orch.Roster(), domain.ConnID("a"))
	_, _, _, closeCalls := ch.stats()
	assert.Equal(t, 1, closeCalls)
	_, ok = f.orch.Link("c")
	assert.True(t, ok)
}

func TestPeerOrchestrator_TerminalStateTearsDown(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.HandleJoined(context.Background(), "b", []domain.Member{{ConnID: "a"}})
	ch := f.factory.channel("a")
	require.NotNil(t, ch)

	ch.handlers.OnStateChange(domain.ChannelConnected)
	_, ok := f.orch.Link("a")
	assert.True(t, ok)

	ch.handlers.OnStateChange(domain.ChannelFailed)
	assert.Eventually(t, func() bool {
		_, ok := f.orch.Link("a")
		return !ok
	}, waitFor, tick)
	assert.NotContains(t, f.orch.Roster(), domain.ConnID("a"))
}

func TestPeerOrchestrator_FailedApplyKeepsLink(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "b", []domain.Member{{ConnID: "a", Name: "Alice"}})
	ch := f.factory.channel("a")
	require.NotNil(t, ch)

	ch.failApplies(errors.New("malformed sdp"))
	f.orch.HandleSignal(ctx, "a", domain.OfferSignal("broken"))
	f.orch.HandleSignal(ctx, "a", domain.CandidateSignal(domain.ICECandidate{Candidate: "candidate:1"}))

	_, ok := f.orch.Link("a")
	assert.True(t, ok)
	assert.Contains(t, f.orch.Roster(), domain.ConnID("a"))
	assert.Empty(t, f.signaler.kinds("a"))
	_, _, _, closeCalls := ch.stats()
	assert.Zero(t, closeCalls)

	ch.failApplies(nil)
	f.orch.HandleSignal(ctx, "a", domain.OfferSignal("offer-2"))
	f.kindsEventually(t, "a", domain.SignalAnswer)
	assert.Equal(t, 1, f.factory.count("a"))
}

func TestPeerOrchestrator_FailedAnswerAllowsNextOffer(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "a", []domain.Member{{ConnID: "b"}})
	f.kindsEventually(t, "b", domain.SignalOffer)
	ch := f.factory.channel("b")

	ch.failApplies(errors.New("malformed sdp"))
	f.orch.HandleSignal(ctx, "b", domain.AnswerSignal("broken"))
	_, ok := f.orch.Link("b")
	require.True(t, ok)

	ch.failApplies(nil)
	f.media.Set(domain.KindVideo, newFakeTrack(domain.KindVideo))
	f.orch.Propagate(ctx, domain.KindVideo)
	f.kindsEventually(t, "b", domain.SignalOffer, domain.SignalOffer)
}

func TestPeerOrchestrator_UnansweredOfferExpires(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	f.orch.SetAnswerTimeout(100 * time.Millisecond)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "a", []domain.Member{{ConnID: "b"}})
	f.kindsEventually(t, "b", domain.SignalOffer)

	// queued behind the unanswered offer, sent once it expires
	f.media.Set(domain.KindScreen, newFakeTrack(domain.KindScreen))
	f.orch.Propagate(ctx, domain.KindScreen)
	assert.Equal(t, []domain.SignalKind{domain.SignalOffer}, f.signaler.kinds("b"))

	f.kindsEventually(t, "b", domain.SignalOffer, domain.SignalOffer)
}

func TestPeerOrchestrator_ExpiredOfferWithoutChangesIsNotResent(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	f.orch.SetAnswerTimeout(20 * time.Millisecond)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "a", []domain.Member{{ConnID: "b"}})
	f.kindsEventually(t, "b", domain.SignalOffer)

	link, ok := f.orch.Link("b")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return !link.awaitingAnswer
	}, waitFor, tick)
	assert.Len(t, f.signaler.kinds("b"), 1)

	f.media.Set(domain.KindVideo, newFakeTrack(domain.KindVideo))
	f.orch.Propagate(ctx, domain.KindVideo)
	f.kindsEventually(t, "b", domain.SignalOffer, domain.SignalOffer)
}

func TestPeerOrchestrator_CloseReleasesEverything(t *testing.T) {
	f := newOrchFixture(t, domain.KindAudio)
	ctx := context.Background()
	f.orch.HandleJoined(ctx, "b", []domain.Member{{ConnID: "a"}, {ConnID: "c"}, {ConnID: "d"}})

	f.orch.Close()
	f.orch.Close()

	assert.Empty(t, f.orch.Links())
	assert.Empty(t, f.orch.Roster())
	for _, id := range []domain.ConnID{"a", "c", "d"} {
		_, _, _, closeCalls := f.factory.channel(id).stats()
		assert.Equal(t, 1, closeCalls, id)
	}

	// nothing is recreated after close
	f.orch.HandleSignal(ctx, "e", domain.OfferSignal("late"))
	assert.Zero(t, f.factory.count("e"))
}
