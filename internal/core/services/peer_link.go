package services

import (
	"fmt"
	"sync"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"
)

// PeerLink is the local end of the media channel to one remote participant.
// Its mutex serializes handshake steps and slot changes on that channel.
type PeerLink struct {
	remote    domain.ConnID
	initiator bool

	mu             sync.Mutex
	channel        ports.MediaChannel
	slots          map[domain.MediaKind]ports.Slot
	remoteTracks   []ports.RemoteTrack
	started        bool
	awaitingAnswer bool
	offerGen       uint64
	offerQueued    bool
	closed         bool
	closeOnce      sync.Once
}

func newPeerLink(remote domain.ConnID, initiator bool) *PeerLink {
	return &PeerLink{
		remote:    remote,
		initiator: initiator,
		slots:     make(map[domain.MediaKind]ports.Slot),
	}
}

func (l *PeerLink) Remote() domain.ConnID { return l.remote }

// Initiator reports whether this side sends offers on the link.
func (l *PeerLink) Initiator() bool { return l.initiator }

// SlotKinds lists the kinds that currently have an outgoing slot.
func (l *PeerLink) SlotKinds() []domain.MediaKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kinds []domain.MediaKind
	for _, k := range domain.MediaKinds {
		if _, ok := l.slots[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// SlotTrack returns the track carried by the slot of kind, nil when cleared or absent.
func (l *PeerLink) SlotTrack(kind domain.MediaKind) ports.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot, ok := l.slots[kind]; ok {
		return slot.Track()
	}
	return nil
}

func (l *PeerLink) RemoteTracks() []ports.RemoteTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ports.RemoteTrack(nil), l.remoteTracks...)
}

func (l *PeerLink) addRemoteTrack(track ports.RemoteTrack) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for _, t := range l.remoteTracks {
		if t.ID() == track.ID() {
			return
		}
	}
	l.remoteTracks = append(l.remoteTracks, track)
}

// attachLocked applies the replace-or-add policy for one kind: an existing
// slot is replaced in place (a nil track clears it), a missing slot is added
// only for a non-nil track. It reports whether a slot was added.
func (l *PeerLink) attachLocked(kind domain.MediaKind, track ports.LocalTrack) (bool, error) {
	if l.closed {
		return false, domain.ErrPeerLinkClosed
	}
	if slot, ok := l.slots[kind]; ok {
		if slot.Track() == track {
			return false, nil
		}
		if err := slot.Replace(track); err != nil {
			return false, fmt.Errorf("replace %s on %s: %w", kind, l.remote, err)
		}
		return false, nil
	}
	if track == nil {
		return false, nil
	}
	slot, err := l.channel.AddSlot(track)
	if err != nil {
		return false, fmt.Errorf("add %s slot on %s: %w", kind, l.remote, err)
	}
	l.slots[kind] = slot
	return true, nil
}

// attachAllLocked attaches every kind from media and reports whether any slot was added.
func (l *PeerLink) attachAllLocked(media *LocalMedia) (bool, error) {
	added := false
	for _, kind := range domain.MediaKinds {
		ok, err := l.attachLocked(kind, media.Get(kind))
		if err != nil {
			return added, err
		}
		added = added || ok
	}
	return added, nil
}

// unnegotiatedLocked reports whether a carrying slot is missing from the
// last completed negotiation.
func (l *PeerLink) unnegotiatedLocked() bool {
	for _, slot := range l.slots {
		if slot.Track() != nil && !slot.Negotiated() {
			return true
		}
	}
	return false
}

// close releases the channel and remote tracks once.
func (l *PeerLink) close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.remoteTracks = nil
		channel := l.channel
		l.mu.Unlock()
		if channel != nil {
			err = channel.Close()
		}
	})
	return err
}
