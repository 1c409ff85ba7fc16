package services

import (
	"context"
	"sync"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"
)

// LocalMedia holds at most one local track per kind. It becomes ready when
// the first track is stored or when MarkSettled says no more is coming.
type LocalMedia struct {
	mu        sync.RWMutex
	tracks    map[domain.MediaKind]ports.LocalTrack
	ready     chan struct{}
	readyOnce sync.Once
}

func NewLocalMedia() *LocalMedia {
	return &LocalMedia{
		tracks: make(map[domain.MediaKind]ports.LocalTrack),
		ready:  make(chan struct{}),
	}
}

func (m *LocalMedia) Get(kind domain.MediaKind) ports.LocalTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracks[kind]
}

// Set stores track for kind and returns the one it replaced.
func (m *LocalMedia) Set(kind domain.MediaKind, track ports.LocalTrack) ports.LocalTrack {
	m.mu.Lock()
	prev := m.tracks[kind]
	if track == nil {
		delete(m.tracks, kind)
	} else {
		m.tracks[kind] = track
	}
	m.mu.Unlock()

	if track != nil {
		m.MarkSettled()
	}
	return prev
}

// Clear removes the track for kind and returns it.
func (m *LocalMedia) Clear(kind domain.MediaKind) ports.LocalTrack {
	return m.Set(kind, nil)
}

// Snapshot returns the current tracks by kind.
func (m *LocalMedia) Snapshot() map[domain.MediaKind]ports.LocalTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.MediaKind]ports.LocalTrack, len(m.tracks))
	for k, t := range m.tracks {
		out[k] = t
	}
	return out
}

func (m *LocalMedia) MarkSettled() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// WaitReady blocks until media is ready, timeout elapses or ctx ends, and
// reports whether media became ready.
func (m *LocalMedia) WaitReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.ready:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}
