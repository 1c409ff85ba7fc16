package services

import (
	"context"
	"fmt"
	"sync"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"go.uber.org/zap"
)

// TrackPropagator pushes the current local track of a kind to every peer link.
type TrackPropagator interface {
	Propagate(ctx context.Context, kind domain.MediaKind)
}

// MediaStatus is the user-facing on/off state of each local device.
type MediaStatus struct {
	Microphone bool `json:"microphone"`
	Camera     bool `json:"camera"`
	Screen     bool `json:"screen"`
}

// TrackSynchronizer applies device toggles to LocalMedia and propagates them.
// Toggles are serialized so concurrent clicks resolve in order.
type TrackSynchronizer struct {
	media      *LocalMedia
	source     ports.MediaSource
	propagator TrackPropagator
	logger     *zap.SugaredLogger

	mu sync.Mutex
}

func NewTrackSynchronizer(media *LocalMedia, source ports.MediaSource, propagator TrackPropagator, logger *zap.SugaredLogger) *TrackSynchronizer {
	return &TrackSynchronizer{
		media:      media,
		source:     source,
		propagator: propagator,
		logger:     logger,
	}
}

// SetMicrophone mutes or unmutes in place. A microphone is only acquired the
// first time it is switched on.
func (s *TrackSynchronizer) SetMicrophone(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if track := s.media.Get(domain.KindAudio); track != nil {
		track.SetEnabled(on)
		s.logger.Debugw("microphone toggled", "enabled", on)
		return nil
	}
	if !on {
		return nil
	}

	track, err := s.acquire(ctx, domain.KindAudio)
	if err != nil {
		return err
	}
	s.media.Set(domain.KindAudio, track)
	s.propagator.Propagate(ctx, domain.KindAudio)
	return nil
}

// SetCamera switches to a fresh camera track, or clears the video slot.
func (s *TrackSynchronizer) SetCamera(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(ctx, domain.KindVideo, on)
}

// SetScreenShare starts or stops sharing. A share that ends on its own is
// handled like a stop.
func (s *TrackSynchronizer) SetScreenShare(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(ctx, domain.KindScreen, on)
}

func (s *TrackSynchronizer) swapLocked(ctx context.Context, kind domain.MediaKind, on bool) error {
	if !on {
		prev := s.media.Clear(kind)
		if prev == nil {
			return nil
		}
		prev.Stop()
		s.propagator.Propagate(ctx, kind)
		s.logger.Debugw("local track stopped", "kind", kind)
		return nil
	}

	track, err := s.acquire(ctx, kind)
	if err != nil {
		return err
	}
	if kind == domain.KindScreen {
		track.OnEnded(func() { go s.trackEnded(kind, track) })
	}
	if prev := s.media.Set(kind, track); prev != nil {
		prev.Stop()
	}
	s.propagator.Propagate(ctx, kind)
	s.logger.Debugw("local track started", "kind", kind, "track_id", track.ID())
	return nil
}

func (s *TrackSynchronizer) trackEnded(kind domain.MediaKind, track ports.LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media.Get(kind) != track {
		return
	}
	s.logger.Infow("local track ended", "kind", kind)
	s.media.Clear(kind)
	s.propagator.Propagate(context.Background(), kind)
}

func (s *TrackSynchronizer) acquire(ctx context.Context, kind domain.MediaKind) (ports.LocalTrack, error) {
	track, err := s.source.Acquire(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMediaUnavailable, kind, err)
	}
	return track, nil
}

func (s *TrackSynchronizer) ToggleMicrophone(ctx context.Context) (bool, error) {
	on := !s.Status().Microphone
	return on, s.SetMicrophone(ctx, on)
}

func (s *TrackSynchronizer) ToggleCamera(ctx context.Context) (bool, error) {
	on := !s.Status().Camera
	return on, s.SetCamera(ctx, on)
}

func (s *TrackSynchronizer) ToggleScreenShare(ctx context.Context) (bool, error) {
	on := !s.Status().Screen
	return on, s.SetScreenShare(ctx, on)
}

func (s *TrackSynchronizer) Status() MediaStatus {
	mic := s.media.Get(domain.KindAudio)
	return MediaStatus{
		Microphone: mic != nil && mic.Enabled(),
		Camera:     s.media.Get(domain.KindVideo) != nil,
		Screen:     s.media.Get(domain.KindScreen) != nil,
	}
}

// StopAll releases every capture device without touching peer links.
func (s *TrackSynchronizer) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range domain.MediaKinds {
		if track := s.media.Clear(kind); track != nil {
			track.Stop()
		}
	}
}
