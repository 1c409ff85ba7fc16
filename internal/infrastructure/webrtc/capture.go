package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = time.Second / 30
	audioFrameSize     = 160
	videoFrameSize     = 1200
)

// CaptureConfig controls the synthetic capture devices.
type CaptureConfig struct {
	// Available lists the kinds that can be acquired. Empty means all.
	Available []domain.MediaKind
	// ScreenDuration ends screen tracks on their own after this long. Zero keeps them running.
	ScreenDuration time.Duration
}

// SyntheticSource produces generated audio and video frames on pion sample
// tracks. It implements ports.MediaSource for headless participants.
type SyntheticSource struct {
	streamID string
	cfg      CaptureConfig
	logger   *zap.SugaredLogger
}

func NewSyntheticSource(streamID string, cfg CaptureConfig, logger *zap.SugaredLogger) *SyntheticSource {
	if streamID == "" {
		streamID = uuid.New().String()
	}
	return &SyntheticSource{streamID: streamID, cfg: cfg, logger: logger}
}

func (s *SyntheticSource) available(kind domain.MediaKind) bool {
	if len(s.cfg.Available) == 0 {
		return true
	}
	for _, k := range s.cfg.Available {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *SyntheticSource) Acquire(ctx context.Context, kind domain.MediaKind) (ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.available(kind) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMediaUnavailable, kind)
	}

	var (
		capability webrtc.RTPCodecCapability
		interval   time.Duration
		frameSize  int
		lifetime   time.Duration
	)
	switch kind {
	case domain.KindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		interval, frameSize = audioFrameInterval, audioFrameSize
	case domain.KindVideo, domain.KindScreen:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		interval, frameSize = videoFrameInterval, videoFrameSize
		if kind == domain.KindScreen {
			lifetime = s.cfg.ScreenDuration
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrMediaUnavailable, kind)
	}

	id := fmt.Sprintf("%s-%s", kind, uuid.New().String()[:8])
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, s.streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &CaptureTrack{
		id:    id,
		kind:  kind,
		local: local,
		stop:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.run(interval, frameSize, lifetime, s.logger)

	s.logger.Debugw("capture started", "kind", kind, "track_id", id)
	return t, nil
}

// CaptureTrack is a running synthetic capture. It implements PionTrack.
type CaptureTrack struct {
	id      string
	kind    domain.MediaKind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	frames  atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	onEnded []func()
	ended   bool
}

func (t *CaptureTrack) ID() string                    { return t.id }
func (t *CaptureTrack) Kind() domain.MediaKind        { return t.kind }
func (t *CaptureTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *CaptureTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *CaptureTrack) TrackLocal() webrtc.TrackLocal { return t.local }

// Frames returns how many frames were written while enabled.
func (t *CaptureTrack) Frames() int64 { return t.frames.Load() }

func (t *CaptureTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// OnEnded registers fn. It runs immediately if the track already ended.
func (t *CaptureTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *CaptureTrack) end() {
	t.Stop()

	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	callbacks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (t *CaptureTrack) run(interval time.Duration, frameSize int, lifetime time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if lifetime > 0 {
		timer := time.NewTimer(lifetime)
		defer timer.Stop()
		expired = timer.C
	}

	frame := make([]byte, frameSize)
	for {
		select {
		case <-t.stop:
			return
		case <-expired:
			logger.Infow("capture ended", "kind", t.kind, "track_id", t.id)
			t.end()
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			if err := t.local.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
				logger.Debugw("failed to write sample", "track_id", t.id, "error", err)
				continue
			}
			t.frames.Add(1)
		}
	}
}
