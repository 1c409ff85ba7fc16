package monitoring

import (
	"context"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// PrometheusCollector implements ports.MetricsRecorder on top of Prometheus.
type PrometheusCollector struct {
	// Counters
	participantsJoined prometheus.Counter
	participantsLeft   *prometheus.CounterVec
	roomsClosed        prometheus.Counter
	signalsRelayed     prometheus.Counter
	signalsPublished   prometheus.Counter
	signalsDropped     prometheus.Counter
	eventsBroadcast    *prometheus.CounterVec
	chatMessages       prometheus.Counter

	// Histograms
	broadcastRecipients prometheus.Histogram

	// Sampled from the registry
	roomsActive        prometheus.Gauge
	participantsActive prometheus.Gauge

	registerer prometheus.Registerer
}

// NewPrometheusCollector registers the signaling metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		participantsJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "navideo_participants_joined_total",
			Help: "Total number of participants that joined a room",
		}),

		participantsLeft: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "navideo_participants_left_total",
			Help: "Total number of participants that left a room",
		}, []string{"reason"}),

		roomsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "navideo_rooms_closed_total",
			Help: "Total number of rooms deleted after their last participant left",
		}),

		signalsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "navideo_signals_relayed_total",
			Help: "Total number of handshake messages relayed",
		}),

		signalsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "navideo_signals_published_total",
			Help: "Total number of handshake messages handed to the cross-instance fanout",
		}),

		signalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "navideo_signals_dropped_total",
			Help: "Total number of handshake messages dropped for an unknown target",
		}),

		eventsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "navideo_events_broadcast_total",
			Help: "Total number of room broadcasts by event type",
		}, []string{"event"}),

		chatMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "navideo_chat_messages_total",
			Help: "Total number of chat messages broadcast",
		}),

		broadcastRecipients: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "navideo_broadcast_recipients",
			Help:    "Number of recipients per room broadcast",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "navideo_rooms_active",
			Help: "Number of rooms with at least one participant",
		}),

		participantsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "navideo_participants_active",
			Help: "Number of participants across all rooms",
		}),

		registerer: reg,
	}
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) ParticipantJoined(room domain.RoomID) {
	p.participantsJoined.Inc()
}

func (p *PrometheusCollector) ParticipantLeft(room domain.RoomID, reason string) {
	p.participantsLeft.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RoomClosed(room domain.RoomID) {
	p.roomsClosed.Inc()
}

func (p *PrometheusCollector) SignalRelayed() {
	p.signalsRelayed.Inc()
}

func (p *PrometheusCollector) SignalPublished() {
	p.signalsPublished.Inc()
}

func (p *PrometheusCollector) SignalDropped() {
	p.signalsDropped.Inc()
}

func (p *PrometheusCollector) EventBroadcast(event domain.EventType, recipients int) {
	p.eventsBroadcast.WithLabelValues(string(event)).Inc()
	p.broadcastRecipients.Observe(float64(recipients))
}

func (p *PrometheusCollector) ChatMessage() {
	p.chatMessages.Inc()
}

// RegisterConnectionGauge exposes the live connection count reported by fn.
func (p *PrometheusCollector) RegisterConnectionGauge(fn func() int) error {
	return p.registerer.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "navideo_connections_open",
		Help: "Number of open signaling connections on this instance",
	}, func() float64 { return float64(fn()) }))
}

// SampleRooms refreshes the room gauges from the registry.
func (p *PrometheusCollector) SampleRooms(ctx context.Context, rooms ports.RoomRepository) error {
	summaries, err := rooms.Rooms(ctx)
	if err != nil {
		return err
	}
	members := 0
	for _, r := range summaries {
		members += r.Members
	}
	p.roomsActive.Set(float64(len(summaries)))
	p.participantsActive.Set(float64(members))
	return nil
}

// RunRoomSampler calls SampleRooms every interval until ctx ends.
func (p *PrometheusCollector) RunRoomSampler(ctx context.Context, rooms ports.RoomRepository, interval time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.SampleRooms(ctx, rooms); err != nil && ctx.Err() == nil {
			logger.Warnw("failed to sample rooms", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
