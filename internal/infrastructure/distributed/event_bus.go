package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"
	"navideo/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pubsub channel shared by every signaling instance.
const DefaultChannel = "navideo:events"

var ErrAlreadySubscribed = errors.New("already subscribed")

// Event carries one envelope for connections held by other instances.
type Event struct {
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Targets    []domain.ConnID `json:"targets"`
	Envelope   domain.Envelope `json:"envelope"`
}

// EventBus forwards envelopes between signaling instances over Redis pubsub.
// Each instance delivers the targets it holds and ignores the rest.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	breaker    *circuitbreaker.CircuitBreaker
}

func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event bus publish circuit changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
		breaker:    breaker,
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Publish implements ports.Fanout. While Redis keeps failing, publishes are
// rejected with circuitbreaker.ErrOpen and only local delivery happens.
func (eb *EventBus) Publish(ctx context.Context, targets []domain.ConnID, env domain.Envelope) error {
	data, err := json.Marshal(Event{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now().UTC(),
		Targets:    targets,
		Envelope:   env,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func() error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"event", env.Type,
		"targets", len(targets),
	)
	return nil
}

// Subscribe delivers events from other instances through transport until ctx
// ends. The subscription is confirmed before Subscribe starts waiting.
func (eb *EventBus) Subscribe(ctx context.Context, transport ports.Transport) error {
	if eb.pubsub != nil {
		return ErrAlreadySubscribed
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()
	if _, err := eb.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.handle(msg.Payload, transport)
		}
	}
}

func (eb *EventBus) handle(payload string, transport ports.Transport) int {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err)
		return 0
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return 0
	}

	delivered := 0
	for _, target := range event.Targets {
		if transport.Deliver(target, event.Envelope) {
			delivered++
		}
	}
	if delivered > 0 {
		eb.logger.Debugw("delivered remote event",
			"event", event.Envelope.Type,
			"from_instance", event.InstanceID,
			"delivered", delivered,
		)
	}
	return delivered
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
