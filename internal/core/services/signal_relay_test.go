package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"navideo/internal/core/domain"
	"navideo/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSignalRelay_RelayPassesDataUnchanged(t *testing.T) {
	transport := newRecordingTransport("a", "b")
	metrics := newCountingMetrics()
	relay := NewSignalRelay(memory.NewMemoryRoomRepository(), transport, metrics, zap.NewNop().Sugar())

	data := json.RawMessage(`{"kind":"offer","description":{"type":"offer","sdp":"v=0\r\n"},"extra":[1,2]}`)
	require.True(t, relay.Relay(context.Background(), "b", "a", data))

	got := transport.received("b", domain.EventSignal)
	require.Len(t, got, 1)
	var payload domain.SignalPayload
	require.NoError(t, got[0].Decode(&payload))
	assert.Equal(t, domain.ConnID("a"), payload.From)
	assert.Equal(t, domain.ConnID("b"), payload.To)
	assert.JSONEq(t, string(data), string(payload.Data))
	assert.Empty(t, transport.received("a", domain.EventSignal))
	assert.Equal(t, 1, metrics.relayed)
}

func TestSignalRelay_UnknownTargetDropped(t *testing.T) {
	transport := newRecordingTransport("a")
	metrics := newCountingMetrics()
	relay := NewSignalRelay(memory.NewMemoryRoomRepository(), transport, metrics, zap.NewNop().Sugar())

	assert.False(t, relay.Relay(context.Background(), "ghost", "a", json.RawMessage(`{}`)))
	assert.Equal(t, 1, metrics.dropped)
	assert.Zero(t, metrics.relayed)
}

func TestSignalRelay_RemoteTargetsGoToFanout(t *testing.T) {
	ctx := context.Background()
	rooms := memory.NewMemoryRoomRepository()
	for _, c := range []domain.ConnID{"a", "b", "c", "d"} {
		_, err := rooms.Join(ctx, "r", c, string(c))
		require.NoError(t, err)
	}

	transport := newRecordingTransport("a", "b")
	fanout := new(mockFanout)
	fanout.On("Publish", mock.Anything, []domain.ConnID{"c", "d"}, mock.Anything).Return(nil).Once()

	relay := NewSignalRelay(rooms, transport, nil, zap.NewNop().Sugar())
	relay.SetFanout(fanout)

	env, err := domain.NewEnvelope(domain.EventNewMessage, domain.NewMessagePayload{Sender: "a", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 3, relay.BroadcastToRoom(ctx, "r", "a", env))
	assert.Len(t, transport.received("b", domain.EventNewMessage), 1)
	assert.Empty(t, transport.received("a", domain.EventNewMessage))
	fanout.AssertExpectations(t)
}

func TestSignalRelay_FanoutFailureCountsAsDrop(t *testing.T) {
	transport := newRecordingTransport()
	metrics := newCountingMetrics()
	fanout := new(mockFanout)
	fanout.On("Publish", mock.Anything, []domain.ConnID{"b"}, mock.Anything).Return(errors.New("bus down"))

	relay := NewSignalRelay(memory.NewMemoryRoomRepository(), transport, metrics, zap.NewNop().Sugar())
	relay.SetFanout(fanout)

	assert.False(t, relay.Relay(context.Background(), "b", "a", json.RawMessage(`{}`)))
	assert.Equal(t, 1, metrics.dropped)
}

func TestSignalRelay_PublishedSignalsAreCountedApart(t *testing.T) {
	transport := newRecordingTransport()
	metrics := newCountingMetrics()
	fanout := new(mockFanout)
	fanout.On("Publish", mock.Anything, []domain.ConnID{"b"}, mock.Anything).Return(nil).Once()

	relay := NewSignalRelay(memory.NewMemoryRoomRepository(), transport, metrics, zap.NewNop().Sugar())
	relay.SetFanout(fanout)

	assert.True(t, relay.Relay(context.Background(), "b", "a", json.RawMessage(`{}`)))
	assert.Equal(t, 1, metrics.published)
	assert.Zero(t, metrics.relayed)
	assert.Zero(t, metrics.dropped)
	fanout.AssertExpectations(t)
}
