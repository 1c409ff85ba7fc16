package services

import (
	"context"
	"errors"
	"sync"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// recordingTransport stores every delivered envelope per connection.
type recordingTransport struct {
	mu    sync.Mutex
	live  map[domain.ConnID]bool
	inbox map[domain.ConnID][]domain.Envelope
}

func newRecordingTransport(conns ...domain.ConnID) *recordingTransport {
	t := &recordingTransport{
		live:  make(map[domain.ConnID]bool),
		inbox: make(map[domain.ConnID][]domain.Envelope),
	}
	for _, c := range conns {
		t.live[c] = true
	}
	return t
}

func (t *recordingTransport) connect(conn domain.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[conn] = true
}

func (t *recordingTransport) Deliver(conn domain.ConnID, env domain.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live[conn] {
		return false
	}
	t.inbox[conn] = append(t.inbox[conn], env)
	return true
}

func (t *recordingTransport) received(conn domain.ConnID, event domain.EventType) []domain.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Envelope
	for _, env := range t.inbox[conn] {
		if env.Type == event {
			out = append(out, env)
		}
	}
	return out
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = make(map[domain.ConnID][]domain.Envelope)
}

type countingMetrics struct {
	mu        sync.Mutex
	joined    int
	left      map[string]int
	closed    int
	relayed   int
	published int
	dropped   int
	messages  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{left: make(map[string]int)}
}

func (m *countingMetrics) ParticipantJoined(domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined++
}

func (m *countingMetrics) ParticipantLeft(_ domain.RoomID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left[reason]++
}

func (m *countingMetrics) RoomClosed(domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *countingMetrics) SignalRelayed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayed++
}

func (m *countingMetrics) SignalPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
}

func (m *countingMetrics) SignalDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *countingMetrics) EventBroadcast(domain.EventType, int) {}

func (m *countingMetrics) ChatMessage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages++
}

type mockFanout struct {
	mock.Mock
}

func (m *mockFanout) Publish(ctx context.Context, targets []domain.ConnID, env domain.Envelope) error {
	args := m.Called(ctx, targets, env)
	return args.Error(0)
}

var errRegistryDown = errors.New("registry unavailable")

// flakyRooms fails the next leaveFailures Leave calls, then delegates.
type flakyRooms struct {
	ports.RoomRepository

	mu            sync.Mutex
	leaveFailures int
	leaveCalls    int
}

func (r *flakyRooms) failLeaves(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveFailures = n
}

func (r *flakyRooms) Leave(ctx context.Context, room domain.RoomID, conn domain.ConnID) (string, bool, error) {
	r.mu.Lock()
	r.leaveCalls++
	if r.leaveFailures > 0 {
		r.leaveFailures--
		r.mu.Unlock()
		return "", false, errRegistryDown
	}
	r.mu.Unlock()
	return r.RoomRepository.Leave(ctx, room, conn)
}
