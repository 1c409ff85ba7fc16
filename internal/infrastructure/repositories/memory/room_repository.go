package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"
)

// MemoryRoomRepository keeps rooms in process memory behind one lock.
type MemoryRoomRepository struct {
	rooms map[domain.RoomID]map[domain.ConnID]domain.Participant
	mu    sync.RWMutex
	now   func() time.Time
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]map[domain.ConnID]domain.Participant),
		now:   time.Now,
	}
}

func (r *MemoryRoomRepository) Join(ctx context.Context, room domain.RoomID, conn domain.ConnID, name string) ([]domain.Participant, error) {
	if room == "" {
		return nil, domain.ErrRoomRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		members = make(map[domain.ConnID]domain.Participant)
		r.rooms[room] = members
	}

	p, rejoin := members[conn]
	if !rejoin {
		p = domain.Participant{ConnID: conn, JoinedAt: r.now()}
	}
	p.Name = domain.DisplayName(name)
	members[conn] = p

	others := make([]domain.Participant, 0, len(members)-1)
	for id, m := range members {
		if id != conn {
			others = append(others, m)
		}
	}
	sortParticipants(others)
	return others, nil
}

func (r *MemoryRoomRepository) Leave(ctx context.Context, room domain.RoomID, conn domain.ConnID) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		return "", false, nil
	}

	p, ok := members[conn]
	if !ok {
		return "", false, nil
	}

	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return p.Name, true, nil
}

func (r *MemoryRoomRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	list := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		list = append(list, p)
	}
	sortParticipants(list)
	return list, nil
}

func (r *MemoryRoomRepository) Rooms(ctx context.Context) ([]domain.RoomSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]domain.RoomSummary, 0, len(r.rooms))
	for id, members := range r.rooms {
		list = append(list, domain.RoomSummary{ID: id, Members: len(members)})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func sortParticipants(list []domain.Participant) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ConnID < list[j].ConnID
	})
}
