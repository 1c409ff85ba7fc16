package ports

import (
	"context"

	"navideo/internal/core/domain"
)

// RoomRepository is the room registry: room id -> live participants.
type RoomRepository interface {
	// Join adds or renames a participant and returns the other members of the room.
	Join(ctx context.Context, room domain.RoomID, conn domain.ConnID, name string) ([]domain.Participant, error)
	// Leave removes a participant. The room is deleted once empty.
	Leave(ctx context.Context, room domain.RoomID, conn domain.ConnID) (name string, removed bool, err error)
	Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error)
	Rooms(ctx context.Context) ([]domain.RoomSummary, error)
}
