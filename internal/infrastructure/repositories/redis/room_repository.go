package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "navideo:"
	roomIndexKey = keyPrefix + "rooms"
)

// joinScript upserts a member and returns the full member hash. The join time of an
// existing member is preserved so a rename keeps its position.
var joinScript = redis.NewScript(`
local value = ARGV[2] .. '|' .. ARGV[3]
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
	local sep = string.find(existing, '|', 1, true)
	if sep then
		value = string.sub(existing, 1, sep - 1) .. '|' .. ARGV[3]
	end
end
redis.call('HSET', KEYS[1], ARGV[1], value)
redis.call('SADD', KEYS[2], ARGV[4])
return redis.call('HGETALL', KEYS[1])
`)

// leaveScript removes a member and deletes the room once empty.
var leaveScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if not existing then
	return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[2])
end
return existing
`)

// RedisRoomRepository shares the room registry between signaling instances.
// Every mutation runs as one Lua script, which makes it atomic per room.
type RedisRoomRepository struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		now:    time.Now,
	}
}

func membersKey(room domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:members", keyPrefix, room)
}

func (r *RedisRoomRepository) Join(ctx context.Context, room domain.RoomID, conn domain.ConnID, name string) ([]domain.Participant, error) {
	if room == "" {
		return nil, domain.ErrRoomRequired
	}

	raw, err := joinScript.Run(ctx, r.client,
		[]string{membersKey(room), roomIndexKey},
		string(conn), r.now().UnixMilli(), domain.DisplayName(name), string(room),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to join room %s: %w", room, err)
	}

	members, err := decodeMembers(raw)
	if err != nil {
		return nil, err
	}

	others := members[:0]
	for _, p := range members {
		if p.ConnID != conn {
			others = append(others, p)
		}
	}
	return others, nil
}

func (r *RedisRoomRepository) Leave(ctx context.Context, room domain.RoomID, conn domain.ConnID) (string, bool, error) {
	value, err := leaveScript.Run(ctx, r.client,
		[]string{membersKey(room), roomIndexKey},
		string(conn), string(room),
	).Text()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to leave room %s: %w", room, err)
	}

	p, err := decodeMember(string(conn), value)
	if err != nil {
		return "", true, err
	}
	return p.Name, true, nil
}

func (r *RedisRoomRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	fields, err := r.client.HGetAll(ctx, membersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get members of %s: %w", room, err)
	}

	list := make([]domain.Participant, 0, len(fields))
	for conn, value := range fields {
		p, err := decodeMember(conn, value)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	sortParticipants(list)
	return list, nil
}

func (r *RedisRoomRepository) Rooms(ctx context.Context) ([]domain.RoomSummary, error) {
	ids, err := r.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	pipe := r.client.Pipeline()
	counts := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		counts[i] = pipe.HLen(ctx, membersKey(domain.RoomID(id)))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to count room members: %w", err)
		}
	}

	list := make([]domain.RoomSummary, 0, len(ids))
	for i, id := range ids {
		if n := counts[i].Val(); n > 0 {
			list = append(list, domain.RoomSummary{ID: domain.RoomID(id), Members: int(n)})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func decodeMembers(raw []string) ([]domain.Participant, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("malformed member hash: %d fields", len(raw))
	}
	list := make([]domain.Participant, 0, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		p, err := decodeMember(raw[i], raw[i+1])
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	sortParticipants(list)
	return list, nil
}

// decodeMember parses "<joined unix millis>|<name>".
func decodeMember(conn, value string) (domain.Participant, error) {
	joined, name, ok := strings.Cut(value, "|")
	if !ok {
		return domain.Participant{}, fmt.Errorf("malformed member %s: %q", conn, value)
	}
	ms, err := strconv.ParseInt(joined, 10, 64)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("malformed join time for %s: %w", conn, err)
	}
	return domain.Participant{
		ConnID:   domain.ConnID(conn),
		Name:     name,
		JoinedAt: time.UnixMilli(ms),
	}, nil
}

func sortParticipants(list []domain.Participant) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ConnID < list[j].ConnID
	})
}
