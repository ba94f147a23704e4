package roomstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/go-redis/redis/v8"
)

const keyPrefix = "meshvoice:room:"

// RedisStore keeps one hash per room under meshvoice:room:<key>.
type RedisStore struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func roomKey(key domain.RoomKey) string { return keyPrefix + string(key) }

// PinHash is the hex sha256 of pin, or "" when there is no pin.
func PinHash(pin string) string {
	if pin == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

func (s *RedisStore) Upsert(ctx context.Context, room domain.RoomIdentity) error {
	key := roomKey(room.Key)
	now := strconv.FormatInt(s.now().UnixMilli(), 10)

	fields := map[string]interface{}{
		"label":      room.Label,
		"updated_at": now,
	}
	// an empty pin never clears a pin set by someone else
	if room.HasPin() {
		fields["pin_hash"] = PinHash(room.Pin)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.HSetNX(ctx, key, "created_at", now)
		return nil
	})
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]core.RoomInfo, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rooms := make([]core.RoomInfo, 0, len(keys))
	for i, k := range keys {
		info, ok := decodeRoom(k, cmds[i].Val())
		if ok {
			rooms = append(rooms, info)
		}
	}
	sortRooms(rooms)
	return rooms, nil
}

// decodeRoom converts one room hash; entries with a malformed key or
// missing fields are skipped.
func decodeRoom(key string, h map[string]string) (core.RoomInfo, bool) {
	id := strings.TrimPrefix(key, keyPrefix)
	if !domain.IsRoomKey(id) || len(h) == 0 {
		return core.RoomInfo{}, false
	}
	info := core.RoomInfo{
		Key:    domain.RoomKey(id),
		Label:  h["label"],
		HasPin: h["pin_hash"] != "",
	}
	if ms, err := strconv.ParseInt(h["updated_at"], 10, 64); err == nil {
		info.UpdatedAt = time.UnixMilli(ms)
	}
	return info, true
}
