// Package roomstore keeps room metadata (label, pin hash, timestamps) in
// an HTTP service or in Redis.
package roomstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/go-redis/redis/v8"
)

var ErrUnknownBackend = errors.New("unknown rooms backend")

// New builds the store selected by cfg.Backend. The returned closer
// releases backend connections.
func New(cfg config.Rooms) (core.RoomStore, func() error, error) {
	switch cfg.Backend {
	case config.RoomsHTTP:
		return NewHTTPStore(cfg.Endpoint, cfg.UpsertTimeout), func() error { return nil }, nil
	case config.RoomsRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisStore(rdb), rdb.Close, nil
	case config.RoomsNone, "":
		return Nop{}, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Nop discards upserts and lists nothing.
type Nop struct{}

func (Nop) Upsert(context.Context, domain.RoomIdentity) error { return nil }

func (Nop) List(context.Context) ([]core.RoomInfo, error) { return nil, nil }
