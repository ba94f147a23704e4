// Package http is the local control API: a small JSON surface plus a
// WebSocket status stream for a UI running on the same machine.
package http

import (
	"github.com/dkeye/VoiceMesh/internal/app/session"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Session is what the API drives; *session.Controller implements it.
type Session interface {
	Join(label, pin string) error
	Leave() error
	SetMuted(muted bool) error
	ShareLocation(lat, lng float64) error
	DeleteRoom() error
	Status() session.Status
	Watch() (<-chan session.Status, func())
}

func SetupRouter(cfg *config.Config, sess Session, rooms core.RoomStore) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	origins := newOriginPolicy(cfg.Control.AllowedOrigins)
	h := &handlers{
		sess:  sess,
		rooms: rooms,
		upgrader: websocket.Upgrader{
			CheckOrigin: origins.checkRequest,
		},
	}

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(OriginGuard(origins))
	api.Use(ControlSessions(cfg.Control.Secret))
	api.Use(ClientTokenMiddleware())
	api.GET("/state", h.state)
	api.POST("/join", RequireJSON(), h.join)
	api.POST("/leave", h.leave)
	api.POST("/mute", RequireJSON(), h.mute)
	api.POST("/location", RequireJSON(), h.location)
	api.DELETE("/room", h.deleteRoom)
	api.GET("/rooms", h.listRooms)
	api.GET("/ws/events", h.events)

	log.Info().Str("module", "adapters.http").Str("listen", cfg.Listen).Strs("origins", cfg.Control.AllowedOrigins).Msg("router setup")
	return r
}
