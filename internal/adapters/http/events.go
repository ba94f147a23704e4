package http

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// events streams status snapshots until the client goes away.
func (h *handlers) events(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	sid := c.GetString(clientTokenKey)
	log.Info().Str("module", "adapters.http").Str("sid", sid).Str("remote", c.Request.RemoteAddr).Msg("events stream opened")

	ctx, cancel := context.WithCancel(context.Background())
	updates, stop := h.sess.Watch()

	go h.writePump(ctx, ws, updates)
	go func() {
		defer func() {
			stop()
			cancel()
			log.Info().Str("module", "adapters.http").Str("sid", sid).Msg("events stream closed")
		}()
		readPump(ws)
	}()
}

// readPump only watches for the client closing; the stream is one-way.
func readPump(ws *websocket.Conn) {
	ws.SetReadLimit(1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *handlers) writePump(ctx context.Context, ws *websocket.Conn, updates <-chan session.Status) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("marshal status")
				continue
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("events write error")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
