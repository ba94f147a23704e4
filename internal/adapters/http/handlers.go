package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/session"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const roomsTimeout = 5 * time.Second

type handlers struct {
	sess     Session
	rooms    core.RoomStore
	upgrader websocket.Upgrader
}

type joinRequest struct {
	Label string `json:"label"`
	Pin   string `json:"pin"`
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type locationRequest struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.sess.Status())
}

func (h *handlers) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.reply(c, h.sess.Join(req.Label, req.Pin))
}

func (h *handlers) leave(c *gin.Context) {
	h.reply(c, h.sess.Leave())
}

func (h *handlers) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.reply(c, h.sess.SetMuted(*req.Muted))
}

func (h *handlers) location(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.reply(c, h.sess.ShareLocation(*req.Lat, *req.Lng))
}

func (h *handlers) deleteRoom(c *gin.Context) {
	h.reply(c, h.sess.DeleteRoom())
}

func (h *handlers) listRooms(c *gin.Context) {
	if h.rooms == nil {
		c.JSON(http.StatusOK, gin.H{"rooms": []core.RoomInfo{}})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), roomsTimeout)
	defer cancel()

	rooms, err := h.rooms.List(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("list rooms")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if rooms == nil {
		rooms = []core.RoomInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// reply answers a command with the resulting status, or maps err.
func (h *handlers) reply(c *gin.Context, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Str("path", c.FullPath()).Msg("command failed")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	log.Debug().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Str("path", c.FullPath()).Msg("command")
	c.JSON(http.StatusOK, h.sess.Status())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotLeader), errors.Is(err, core.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
