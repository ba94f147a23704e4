package roomstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// HTTPStore talks to the room-metadata service:
// POST <endpoint>/rooms-upsert and GET <endpoint>/rooms.
type HTTPStore struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPStore(endpoint string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStore{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
	}
}

type upsertRequest struct {
	Label string `json:"label"`
	Pin   string `json:"pin"`
}

type upsertResponse struct {
	OK      bool   `json:"ok"`
	RoomKey string `json:"roomKey"`
	Error   string `json:"error"`
}

type wireRoom struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	HasPin    bool   `json:"hasPin"`
	UserCount int    `json:"userCount"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (s *HTTPStore) Upsert(ctx context.Context, room domain.RoomIdentity) error {
	body, err := json.Marshal(upsertRequest{Label: room.Label, Pin: room.Pin})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/rooms-upsert", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out upsertResponse
	if err := s.do(req, &out); err != nil {
		return fmt.Errorf("rooms-upsert: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("rooms-upsert: %s", out.Error)
	}
	if out.RoomKey != "" && domain.RoomKey(out.RoomKey) != room.Key {
		log.Warn().Str("module", "roomstore").
			Str("local", string(room.Key)).
			Str("remote", out.RoomKey).
			Msg("room key mismatch")
	}
	return nil
}

func (s *HTTPStore) List(ctx context.Context) ([]core.RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint+"/rooms", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Rooms []wireRoom `json:"rooms"`
	}
	if err := s.do(req, &out); err != nil {
		return nil, fmt.Errorf("rooms: %w", err)
	}

	rooms := make([]core.RoomInfo, 0, len(out.Rooms))
	for _, r := range out.Rooms {
		if !domain.IsRoomKey(r.ID) {
			continue
		}
		info := core.RoomInfo{
			Key:     domain.RoomKey(r.ID),
			Label:   r.Label,
			HasPin:  r.HasPin,
			Members: r.UserCount,
		}
		if r.UpdatedAt > 0 {
			info.UpdatedAt = time.UnixMilli(r.UpdatedAt)
		}
		rooms = append(rooms, info)
	}
	sortRooms(rooms)
	return rooms, nil
}

func (s *HTTPStore) do(req *http.Request, v any) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	return json.Unmarshal(raw, v)
}

// sortRooms orders by member count, busiest first, then by key.
func sortRooms(rooms []core.RoomInfo) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Members != rooms[j].Members {
			return rooms[i].Members > rooms[j].Members
		}
		return rooms[i].Key < rooms[j].Key
	})
}
