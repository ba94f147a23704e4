package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/session"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/core/mocks"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSession struct {
	mu       sync.Mutex
	status   session.Status
	joined   []string
	muted    *bool
	err      error
	watchers []chan session.Status
}

func (f *fakeSession) Join(label, pin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.joined = append(f.joined, label+"|"+pin)
	f.status.State = session.StateStarting
	return nil
}

func (f *fakeSession) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.State = session.StateOffline
	return f.err
}

func (f *fakeSession) SetMuted(m bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = &m
	f.status.Muted = m
	return f.err
}

func (f *fakeSession) ShareLocation(lat, lng float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.status.Location = &core.Location{Lat: lat, Lng: lng}
	return nil
}

func (f *fakeSession) DeleteRoom() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) Watch() (<-chan session.Status, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan session.Status, 1)
	ch <- f.status
	f.watchers = append(f.watchers, ch)
	return ch, func() {}
}

func (f *fakeSession) push(st session.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
	for _, ch := range f.watchers {
		ch <- st
	}
}

func newRouter(t *testing.T, sess Session, rooms core.RoomStore) *gin.Engine {
	t.Helper()
	return SetupRouter(&config.Config{
		Mode:    "test",
		Listen:  "127.0.0.1:0",
		Control: config.Control{AllowedOrigins: []string{"https://ui.example.org"}},
	}, sess, rooms)
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	return doWith(r, method, path, body, map[string]string{"Content-Type": "application/json"})
}

func doWith(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) session.Status {
	t.Helper()
	var st session.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st
}

func TestCommands(t *testing.T) {
	sess := &fakeSession{status: session.Status{State: session.StateOffline, Member: "a-0001"}}
	r := newRouter(t, sess, nil)

	w := do(r, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.MemberID("a-0001"), decodeStatus(t, w).Member)

	w = do(r, http.MethodPost, "/api/join", `{"label":"Alpha Team","pin":"1234"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.StateStarting, decodeStatus(t, w).State)
	assert.Equal(t, []string{"Alpha Team|1234"}, sess.joined)

	w = do(r, http.MethodPost, "/api/mute", `{"muted":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, sess.muted)
	assert.False(t, *sess.muted)

	w = do(r, http.MethodPost, "/api/mute", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/location", `{"lat":37.5,"lng":127}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 127.0, decodeStatus(t, w).Location.Lng)

	w = do(r, http.MethodPost, "/api/location", `{"lat":37.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/leave", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.StateOffline, decodeStatus(t, w).State)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		err    error
		method string
		path   string
		body   string
		code   int
	}{
		{core.ErrNotLeader, http.MethodDelete, "/api/room", "", http.StatusConflict},
		{core.ErrNotConnected, http.MethodDelete, "/api/room", "", http.StatusConflict},
		{session.ErrInvalidLocation, http.MethodPost, "/api/location", `{"lat":100,"lng":0}`, http.StatusBadRequest},
		{core.ErrClosed, http.MethodPost, "/api/join", `{"label":"x"}`, http.StatusServiceUnavailable},
		{errors.New("boom"), http.MethodPost, "/api/leave", "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := newRouter(t, &fakeSession{err: tt.err}, nil)
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestDeleteRoomAsLeader(t *testing.T) {
	r := newRouter(t, &fakeSession{}, nil)
	w := do(r, http.MethodDelete, "/api/room", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListRooms(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRoomStore(ctrl)
	store.EXPECT().List(gomock.Any()).Return([]core.RoomInfo{
		{Key: "R_F84E9090", Label: "alpha team", HasPin: true, Members: 2},
	}, nil)
	store.EXPECT().List(gomock.Any()).Return(nil, errors.New("unreachable"))

	r := newRouter(t, &fakeSession{}, store)

	w := do(r, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Rooms, 1)
	assert.Equal(t, domain.RoomKey("R_F84E9090"), out.Rooms[0].Key)
	assert.True(t, out.Rooms[0].HasPin)

	w = do(r, http.MethodGet, "/api/rooms", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = do(newRouter(t, &fakeSession{}, nil), http.MethodGet, "/api/rooms", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[]}`, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t, &fakeSession{}, nil)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "").Code)

	w := do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "meshvoice_")
}

func TestEventsStream(t *testing.T) {
	sess := &fakeSession{status: session.Status{State: session.StateOffline}}
	srv := httptest.NewServer(newRouter(t, sess, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/events"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var st session.Status
	require.NoError(t, ws.ReadJSON(&st))
	assert.Equal(t, session.StateOffline, st.State)

	sess.push(session.Status{State: session.StateConnected, Members: []domain.MemberID{"a-0001", "b-0002"}})
	require.NoError(t, ws.ReadJSON(&st))
	assert.Equal(t, session.StateConnected, st.State)
	assert.Len(t, st.Members, 2)
}

func TestForeignOriginsCannotDriveTheSession(t *testing.T) {
	sess := &fakeSession{status: session.Status{State: session.StateOffline, Muted: true}}
	r := newRouter(t, sess, nil)

	for _, origin := range []string{"https://evil.example", "null", "http://127.0.0.1.evil.example:7788"} {
		t.Run(origin, func(t *testing.T) {
			w := doWith(r, http.MethodPost, "/api/join", `{"label":"attacker-room"}`, map[string]string{
				"Origin":       origin,
				"Content-Type": "text/plain",
			})
			assert.Equal(t, http.StatusForbidden, w.Code)

			w = doWith(r, http.MethodPost, "/api/mute", `{"muted":false}`, map[string]string{
				"Origin":       origin,
				"Content-Type": "application/json",
			})
			assert.Equal(t, http.StatusForbidden, w.Code)

			w = doWith(r, http.MethodGet, "/api/state", "", map[string]string{"Origin": origin})
			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}
	assert.Empty(t, sess.joined)
	assert.Nil(t, sess.muted)
}

func TestAllowedOrigins(t *testing.T) {
	sess := &fakeSession{}
	r := newRouter(t, sess, nil)

	for _, origin := range []string{"http://localhost:5173", "http://127.0.0.1:7788", "http://[::1]:3000", "https://ui.example.org"} {
		w := doWith(r, http.MethodPost, "/api/join", `{"label":"alpha"}`, map[string]string{
			"Origin":       origin,
			"Content-Type": "application/json",
		})
		assert.Equal(t, http.StatusOK, w.Code, origin)
	}
	assert.Len(t, sess.joined, 4)
}

func TestCommandsRequireJSON(t *testing.T) {
	sess := &fakeSession{}
	r := newRouter(t, sess, nil)

	for _, path := range []string{"/api/join", "/api/mute", "/api/location"} {
		w := doWith(r, http.MethodPost, path, `{"label":"x","muted":false,"lat":1,"lng":2}`, map[string]string{"Content-Type": "text/plain"})
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code, path)
	}
	w := doWith(r, http.MethodPost, "/api/join", `{"label":"x"}`, map[string]string{"Content-Type": "application/json; charset=utf-8"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"x|"}, sess.joined)
}

func TestControlSessionCookie(t *testing.T) {
	r := newRouter(t, &fakeSession{}, nil)

	w := do(r, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookies[0].SameSite)

	// a returning client keeps its token, so no new cookie is issued
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies())
}

func TestEventsStreamRejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(newRouter(t, &fakeSession{}, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/events"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{"Origin": {"http://localhost:5173"}})
	require.NoError(t, err)
	ws.Close()
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{"https://UI.example.org/"})
	assert.True(t, p.allows(""))
	assert.True(t, p.allows("https://ui.example.org"))
	assert.True(t, p.allows("http://localhost"))
	assert.True(t, p.allows("http://127.0.0.2:8080"))
	assert.False(t, p.allows("https://ui.example.org.evil"))
	assert.False(t, p.allows("file://"))
	assert.False(t, p.allows("http://192.168.1.5:7788"))
}
