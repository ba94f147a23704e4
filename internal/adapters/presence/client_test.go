package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChannel = "presence-R_F84E9090"

var upgrader = websocket.Upgrader{}

// newRelay serves one scripted relay connection per dial.
func newRelay(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(t, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeEvent(t *testing.T, conn *websocket.Conn, event, channel string, data any, userID string) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	// the relay sends data as a JSON encoded string
	str, err := json.Marshal(string(raw))
	require.NoError(t, err)
	f := frame{Event: event, Channel: channel, Data: str, UserID: userID}
	require.NoError(t, conn.WriteJSON(f))
}

func readEvent(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == evPing || f.Event == evPong {
			continue
		}
		return f
	}
}

func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeEvent(t, conn, evConnectionEstablished, "", connectionEstablished{SocketID: "123.456", ActivityTimeout: 120}, "")
	f := readEvent(t, conn)
	require.Equal(t, evSubscribe, f.Event)
	var sub subscribeData
	require.NoError(t, decodeData(f.Data, &sub))
	assert.Equal(t, testChannel, sub.Channel)
	assert.Equal(t, "key:sig-123.456", sub.Auth)
	assert.Equal(t, `{"user_id":"a-0001"}`, sub.ChannelData)
}

func snapshot(ids ...string) presenceData {
	var p presenceData
	p.Presence.IDs = ids
	p.Presence.Count = len(ids)
	return p
}

type recorder struct {
	events chan core.PresenceEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan core.PresenceEvent, 64)}
}

func (r *recorder) handle(ev core.PresenceEvent) { r.events <- ev }

// next returns the next event that is not connecting/connected.
func (r *recorder) next(t *testing.T) core.PresenceEvent {
	t.Helper()
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == core.EventTransportState &&
				(ev.State == core.TransportConnecting || ev.State == core.TransportConnected) {
				continue
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no presence event")
		}
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == core.EventTransportState &&
				(ev.State == core.TransportConnecting || ev.State == core.TransportConnected) {
				continue
			}
			t.Fatalf("unexpected event %s %s", ev.Kind, ev.State)
		case <-deadline:
			return
		}
	}
}

func credentials(ctx context.Context, socketID string) (*core.Credential, error) {
	return &core.Credential{Auth: "key:sig-" + socketID, ChannelData: `{"user_id":"a-0001"}`}, nil
}

func subscribe(t *testing.T, url string, creds core.CredentialProvider, r *recorder) core.PresenceHandle {
	t.Helper()
	c := NewClient(Options{URL: url, PingPeriod: time.Hour})
	h, err := c.Subscribe(context.Background(), core.SubscribeRequest{
		Channel:     testChannel,
		MemberID:    "a-0001",
		Credentials: creds,
	}, r.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Unsubscribe() })
	return h
}

func TestSubscribeLifecycle(t *testing.T) {
	received := make(chan frame, 1)
	done := make(chan struct{})
	url := newRelay(t, func(t *testing.T, conn *websocket.Conn) {
		handshake(t, conn)
		writeEvent(t, conn, evSubscriptionSucceeded, testChannel, snapshot("a-0001", "b-0002"), "")
		writeEvent(t, conn, evMemberAdded, testChannel, memberData{UserID: "c-0003"}, "")
		writeEvent(t, conn, EventSignal, testChannel, core.NewTalking("c-0003", domain.BroadcastID, true), "c-0003")
		writeEvent(t, conn, evMemberRemoved, testChannel, memberData{UserID: "b-0002"}, "")
		received <- readEvent(t, conn)
		<-done
	})

	r := newRecorder()
	h := subscribe(t, url, credentials, r)

	ev := r.next(t)
	require.Equal(t, core.EventSubscribed, ev.Kind)
	assert.Equal(t, []domain.MemberID{"a-0001", "b-0002"}, ev.Members)

	ev = r.next(t)
	assert.Equal(t, core.EventMemberJoined, ev.Kind)
	assert.Equal(t, domain.MemberID("c-0003"), ev.Member)

	ev = r.next(t)
	require.Equal(t, core.EventMessage, ev.Kind)
	assert.Equal(t, core.MsgTalking, ev.Message.Type)
	assert.Equal(t, domain.MemberID("c-0003"), ev.Message.From)
	require.NotNil(t, ev.Message.IsTalking)
	assert.True(t, *ev.Message.IsTalking)

	ev = r.next(t)
	assert.Equal(t, core.EventMemberLeft, ev.Kind)
	assert.Equal(t, domain.MemberID("b-0002"), ev.Member)

	require.NoError(t, h.Send(core.NewTalking("a-0001", domain.BroadcastID, false)))
	select {
	case f := <-received:
		assert.Equal(t, EventSignal, f.Event)
		assert.Equal(t, testChannel, f.Channel)
		var msg core.Message
		require.NoError(t, decodeData(f.Data, &msg))
		assert.Equal(t, domain.MemberID("a-0001"), msg.From)
		assert.Equal(t, domain.BroadcastID, msg.To)
		assert.False(t, *msg.IsTalking)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not receive the client event")
	}

	require.NoError(t, h.Unsubscribe())
	require.NoError(t, h.Unsubscribe())
	close(done)
	r.quiet(t, 100*time.Millisecond)
	assert.ErrorIs(t, h.Send(core.NewTalking("a-0001", domain.BroadcastID, true)), ErrUnsubscribed)
}

func TestCredentialFailure(t *testing.T) {
	url := newRelay(t, func(t *testing.T, conn *websocket.Conn) {
		writeEvent(t, conn, evConnectionEstablished, "", connectionEstablished{SocketID: "1.2"}, "")
		_, _, _ = conn.ReadMessage()
	})

	denied := &core.AuthError{Reason: core.ReasonPinIncorrect, Status: 403}
	r := newRecorder()
	subscribe(t, url, func(context.Context, string) (*core.Credential, error) { return nil, denied }, r)

	ev := r.next(t)
	require.Equal(t, core.EventSubscriptionFailed, ev.Kind)
	var ae *core.AuthError
	require.True(t, errors.As(ev.Err, &ae))
	assert.Equal(t, core.ReasonPinIncorrect, ae.Reason)
	r.quiet(t, 100*time.Millisecond)
}

func TestSubscriptionError(t *testing.T) {
	url := newRelay(t, func(t *testing.T, conn *websocket.Conn) {
		handshake(t, conn)
		writeEvent(t, conn, evSubscriptionError, testChannel, errorData{Status: 403, Message: "forbidden"}, "")
		_, _, _ = conn.ReadMessage()
	})
	r := newRecorder()
	subscribe(t, url, credentials, r)

	ev := r.next(t)
	require.Equal(t, core.EventSubscriptionFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, core.ErrSubscriptionRejected)
}

func TestRelayErrorCodes(t *testing.T) {
	tests := []struct {
		code int
		want core.TransportState
	}{
		{4001, core.TransportFailed},
		{4100, core.TransportUnavailable},
		{4201, core.TransportDisconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			code := tt.code
			url := newRelay(t, func(t *testing.T, conn *websocket.Conn) {
				handshake(t, conn)
				writeEvent(t, conn, evError, "", errorData{Message: "bye", Code: &code}, "")
				_, _, _ = conn.ReadMessage()
			})
			r := newRecorder()
			subscribe(t, url, credentials, r)

			ev := r.next(t)
			require.Equal(t, core.EventTransportState, ev.Kind)
			assert.Equal(t, tt.want, ev.State)
			r.quiet(t, 50*time.Millisecond)
		})
	}
}

func TestDialFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	r := newRecorder()
	subscribe(t, url, credentials, r)
	ev := r.next(t)
	require.Equal(t, core.EventTransportState, ev.Kind)
	assert.Equal(t, core.TransportUnavailable, ev.State)
}

func TestRelayDropIsDisconnected(t *testing.T) {
	url := newRelay(t, func(t *testing.T, conn *websocket.Conn) {
		handshake(t, conn)
		writeEvent(t, conn, evSubscriptionSucceeded, testChannel, snapshot("a-0001"), "")
	})
	r := newRecorder()
	subscribe(t, url, credentials, r)

	assert.Equal(t, core.EventSubscribed, r.next(t).Kind)
	ev := r.next(t)
	require.Equal(t, core.EventTransportState, ev.Kind)
	assert.Equal(t, core.TransportDisconnected, ev.State)
}

func TestSpoofedSignalDropped(t *testing.T) {
	url := newRelay(t, func(t *testing.T, conn *websocket.Conn) {
		handshake(t, conn)
		writeEvent(t, conn, evSubscriptionSucceeded, testChannel, snapshot("a-0001"), "")
		writeEvent(t, conn, EventSignal, testChannel, core.NewTalking("b-0002", "a-0001", true), "c-0003")
		writeEvent(t, conn, EventSignal, "presence-other", core.NewTalking("c-0003", "a-0001", true), "c-0003")
		writeEvent(t, conn, evMemberAdded, testChannel, memberData{UserID: "d-0004"}, "")
		_, _, _ = conn.ReadMessage()
	})
	r := newRecorder()
	subscribe(t, url, credentials, r)

	assert.Equal(t, core.EventSubscribed, r.next(t).Kind)
	ev := r.next(t)
	assert.Equal(t, core.EventMemberJoined, ev.Kind)
}

func TestSendBeforeSubscribed(t *testing.T) {
	url := newRelay(t, func(t *testing.T, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	r := newRecorder()
	h := subscribe(t, url, credentials, r)
	assert.ErrorIs(t, h.Send(core.NewTalking("a-0001", domain.BroadcastID, true)), ErrNotSubscribed)
}

func TestSubscribeValidation(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1"})
	_, err := c.Subscribe(context.Background(), core.SubscribeRequest{Channel: testChannel}, func(core.PresenceEvent) {})
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = c.Subscribe(context.Background(), core.SubscribeRequest{Channel: testChannel, Credentials: credentials}, nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDecodeData(t *testing.T) {
	var m memberData
	require.NoError(t, decodeData(json.RawMessage(`{"user_id":"x"}`), &m))
	assert.Equal(t, "x", m.UserID)
	require.NoError(t, decodeData(json.RawMessage(`"{\"user_id\":\"y\"}"`), &m))
	assert.Equal(t, "y", m.UserID)
	assert.Error(t, decodeData(nil, &m))
}
