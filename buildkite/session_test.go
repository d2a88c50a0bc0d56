package buildkite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bktestgo/bktest/metrics"
	"github.com/bktestgo/bktest/model"
)

const testChannel = `{"channel":"Analytics::RunChannel","id":"run-1"}`

// fakeCable is an ActionCable stand-in. script drives the start of each
// connection; every frame read after it returns lands in frames.
type fakeCable struct {
	server  *httptest.Server
	headers chan http.Header
	frames  chan map[string]any
	closed  chan struct{}
	script  func(c *cableConn)
}

type cableConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *cableConn) read() map[string]any {
	_, data, err := c.conn.ReadMessage()
	if !assert.NoError(c.t, err) {
		return nil
	}
	var frame map[string]any
	assert.NoError(c.t, json.Unmarshal(data, &frame))
	return frame
}

func (c *cableConn) send(v any) {
	data, err := json.Marshal(v)
	assert.NoError(c.t, err)
	assert.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *cableConn) expectSubscribe() {
	frame := c.read()
	assert.Equal(c.t, CommandSubscribe, frame["command"])
	assert.Equal(c.t, testChannel, frame["identifier"])
}

func (c *cableConn) confirm(identifier string) {
	c.send(map[string]any{"type": "confirm_subscription", "identifier": identifier})
}

func newFakeCable(t *testing.T, script func(c *cableConn)) *fakeCable {
	t.Helper()
	fc := &fakeCable{
		headers: make(chan http.Header, 1),
		frames:  make(chan map[string]any, 32),
		closed:  make(chan struct{}),
		script:  script,
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/cable", func(w http.ResponseWriter, r *http.Request) {
		fc.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		defer close(fc.closed)

		c := &cableConn{t: t, conn: conn}
		if fc.script != nil {
			fc.script(c)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if assert.NoError(t, json.Unmarshal(data, &frame)) {
				fc.frames <- frame
			}
		}
	})
	mux.HandleFunc("/v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"cable":   fc.socketAddress(),
			"channel": testChannel,
		})
	})
	fc.server = httptest.NewServer(mux)
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCable) socketAddress() string {
	return "ws" + strings.TrimPrefix(fc.server.URL, "http") + "/cable"
}

func (fc *fakeCable) handshake() HandshakeResult {
	return HandshakeResult{SocketAddress: fc.socketAddress(), Channel: testChannel}
}

func (fc *fakeCable) session() *Session {
	h := NewHandshaker(zerolog.Nop(), fc.server.URL+"/v1/uploads", "secret", fc.server.Client(), nil)
	return NewSession(zerolog.Nop(), h, metrics.New())
}

func (fc *fakeCable) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-fc.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (fc *fakeCable) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-fc.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket close")
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionOpen(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.send(map[string]any{"type": "ping", "message": 1700000000})
		c.expectSubscribe()
		c.confirm(testChannel)
	})
	s := fc.session()

	require.NoError(t, s.Open(testContext(t), fc.handshake()))
	assert.Equal(t, StateSubscribed, s.State())

	headers := <-fc.headers
	assert.Equal(t, `Token token="secret"`, headers.Get("Authorization"))
	assert.Equal(t, "https://127.0.0.1", headers.Get("Origin"))
}

func TestSessionWelcomeResubscribes(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
		c.send(map[string]any{"type": "welcome"})
		c.expectSubscribe()
		c.confirm(testChannel)
	})
	s := fc.session()

	require.NoError(t, s.Open(testContext(t), fc.handshake()))
	assert.Equal(t, StateSubscribed, s.State())
}

func TestSessionOpenFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  func(c *cableConn)
		kind    ErrorKind
		message string
	}{
		{
			name: "unexpected confirmation",
			script: func(c *cableConn) {
				c.expectSubscribe()
				c.confirm("someone-else")
			},
			kind:    KindUnexpectedSubscription,
			message: "Received unexpected subscription confirmation from Buildkite: someone-else",
		},
		{
			name: "rejected",
			script: func(c *cableConn) {
				c.expectSubscribe()
				c.send(map[string]any{"type": "reject_subscription", "identifier": testChannel})
			},
			kind:    KindSubscriptionRejected,
			message: "Connection refused by Buildkite. Web socket rejected.",
		},
		{
			name: "closed",
			script: func(c *cableConn) {
				c.expectSubscribe()
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "go away"))
			},
			kind:    KindSocketClosed,
			message: "Connection to buildkite closed: 4001: go away",
		},
		{
			name: "unknown frame",
			script: func(c *cableConn) {
				c.expectSubscribe()
				c.send(map[string]any{"type": "disconnect", "reason": "server_restart"})
			},
			kind:    KindUnknownMessageType,
			message: "Unknown message: disconnect",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCable(t, tt.script)
			s := fc.session()

			err := s.Open(testContext(t), fc.handshake())
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.kind), "unexpected error %v", err)
			assert.EqualError(t, err, tt.message)
			assert.Equal(t, StateFailed, s.State())

			// the socket is released, so sends are inert
			assert.NoError(t, s.Send(CommandSubscribe, nil))
			assert.NoError(t, s.Close(1))
		})
	}
}

func TestSessionConfirmFlagIsNotAProtocolError(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
		c.send(map[string]any{"identifier": testChannel, "message": map[string]any{"confirm": "record_results"}})
		c.confirm(testChannel)
	})
	s := fc.session()

	require.NoError(t, s.Open(testContext(t), fc.handshake()))
}

func TestSessionFirstSettlementWins(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
		c.confirm(testChannel)
		c.send(map[string]any{"type": "reject_subscription", "identifier": testChannel})
		c.confirm("someone-else")
	})
	s := fc.session()

	require.NoError(t, s.Open(testContext(t), fc.handshake()))

	// the late rejection must not tear the session down
	require.NoError(t, s.Message(map[string]any{"action": ActionRecordResults}))
	frame := fc.nextFrame(t)
	assert.Equal(t, CommandMessage, frame["command"])
	assert.Equal(t, StateSubscribed, s.State())
}

func TestSessionMessageDroppedBeforeSubscription(t *testing.T) {
	release := make(chan struct{})
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
		<-release
		c.confirm(testChannel)
	})
	s := fc.session()

	ctx := testContext(t)
	opened := make(chan error, 1)
	go func() { opened <- s.Open(ctx, fc.handshake()) }()

	require.Eventually(t, func() bool { return s.State() == StateSubscribing }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Send(CommandMessage, map[string]any{"data": "early"}))

	close(release)
	require.NoError(t, <-opened)

	require.NoError(t, s.Send(CommandMessage, map[string]any{"data": "late"}))

	frame := fc.nextFrame(t)
	assert.Equal(t, map[string]any{
		"command":    CommandMessage,
		"identifier": testChannel,
		"data":       "late",
	}, frame)
}

func TestSessionSendWithoutSocket(t *testing.T) {
	fc := newFakeCable(t, nil)
	s := fc.session()

	assert.NoError(t, s.Send(CommandSubscribe, nil))
	assert.NoError(t, s.Message(map[string]any{"action": ActionRecordResults}))
	assert.NoError(t, s.Close(0))
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
		c.confirm(testChannel)
	})
	s := fc.session()
	require.NoError(t, s.Open(testContext(t), fc.handshake()))

	require.NoError(t, s.Close(3))
	assert.Equal(t, StateClosed, s.State())

	frame := fc.nextFrame(t)
	assert.Equal(t, CommandMessage, frame["command"])
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(frame["data"].(string)), &data))
	assert.Equal(t, map[string]any{"action": "end_of_transmission", "examples_count": 3.0}, data)

	fc.waitClosed(t)

	require.NoError(t, s.Close(3))
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, fc.frames)
}

func TestSessionSocketLostAfterOpen(t *testing.T) {
	tests := []struct {
		name string
		drop func(c *cableConn)
	}{
		{
			name: "close frame",
			drop: func(c *cableConn) {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "restart"))
			},
		},
		{
			name: "connection reset",
			drop: func(c *cableConn) {
				_ = c.conn.NetConn().Close()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCable(t, func(c *cableConn) {
				c.expectSubscribe()
				c.confirm(testChannel)
				tt.drop(c)
			})
			s := fc.session()

			require.NoError(t, s.Open(testContext(t), fc.handshake()))
			require.Eventually(t, func() bool { return s.State() == StateFailed }, 5*time.Second, 5*time.Millisecond)
			fc.waitClosed(t)

			// the socket is gone, so nothing reaches the wire
			assert.NoError(t, s.Message(map[string]any{"action": ActionRecordResults}))
			assert.NoError(t, s.Close(2))
			assert.Equal(t, StateFailed, s.State())
			assert.Empty(t, fc.frames)
		})
	}
}

func TestSessionOpenContextCancelled(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
	})
	s := fc.session()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Open(ctx, fc.handshake())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionOpenDialFailure(t *testing.T) {
	fc := newFakeCable(t, nil)
	s := fc.session()

	err := s.Open(testContext(t), HandshakeResult{SocketAddress: "ws://127.0.0.1:1/cable", Channel: testChannel})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnection))
	assert.True(t, strings.HasPrefix(err.Error(), "Error connecting to Buildkite: "))
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionIsSingleUse(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
		c.confirm(testChannel)
	})
	s := fc.session()
	require.NoError(t, s.Open(testContext(t), fc.handshake()))

	err := s.Open(testContext(t), fc.handshake())
	assert.Error(t, err)
	assert.Equal(t, StateSubscribed, s.State())
}

func TestSessionConnect(t *testing.T) {
	fc := newFakeCable(t, func(c *cableConn) {
		c.expectSubscribe()
		c.confirm(testChannel)
	})
	s := fc.session()

	require.NoError(t, s.Connect(testContext(t), model.RunEnvironment{CI: model.CIBuildkite}))
	assert.Equal(t, StateSubscribed, s.State())
	require.NoError(t, s.Close(0))
}
