package buildkite

// session.go owns the run's websocket and drives it through the subscribe
// handshake, result messages and teardown.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bktestgo/bktest/metrics"
	"github.com/bktestgo/bktest/model"
)

const (
	closeTimeout     = time.Second
	handshakeTimeout = 30 * time.Second
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateSocketOpening
	StateSubscribing
	StateSubscribed
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateSocketOpening:
		return "socket-opening"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// settlement is the single-shot outcome of an open attempt. The first
// settle wins; later calls report false and change nothing.
type settlement struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newSettlement() *settlement {
	return &settlement{done: make(chan struct{})}
}

func (s *settlement) settle(err error) bool {
	settled := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		settled = true
	})
	return settled
}

// Session is the one socket of a run. A Session is used for a single run
// and cannot be reopened.
type Session struct {
	logger     zerolog.Logger
	handshaker *Handshaker
	dialer     *websocket.Dialer
	metrics    *metrics.Metrics

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	channel string
	open    *settlement

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
}

// NewSession creates an idle session that authenticates with the
// handshaker's token.
func NewSession(logger zerolog.Logger, handshaker *Handshaker, m *metrics.Metrics) *Session {
	return &Session{
		logger:     logger,
		handshaker: handshaker,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		metrics:    m,
		open:       newSettlement(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect performs the handshake and opens the socket. It returns once the
// subscription is confirmed or the attempt failed.
func (s *Session) Connect(ctx context.Context, env model.RunEnvironment) error {
	if err := s.transition(StateHandshaking, StateIdle); err != nil {
		return err
	}

	hs, err := s.handshaker.Handshake(ctx, env)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	return s.Open(ctx, hs)
}

// Open dials the socket, subscribes to the handshake's channel and waits
// for the outcome. Exactly one of confirmation, rejection, unexpected
// confirmation, protocol error, socket close/error or ctx cancellation
// settles it.
func (s *Session) Open(ctx context.Context, hs HandshakeResult) error {
	if err := s.transition(StateSocketOpening, StateIdle, StateHandshaking); err != nil {
		return err
	}
	s.mu.Lock()
	s.channel = hs.Channel
	s.mu.Unlock()

	header, err := s.socketHeader(hs.SocketAddress)
	if err != nil {
		s.setState(StateFailed)
		return newConnectionError(err)
	}

	s.logger.Debug().Str("socket", hs.SocketAddress).Msg("Opening socket")

	conn, resp, err := s.dialer.DialContext(ctx, hs.SocketAddress, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.setState(StateFailed)
		return newConnectionError(err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateSubscribing
	s.mu.Unlock()

	go s.readLoop(conn)

	if err := s.Send(CommandSubscribe, nil); err != nil {
		s.settle(newConnectionError(err))
	}

	select {
	case <-s.open.done:
	case <-ctx.Done():
		s.settle(ctx.Err())
	}

	if err := s.open.err; err != nil {
		s.abort()
		return err
	}

	s.logger.Info().Msg("Connection to Buildkite established")
	return nil
}

func (s *Session) socketHeader(address string) (http.Header, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", s.handshaker.Authorization())
	header.Set("Origin", "https://"+u.Hostname())
	return header, nil
}

// Send writes {...payload, command, identifier: channel}. Without a socket it
// does nothing; message commands are dropped until the subscription is
// confirmed because the server cannot route them before that.
func (s *Session) Send(command string, payload map[string]any) error {
	s.mu.Lock()
	conn, channel, state := s.conn, s.channel, s.state
	s.mu.Unlock()

	if conn == nil {
		s.metrics.RecordDropped(command)
		return nil
	}
	if command == CommandMessage && state != StateSubscribed {
		s.logger.Debug().Str("state", state.String()).Msg("Dropping message sent before subscription")
		s.metrics.RecordDropped(command)
		return nil
	}

	data, err := encodeCommand(command, channel, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s command: %w", command, err)
	}

	s.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s command: %w", command, err)
	}

	s.metrics.RecordFrameSent(command)
	return nil
}

// Message sends data on the channel as a message command. data is carried
// as JSON text in the data field.
func (s *Session) Message(data any) error {
	payload := map[string]any{}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		payload["data"] = string(encoded)
	}
	return s.Send(CommandMessage, payload)
}

// Close announces the end of transmission and closes the socket. Calling it
// without an open socket, including a second time, does nothing.
func (s *Session) Close(examplesCount int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := s.Message(map[string]any{
		"action":         ActionEndOfTransmission,
		"examples_count": examplesCount,
	})

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return err
	}
	s.conn = nil
	s.state = StateClosing
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
	s.writeMu.Unlock()
	_ = conn.Close()

	s.setState(StateClosed)
	s.logger.Debug().Int("examples", examplesCount).Msg("Socket closed")
	return err
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleSocketError(conn, err)
			return
		}

		frame, err := decodeFrame(data)
		if err == nil {
			s.metrics.RecordFrameReceived(frame.frameType())
			err = s.dispatch(frame)
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Protocol error on Buildkite socket")
			s.settle(err)
			s.dropConn(conn)
			return
		}
	}
}

// dispatch applies one inbound frame. A returned error is fatal for the
// socket.
func (s *Session) dispatch(frame inboundFrame) error {
	switch f := frame.(type) {
	case pingFrame:
		return nil
	case welcomeFrame:
		if err := s.Send(CommandSubscribe, nil); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to subscribe after welcome")
		}
		return nil
	case confirmFrame:
		s.confirm(f.identifier)
		return nil
	case rejectFrame:
		s.settle(newSubscriptionRejectedError())
		return nil
	case unknownFrame:
		if f.confirm {
			return nil
		}
		return newUnknownMessageTypeError(f.typ)
	}
	return newUnknownMessageTypeError(frame.frameType())
}

func (s *Session) confirm(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identifier != s.channel {
		s.settleLocked(newUnexpectedSubscriptionError(identifier))
		return
	}
	if s.state != StateSubscribing && s.state != StateSubscribed {
		s.logger.Debug().Str("state", s.state.String()).Msg("Ignoring subscription confirmation")
		return
	}
	s.state = StateSubscribed
	s.settleLocked(nil)
}

func (s *Session) handleSocketError(conn *websocket.Conn, err error) {
	s.mu.Lock()
	local := s.conn != conn || s.state == StateClosing || s.state == StateClosed
	if !local {
		s.conn = nil
		s.state = StateFailed
	}
	s.mu.Unlock()

	if local {
		s.logger.Debug().Err(err).Msg("Socket read loop finished")
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		err = newSocketClosedError(ce.Code, ce.Text)
	}
	s.settle(err)
	_ = conn.Close()
}

// dropConn forgets conn after a fatal protocol error.
func (s *Session) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.state = StateFailed
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// abort tears the socket down after a failed open.
func (s *Session) abort() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateFailed
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) settle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked(err)
}

func (s *Session) settleLocked(err error) {
	if s.open.settle(err) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Buildkite connection event after open settled")
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// transition moves to next if the current state is one of from.
func (s *Session) transition(next State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range from {
		if s.state == st {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("session cannot move to %s from %s", next, s.state)
}
