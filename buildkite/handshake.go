package buildkite

// handshake.go negotiates the socket address and channel for a run.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/bktestgo/bktest/metrics"
	"github.com/bktestgo/bktest/model"
)

// DefaultEndpoint is the Test Analytics upload endpoint.
const DefaultEndpoint = "https://analytics-api.buildkite.com/v1/uploads"

const (
	formatWebsocket = "websocket"
	formatJSON      = "json"

	defaultHTTPTimeout = 30 * time.Second
)

// HandshakeResult is where and on which channel the run's socket lives.
type HandshakeResult struct {
	SocketAddress string
	Channel       string
}

type handshakeRequest struct {
	Format string               `json:"format"`
	RunEnv model.RunEnvironment `json:"run_env"`
}

type handshakeResponse struct {
	Cable   string `json:"cable"`
	Channel string `json:"channel"`
}

// Handshaker performs the HTTP exchange that precedes the socket.
type Handshaker struct {
	logger   zerolog.Logger
	endpoint string
	token    string
	client   *http.Client
	metrics  *metrics.Metrics
}

// NewHandshaker creates a Handshaker. A nil client uses a client with a
// 30s timeout.
func NewHandshaker(logger zerolog.Logger, endpoint, token string, client *http.Client, m *metrics.Metrics) *Handshaker {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Handshaker{
		logger:   logger,
		endpoint: endpoint,
		token:    token,
		client:   client,
		metrics:  m,
	}
}

// Authorization is the header value presented to both the upload endpoint
// and the socket.
func (h *Handshaker) Authorization() string {
	return authorization(h.token)
}

func authorization(token string) string {
	return fmt.Sprintf(`Token token="%s"`, token)
}

// Handshake sends one request and classifies the outcome. It does not retry.
func (h *Handshaker) Handshake(ctx context.Context, env model.RunEnvironment) (HandshakeResult, error) {
	res, err := h.handshake(ctx, env)
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			h.metrics.RecordHandshake(ce.Kind.String())
		}
		return HandshakeResult{}, err
	}
	h.metrics.RecordHandshake("ok")
	return res, nil
}

func (h *Handshaker) handshake(ctx context.Context, env model.RunEnvironment) (HandshakeResult, error) {
	body, err := json.Marshal(handshakeRequest{Format: formatWebsocket, RunEnv: env})
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("failed to encode handshake: %w", err)
	}

	h.logger.Debug().Str("endpoint", h.endpoint).Msg("Starting handshake")

	resp, err := h.post(ctx, body)
	if err != nil {
		return HandshakeResult{}, newConnectionError(transportCause(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return HandshakeResult{}, newAuthError()
	case resp.StatusCode != http.StatusOK:
		h.logger.Debug().Int("status", resp.StatusCode).Msg("Handshake refused")
		return HandshakeResult{}, newServiceUnavailableError(resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return HandshakeResult{}, newConnectionError(err)
	}
	var out handshakeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return HandshakeResult{}, newConnectionError(err)
	}

	h.logger.Debug().
		Str("socket", out.Cable).
		Str("channel", out.Channel).
		Msg("Handshake complete")

	return HandshakeResult{SocketAddress: out.Cable, Channel: out.Channel}, nil
}

func (h *Handshaker) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", h.Authorization())
	req.Header.Set("Content-Type", "application/json")
	return h.client.Do(req)
}

// transportCause peels the *url.Error wrapper so messages carry the
// underlying failure, e.g. the DNS error.
func transportCause(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err
	}
	return err
}
