package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bktestgo/bktest/buildkite"
	"github.com/bktestgo/bktest/metrics"
	"github.com/bktestgo/bktest/model"
)

const channel = "run-channel"

// analytics fakes the upload endpoint and the cable. Every message frame
// received after the subscription is decoded into messages.
type analytics struct {
	server     *httptest.Server
	handshakes atomic.Int32
	status     int
	messages   chan map[string]any
	uploads    chan map[string]any
	closed     chan struct{}
	// dropAfterConfirm makes the cable close the socket right after the
	// subscription is confirmed
	dropAfterConfirm atomic.Bool
}

func newAnalytics(t *testing.T, status int) *analytics {
	t.Helper()
	a := &analytics{
		status:   status,
		messages: make(chan map[string]any, 16),
		uploads:  make(chan map[string]any, 1),
		closed:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		a.handshakes.Add(1)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if a.status != http.StatusOK {
			w.WriteHeader(a.status)
			return
		}
		if body["format"] == "json" {
			a.uploads <- body
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"run_url":"https://buildkite.example/runs/1"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"cable":   "ws" + strings.TrimPrefix(a.server.URL, "http") + "/cable",
			"channel": channel,
		})
	})
	mux.HandleFunc("/cable", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		defer close(a.closed)

		var frame map[string]any
		if !assert.NoError(t, conn.ReadJSON(&frame)) {
			return
		}
		assert.Equal(t, "subscribe", frame["command"])
		assert.NoError(t, conn.WriteJSON(map[string]any{"type": "confirm_subscription", "identifier": channel}))
		if a.dropAfterConfirm.Load() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "restart"))
			return
		}

		for {
			frame = nil
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			assert.Equal(t, "message", frame["command"])
			assert.Equal(t, channel, frame["identifier"])
			var data map[string]any
			if assert.NoError(t, json.Unmarshal([]byte(frame["data"].(string)), &data)) {
				a.messages <- data
			}
		}
	})
	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)
	return a
}

func (a *analytics) config(transport Transport) Config {
	return Config{
		Token:          "secret",
		BuildID:        "build-1",
		Endpoint:       a.server.URL + "/v1/uploads",
		Env:            model.RunEnvironment{CI: model.CIBuildkite},
		Transport:      transport,
		WorkDir:        "/repo",
		ConnectTimeout: 5 * time.Second,
		HTTPClient:     a.server.Client(),
	}
}

func (a *analytics) nextMessage(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-a.messages:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func fileResult(path string, statuses ...string) model.FileResult {
	start := time.Unix(1000, 0)
	file := model.FileResult{Path: path, Start: start, End: start.Add(time.Second)}
	for i, status := range statuses {
		file.Tests = append(file.Tests, model.TestCase{
			Title:    "Test" + string(rune('A'+i)),
			FullName: "Test" + string(rune('A'+i)),
			Status:   status,
			Duration: 10 * time.Millisecond,
		})
	}
	return file
}

func TestReporterDisabledWithoutCredentials(t *testing.T) {
	a := newAnalytics(t, http.StatusOK)

	for name, cfg := range map[string]Config{
		"no token":    {BuildID: "build-1", Endpoint: a.server.URL + "/v1/uploads"},
		"no build id": {Token: "secret", Endpoint: a.server.URL + "/v1/uploads"},
	} {
		t.Run(name, func(t *testing.T) {
			r := New(zerolog.Nop(), cfg, nil)
			assert.False(t, r.Enabled())

			r.OnRunStart(context.Background())
			results := r.OnFileResult(fileResult("/repo/pkg", "passed", "failed"))
			r.OnRunComplete(context.Background())

			assert.Len(t, results, 2)
			assert.Len(t, r.Results(), 2)
			assert.Equal(t, model.Summary{Passed: 1, Failed: 1}, r.Summary())
			assert.Equal(t, model.Analytics{Status: model.AnalyticsDisabled}, r.Analytics())
		})
	}
	assert.Zero(t, a.handshakes.Load())
}

func TestReporterStreamsOverSocket(t *testing.T) {
	a := newAnalytics(t, http.StatusOK)
	m := metrics.New()
	r := New(zerolog.Nop(), a.config(TransportWebsocket), m)
	require.True(t, r.Enabled())

	ctx := context.Background()
	r.OnRunStart(ctx)

	r.OnFileResult(fileResult("/repo/a", "passed", "failed"))
	msg := a.nextMessage(t)
	assert.Equal(t, "record_results", msg["action"])
	results, ok := msg["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, "TestA", first["name"])
	assert.Equal(t, "./a", first["location"])

	// empty files send nothing
	r.OnFileResult(fileResult("/repo/empty"))
	r.OnFileResult(fileResult("/repo/b", "skipped"))
	msg = a.nextMessage(t)
	assert.Len(t, msg["results"], 1)

	r.OnRunComplete(ctx)
	msg = a.nextMessage(t)
	assert.Equal(t, "end_of_transmission", msg["action"])
	assert.EqualValues(t, 3, msg["examples_count"])

	select {
	case <-a.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("socket was not closed")
	}

	assert.Equal(t, model.Analytics{Transport: "websocket", Status: model.AnalyticsSent}, r.Analytics())
	assert.Equal(t, model.Summary{Passed: 1, Failed: 1, Skipped: 1}, r.Summary())
	assert.Len(t, r.Files(), 3)
	assert.Equal(t, "/repo/empty", r.Files()[1].Path)
	assert.Equal(t, time.Second, r.Files()[0].Duration)
}

func TestReporterConnectFailureDisables(t *testing.T) {
	a := newAnalytics(t, http.StatusUnauthorized)
	r := New(zerolog.Nop(), a.config(TransportWebsocket), nil)

	r.OnRunStart(context.Background())
	assert.False(t, r.Enabled())

	results := r.OnFileResult(fileResult("/repo/a", "passed"))
	assert.Len(t, results, 1)
	r.OnRunComplete(context.Background())

	analytics := r.Analytics()
	assert.Equal(t, model.AnalyticsFailed, analytics.Status)
	assert.Equal(t, "websocket", analytics.Transport)
	assert.Equal(t, "Buildkite Test Analytics: Invalid Suite API key. Please double check your Suite API key.", analytics.Error)
	assert.EqualValues(t, 1, a.handshakes.Load())
}

func TestReporterSocketLostMidRun(t *testing.T) {
	a := newAnalytics(t, http.StatusOK)
	a.dropAfterConfirm.Store(true)
	r := New(zerolog.Nop(), a.config(TransportWebsocket), nil)

	ctx := context.Background()
	r.OnRunStart(ctx)
	require.True(t, r.Enabled())

	select {
	case <-a.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("socket was not closed")
	}
	require.Eventually(t, func() bool {
		return r.session.State() == buildkite.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	results := r.OnFileResult(fileResult("/repo/a", "passed", "failed"))
	assert.Len(t, results, 2)
	// nothing went over the socket, so nothing is counted
	assert.Zero(t, r.examples)

	r.OnRunComplete(ctx)
	assert.False(t, r.Enabled())
	assert.Equal(t, model.Analytics{
		Transport: "websocket",
		Status:    model.AnalyticsFailed,
		Error:     errSocketLost.Error(),
	}, r.Analytics())
	assert.Len(t, r.Results(), 2)
	assert.Empty(t, a.messages)
}

func TestReporterBatchUpload(t *testing.T) {
	a := newAnalytics(t, http.StatusOK)
	r := New(zerolog.Nop(), a.config(TransportJSON), nil)

	ctx := context.Background()
	r.OnRunStart(ctx)
	r.OnFileResult(fileResult("/repo/a", "passed"))
	r.OnFileResult(fileResult("/repo/b", "failed", "todo"))
	r.OnRunComplete(ctx)

	var body map[string]any
	select {
	case body = <-a.uploads:
	case <-time.After(5 * time.Second):
		t.Fatal("no upload received")
	}
	assert.Equal(t, "json", body["format"])
	assert.Len(t, body["data"], 3)
	env := body["run_env"].(map[string]any)
	assert.Equal(t, "build-1", env["key"])

	assert.Equal(t, model.Analytics{Transport: "json", Status: model.AnalyticsSent}, r.Analytics())
	assert.Equal(t, 3, r.examples)
}

func TestParseTransport(t *testing.T) {
	for in, want := range map[string]Transport{
		"":          TransportWebsocket,
		"websocket": TransportWebsocket,
		"json":      TransportJSON,
	} {
		got, err := ParseTransport(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseTransport("carrier-pigeon")
	assert.Error(t, err)
}
