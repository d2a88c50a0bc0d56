package reporter

// reporter.go drives the analytics pipeline through the three hooks of a
// test run: run start, each completed file, and run end.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bktestgo/bktest/buildkite"
	"github.com/bktestgo/bktest/metrics"
	"github.com/bktestgo/bktest/model"
	"github.com/bktestgo/bktest/transform"
)

// Transport selects how results reach Buildkite.
type Transport string

const (
	// TransportWebsocket streams each file's results over the socket.
	TransportWebsocket Transport = "websocket"
	// TransportJSON uploads all results in one request at run end.
	TransportJSON Transport = "json"
)

// ParseTransport maps a flag value to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case "", TransportWebsocket:
		return TransportWebsocket, nil
	case TransportJSON:
		return TransportJSON, nil
	}
	return "", fmt.Errorf("unknown transport %q (expected websocket or json)", s)
}

const defaultConnectTimeout = 30 * time.Second

var errSocketLost = errors.New("socket to Buildkite was lost before the end of transmission")

// Config configures a Reporter.
type Config struct {
	// Token is the suite API token
	Token string
	// BuildID identifies the run. It overrides Env.Key when set.
	BuildID string
	// Endpoint is the upload endpoint; empty uses buildkite.DefaultEndpoint
	Endpoint string
	// Env is the run environment snapshot sent with the handshake
	Env       model.RunEnvironment
	Transport Transport
	Timing    transform.Timing
	// WorkDir is the directory result locations are relative to
	WorkDir string
	// ConnectTimeout bounds the handshake and subscription
	ConnectTimeout time.Duration
	// HTTPClient is used for the handshake and batch upload
	HTTPClient *http.Client
	// NewID overrides result ID generation
	NewID func() string
}

// FileSummary is the outcome of one reported file.
type FileSummary struct {
	Path     string
	Duration time.Duration
	Summary  model.Summary
}

// Reporter normalizes every reported file and, when a token and build ID
// are configured, delivers the results to Buildkite. Delivery failures are
// logged and never propagate to the test run.
type Reporter struct {
	logger  zerolog.Logger
	cfg     Config
	metrics *metrics.Metrics

	session  *buildkite.Session
	uploader *buildkite.Uploader

	enabled bool
	status  model.AnalyticsStatus
	err     error

	results  []model.NormalizedResult
	files    []FileSummary
	summary  model.Summary
	examples int
}

// New creates a Reporter. m may be nil.
func New(logger zerolog.Logger, cfg Config, m *metrics.Metrics) *Reporter {
	if cfg.Transport == "" {
		cfg.Transport = TransportWebsocket
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.BuildID != "" {
		id := cfg.BuildID
		cfg.Env.Key = &id
	}

	r := &Reporter{
		logger:  logger,
		cfg:     cfg,
		metrics: m,
		enabled: cfg.Token != "" && cfg.BuildID != "",
		status:  model.AnalyticsDisabled,
	}
	if !r.enabled {
		logger.Debug().Msg("Buildkite analytics disabled: no API token or build ID")
		return r
	}

	handshaker := buildkite.NewHandshaker(logger, cfg.Endpoint, cfg.Token, cfg.HTTPClient, m)
	switch cfg.Transport {
	case TransportJSON:
		r.uploader = buildkite.NewUploader(logger, handshaker)
	default:
		r.session = buildkite.NewSession(logger, handshaker, m)
	}
	return r
}

// Enabled reports whether results are being delivered.
func (r *Reporter) Enabled() bool {
	return r.enabled
}

// OnRunStart opens the socket for the websocket transport. A failure is
// logged and disables delivery for the rest of the run.
func (r *Reporter) OnRunStart(ctx context.Context) {
	if !r.enabled || r.session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	if err := r.session.Connect(ctx, r.cfg.Env); err != nil {
		r.disable(err)
	}
}

// OnFileResult normalizes one completed file and streams its results.
// Empty files send nothing.
func (r *Reporter) OnFileResult(file model.FileResult) []model.NormalizedResult {
	results := transform.Normalize(file, transform.Options{
		WorkDir: r.cfg.WorkDir,
		Timing:  r.cfg.Timing,
		NewID:   r.cfg.NewID,
	})

	fs := FileSummary{Path: file.Path, Duration: file.End.Sub(file.Start)}
	for _, res := range results {
		r.metrics.RecordResult(string(res.Result))
		fs.Summary.Add(res.Result)
		r.summary.Add(res.Result)
	}
	r.files = append(r.files, fs)
	r.results = append(r.results, results...)

	if !r.enabled || len(results) == 0 {
		return results
	}

	if r.session == nil {
		// batched until run end
		r.examples += len(results)
		return results
	}
	if r.session.State() != buildkite.StateSubscribed {
		return results
	}

	err := r.session.Message(map[string]any{
		"action":  buildkite.ActionRecordResults,
		"results": results,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("file", file.Path).Msg("Failed to send results to Buildkite")
		return results
	}
	r.examples += len(results)
	r.metrics.RecordFileUploaded()
	r.logger.Debug().
		Str("file", file.Path).
		Int("results", len(results)).
		Msg("Sent results to Buildkite")
	return results
}

// OnRunComplete ends the transmission, or uploads the batch for the json
// transport.
func (r *Reporter) OnRunComplete(ctx context.Context) {
	if !r.enabled {
		return
	}

	if r.uploader != nil {
		if _, err := r.uploader.Upload(ctx, r.cfg.Env, r.results); err != nil {
			r.disable(err)
			return
		}
		r.metrics.RecordFileUploaded()
		r.status = model.AnalyticsSent
		return
	}

	subscribed := r.session.State() == buildkite.StateSubscribed
	err := r.session.Close(r.examples)
	switch {
	case err != nil:
		r.disable(err)
	case !subscribed:
		r.disable(errSocketLost)
	default:
		r.status = model.AnalyticsSent
		r.logger.Info().Int("examples", r.examples).Msg("Results sent to Buildkite")
	}
}

func (r *Reporter) disable(err error) {
	r.logger.Error().Err(err).Msg("Buildkite analytics disabled for this run")
	r.enabled = false
	r.status = model.AnalyticsFailed
	r.err = err
}

// Results returns every normalized result of the run so far.
func (r *Reporter) Results() []model.NormalizedResult {
	return r.results
}

// Files returns the per-file summaries in report order.
func (r *Reporter) Files() []FileSummary {
	return r.files
}

// Summary returns the result counts of the run so far.
func (r *Reporter) Summary() model.Summary {
	return r.summary
}

// Analytics describes how the run's results were delivered.
func (r *Reporter) Analytics() model.Analytics {
	a := model.Analytics{Status: r.status}
	if r.status != model.AnalyticsDisabled {
		a.Transport = string(r.cfg.Transport)
	}
	if r.err != nil {
		a.Error = r.err.Error()
	}
	return a
}
