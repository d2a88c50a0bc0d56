package buildkite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/bktestgo/bktest/model"
)

// maxUploadBody bounds how much of an upload response is kept for logging.
const maxUploadBody = 4096

type uploadRequest struct {
	Format string                   `json:"format"`
	RunEnv model.RunEnvironment     `json:"run_env"`
	Data   []model.NormalizedResult `json:"data"`
}

// UploadResponse is the service's reply to a batch upload.
type UploadResponse struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	Queued     int    `json:"queued"`
	Skipped    int    `json:"skipped"`
	RunURL     string `json:"run_url"`
	StatusCode int    `json:"-"`
}

// Uploader posts all results of a run in one request. It shares the
// handshaker's endpoint, token and client.
type Uploader struct {
	logger     zerolog.Logger
	handshaker *Handshaker
}

func NewUploader(logger zerolog.Logger, handshaker *Handshaker) *Uploader {
	return &Uploader{logger: logger, handshaker: handshaker}
}

// Upload sends {format:"json", run_env, data}. Failures are classified the
// same way as the handshake.
func (u *Uploader) Upload(ctx context.Context, env model.RunEnvironment, results []model.NormalizedResult) (UploadResponse, error) {
	if results == nil {
		results = []model.NormalizedResult{}
	}
	body, err := json.Marshal(uploadRequest{Format: formatJSON, RunEnv: env, Data: results})
	if err != nil {
		return UploadResponse{}, fmt.Errorf("failed to encode upload: %w", err)
	}

	u.logger.Debug().
		Str("endpoint", u.handshaker.endpoint).
		Int("results", len(results)).
		Msg("Uploading results")

	resp, err := u.handshaker.post(ctx, body)
	if err != nil {
		return UploadResponse{}, newConnectionError(transportCause(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadBody))
	if err != nil {
		return UploadResponse{StatusCode: resp.StatusCode}, newConnectionError(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return UploadResponse{StatusCode: resp.StatusCode}, newAuthError()
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		u.logger.Debug().
			Int("status", resp.StatusCode).
			Str("body", string(data)).
			Msg("Upload refused")
		return UploadResponse{StatusCode: resp.StatusCode}, newServiceUnavailableError(resp.StatusCode)
	}

	out := UploadResponse{StatusCode: resp.StatusCode}
	// the body is informational; a 2xx with an odd body still counts
	if err := json.Unmarshal(data, &out); err != nil {
		u.logger.Debug().Err(err).Msg("Could not decode upload response")
	}
	out.StatusCode = resp.StatusCode

	u.logger.Info().
		Int("status", resp.StatusCode).
		Str("run_url", out.RunURL).
		Msg("Results uploaded to Buildkite")
	return out, nil
}
