package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teslashibe/parley/internal/httpc"
)

// HTTPClient synthesizes through the chunked /stream endpoint. Rate limits
// and server errors are retried before any audio has been returned.
type HTTPClient struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates an HTTP TTS provider.
func NewHTTPClient(opts ...Option) (*HTTPClient, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &HTTPClient{
		config: cfg,
		client: httpc.New(cfg.StreamTimeout),
		logger: cfg.Logger.With("component", "tts.http"),
	}, nil
}

// Stream posts text and returns the response body as an audio stream.
func (c *HTTPClient) Stream(ctx context.Context, apiKey, text string) (AudioStream, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}

	body, err := json.Marshal(map[string]any{
		"text":           text,
		"model_id":       c.config.ModelID,
		"voice_settings": c.config.VoiceSettings.payload(),
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s",
		strings.TrimSuffix(c.config.BaseURL, "/"),
		url.PathEscape(c.config.VoiceID),
		url.QueryEscape(string(c.config.OutputFormat)))

	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("tts: create request: %w", err))
		}
		req.Header.Set("xi-api-key", apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/pcm")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, &ConnectionError{Op: "stream request", Err: err}
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := parseHTTPError(resp)
		resp.Body.Close()
		if apiErr.IsRetryable() {
			c.logger.Warn("retrying request", "attempt", attempt, "status", resp.StatusCode)
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryDelay
	b.MaxInterval = 2 * time.Second

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.config.MaxRetries+1)),
	)
	if err != nil {
		return nil, err
	}

	return &httpStream{
		ctx:    ctx,
		body:   resp.Body,
		format: PCMFormat(c.config.OutputFormat),
	}, nil
}

func parseHTTPError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Detail struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"detail"`
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail.Message != "" {
		apiErr.Message = errResp.Detail.Message
		apiErr.Code = errResp.Detail.Status
	}
	return apiErr
}

// httpStream wraps an HTTP response body as AudioStream.
type httpStream struct {
	ctx    context.Context
	body   io.ReadCloser
	format AudioFormat
	buf    [4096]byte
}

func (s *httpStream) Read() ([]byte, error) {
	n, err := s.body.Read(s.buf[:])
	if n > 0 {
		return bytes.Clone(s.buf[:n]), nil
	}
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	return s.Read()
}

func (s *httpStream) Close() error {
	return s.body.Close()
}

func (s *httpStream) Format() AudioFormat {
	return s.format
}

var _ Provider = (*HTTPClient)(nil)
