package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// WSClient synthesizes over the stream-input websocket. Each Stream call
// opens its own connection so the credential key can differ per call.
//
// The exchange is a BOS frame carrying voice settings, the text with a
// flush request, and an empty EOS frame. Audio arrives as base64 JSON
// frames (or raw binary frames) until a frame marked final.
type WSClient struct {
	config *Config
	logger *slog.Logger
}

// NewWSClient creates a websocket TTS provider.
func NewWSClient(opts ...Option) (*WSClient, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &WSClient{
		config: cfg,
		logger: cfg.Logger.With("component", "tts.ws"),
	}, nil
}

// Stream dials the backend, sends text and returns the audio stream.
// Cancelling ctx closes the connection and unblocks Read.
func (c *WSClient) Stream(ctx context.Context, apiKey, text string) (AudioStream, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}

	u, err := c.streamURL()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("xi-api-key", apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	frames := []any{
		map[string]any{
			"text":           " ",
			"voice_settings": c.config.VoiceSettings.payload(),
			"generation_config": map[string]any{
				"chunk_length_schedule": c.config.ChunkSchedule,
			},
		},
		map[string]any{"text": strings.TrimSpace(text) + " ", "flush": true},
		map[string]any{"text": ""},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			conn.Close()
			return nil, &ConnectionError{Op: "send text", Err: err}
		}
	}

	s := &wsStream{
		conn:   conn,
		ctx:    ctx,
		format: PCMFormat(c.config.OutputFormat),
		logger: c.logger,
	}
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })

	c.logger.Debug("stream opened", "voice", c.config.VoiceID, "chars", len(text))
	return s, nil
}

func (c *WSClient) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimSuffix(c.config.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("tts: invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/text-to-speech/" + url.PathEscape(c.config.VoiceID) + "/stream-input"

	q := u.Query()
	q.Set("model_id", c.config.ModelID)
	q.Set("output_format", string(c.config.OutputFormat))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	stop   func() bool
	format AudioFormat
	logger *slog.Logger

	mu        sync.Mutex
	ended     bool
	closed    bool
	closeOnce sync.Once
}

type wsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Type    string `json:"message_type"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (s *wsStream) Read() ([]byte, error) {
	s.mu.Lock()
	closed, ended := s.closed, s.ended
	s.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}
	if ended {
		return nil, nil
	}

	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			return nil, s.readErr(err)
		}
		if kind == websocket.BinaryMessage {
			if len(payload) == 0 {
				continue
			}
			return payload, nil
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("ignoring malformed backend message", "error", err)
			continue
		}
		if msg.Error != "" {
			text := msg.Message
			if text == "" {
				text = msg.Error
			}
			return nil, &APIError{Message: text, Code: msg.Code}
		}

		var chunk []byte
		if msg.Audio != "" {
			chunk, err = base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, &APIError{Message: "undecodable audio frame"}
			}
		}
		if msg.IsFinal || strings.EqualFold(msg.Type, "Flushed") {
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
		}
		if len(chunk) > 0 {
			return chunk, nil
		}
		if msg.IsFinal || strings.EqualFold(msg.Type, "Flushed") {
			return nil, nil
		}
	}
}

func (s *wsStream) readErr(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		return nil
	}
	return &ConnectionError{Op: "read", Err: err}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.stop()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	})
	return nil
}

func (s *wsStream) Format() AudioFormat {
	return s.format
}

var _ Provider = (*WSClient)(nil)
