package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Client opens recognition streams against a websocket listen endpoint.
// Audio is sent as binary linear16 frames; results arrive as JSON
// "Results" messages; a CloseStream control message ends the input.
type Client struct {
	cfg    *Config
	logger *slog.Logger
}

// NewClient creates a websocket client.
func NewClient(opts ...Option) *Client {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "stt.client"),
	}
}

// Open dials the backend and starts the read and write loops. The stream
// is closed when ctx is cancelled.
func (c *Client) Open(ctx context.Context, apiKey string, opts Options) (Stream, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}

	u, err := c.listenURL(opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	s := &stream{
		conn:     conn,
		logger:   c.logger,
		events:   make(chan Event, 64),
		audio:    make(chan []byte, c.cfg.SendBuffer),
		readDone: make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		_ = conn.Close()
		close(s.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

func (c *Client) listenURL(opts Options) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("stt: invalid listen URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}

	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(opts.Channels))
	q.Set("interim_results", strconv.FormatBool(c.cfg.Interim))
	q.Set("smart_format", strconv.FormatBool(c.cfg.SmartFormat))
	if c.cfg.Model != "" {
		q.Set("model", c.cfg.Model)
	}
	if c.cfg.Sentiment {
		q.Set("sentiment", "true")
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type stream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan Event
	audio  chan []byte

	readDone chan struct{}
	closing  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	sendMu        sync.RWMutex
	sendClosed    bool
	closeSendOnce sync.Once
	closeOnce     sync.Once
}

func (s *stream) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return ErrStreamClosed
	}

	frame := append([]byte(nil), pcm...)
	select {
	case s.audio <- frame:
		return nil
	case <-s.readDone:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStreamClosed
	}
}

func (s *stream) Events() <-chan Event {
	return s.events
}

func (s *stream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.conn.Close()
		_ = s.CloseSend()
	})
	<-s.done
	return s.Err()
}

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	if err == nil {
		return
	}
	select {
	case <-s.closing:
		return
	default:
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case frame, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
					s.setErr(&ConnectionError{Op: "close stream", Err: err})
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.setErr(&ConnectionError{Op: "send audio", Err: err})
				_ = s.conn.Close()
				return
			}
		case <-s.readDone:
			return
		}
	}
}

func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(&ConnectionError{Op: "read", Err: err})
			return
		}

		var msg listenMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("ignoring malformed backend message", "error", err)
			continue
		}

		switch {
		case strings.EqualFold(msg.Type, "Error"):
			text := msg.Description
			if text == "" {
				text = msg.Message
			}
			if text == "" {
				text = "unknown backend error"
			}
			s.setErr(&APIError{Message: text})
			return
		case msg.Type != "" && msg.Type != "Results":
			continue
		}

		ev, ok := msg.event()
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closing:
			return
		}
	}
}

type listenMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	Sentiment *struct {
		Label string  `json:"sentiment"`
		Score float64 `json:"sentiment_score"`
	} `json:"sentiment"`
}

func (m listenMessage) event() (Event, bool) {
	if len(m.Channel.Alternatives) == 0 {
		return Event{}, false
	}
	alt := m.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return Event{}, false
	}

	ev := Event{
		Text:       text,
		IsFinal:    m.IsFinal || m.SpeechFinal,
		Confidence: alt.Confidence,
	}
	if m.Sentiment != nil {
		label := m.Sentiment.Label
		if label == "" {
			label = LabelFor(m.Sentiment.Score)
		}
		ev.Sentiment = &Sentiment{Score: m.Sentiment.Score, Label: label}
	}
	return ev, true
}
