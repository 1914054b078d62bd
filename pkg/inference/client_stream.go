package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Stream returns a streaming chat response read from server-sent events.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	resp, err := c.post(ctx, c.stream, c.buildChatPayload(req, model, true))
	if err != nil {
		return nil, err
	}

	return &clientStream{
		ctx:    ctx,
		reader: bufio.NewReader(resp.Body),
		body:   resp.Body,
	}, nil
}

type clientStream struct {
	ctx    context.Context
	reader *bufio.Reader
	body   io.ReadCloser
	done   bool
}

// Recv returns the next chunk. An EOF before the terminating event is an
// error so a truncated reply is not mistaken for a complete one.
func (s *clientStream) Recv() (*StreamChunk, error) {
	if s.done {
		return &StreamChunk{Done: true}, nil
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
				return nil, WrapError(providerClient, io.ErrUnexpectedEOF)
			}
			if !errors.Is(err, io.EOF) {
				return nil, WrapError(providerClient, fmt.Errorf("read stream: %w", err))
			}
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return &StreamChunk{Done: true}, nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if event.Error != nil {
			return nil, &APIError{Message: event.Error.Message, Code: event.Error.Code, Provider: providerClient}
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.FinishReason != "" {
			s.done = true
		}
		return &StreamChunk{
			Delta:        choice.Delta.Content,
			FinishReason: choice.FinishReason,
			Done:         choice.FinishReason != "",
		}, nil
	}
}

// Close stops the stream.
func (s *clientStream) Close() error {
	return s.body.Close()
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}
