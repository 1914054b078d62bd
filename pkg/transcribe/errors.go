package transcribe

import "errors"

var (
	// ErrSessionExists is returned by Start when the participant already
	// has a live session.
	ErrSessionExists = errors.New("transcribe: session already active")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("transcribe: closed")
)
