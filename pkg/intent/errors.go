package intent

import "errors"

var (
	// ErrNoAgentName is returned by New when no agent name is configured.
	ErrNoAgentName = errors.New("intent: agent name required")

	// ErrUnparseable is returned when a classifier answer is neither yes
	// nor no.
	ErrUnparseable = errors.New("intent: unparseable classifier answer")
)
