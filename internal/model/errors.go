package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyRunning is returned when a message is sent to a session that
	// is still processing the previous one.
	ErrAlreadyRunning = errors.New("session is already running")

	// ErrAdapterStart is returned when an agent process or server did not
	// become ready within its readiness window.
	ErrAdapterStart = errors.New("agent failed to start")

	// ErrProtocol marks a malformed or out-of-order upstream event.
	ErrProtocol = errors.New("agent protocol error")

	// ErrStreamTimeout is returned when a bounded wait on the agent expires.
	ErrStreamTimeout = errors.New("agent stream timed out")

	// ErrSessionDesync is returned when a caller-supplied agent session id no
	// longer exists upstream. It is never healed by creating a new session.
	ErrSessionDesync = errors.New("agent session no longer exists")

	// ErrNotImplemented is returned for agent types that are known but not
	// supported yet.
	ErrNotImplemented = errors.New("agent type not implemented")

	// ErrUnknownAgent is returned for unrecognised agent types.
	ErrUnknownAgent = errors.New("unknown agent type")

	// ErrEmptyMessage is returned when a message has no content.
	ErrEmptyMessage = errors.New("message content is required")
)
