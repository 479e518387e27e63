package relay

import (
	"errors"
)

var (
	// ErrNotWebSocket is returned when a live-transcription request does not
	// declare a WebSocket upgrade.
	ErrNotWebSocket = errors.New("request is not a websocket upgrade")

	// ErrMissingToken is returned when no subprotocol entry carries a
	// session token.
	ErrMissingToken = errors.New("no access_token subprotocol on upgrade request")

	// ErrAuthFailed is returned when session token verification fails.
	ErrAuthFailed = errors.New("auth failed")
)
