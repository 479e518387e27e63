// Package relay authenticates live-transcription WebSocket upgrades and
// bridges each accepted client socket to a streaming speech-recognition
// upstream. Payloads are opaque: binary audio flows client to upstream,
// transcript messages flow back, and neither direction is parsed or
// validated. The only message the relay synthesizes itself is the error
// frame it sends before closing a failed session.
package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
)

// TokenPrefix marks the subprotocol entry carrying the session token.
// Browser WebSocket APIs cannot attach custom headers or reliable query
// strings to upgrade requests, but the subprotocol list is application
// controlled and sent on every upgrade, so it is repurposed as the token
// carrier.
const TokenPrefix = "access_token."

// Verifier checks a session token extracted from an upgrade request.
type Verifier interface {
	Verify(token string) bool
}

// Config contains the run time parameters for the relay handler.
type Config struct {
	// Verifier validates session tokens carried in the subprotocol list.
	Verifier Verifier

	// UpstreamURL is the base URL of the speech-recognition service, for
	// example wss://api.deepgram.com/v1/listen.
	UpstreamURL string

	// UpstreamKey authenticates the relay to the upstream service.
	UpstreamKey string

	// Logger is used to log relay events. Defaults to a discard logger.
	Logger *logrus.Logger
}

// Handler gates WebSocket upgrades on a valid session token and runs a proxy
// session for each accepted connection. It implements http.Handler.
type Handler struct {
	verifier    Verifier
	upstreamURL string
	upstreamKey string
	logger      *logrus.Logger
}

// New creates a relay handler from conf.
func New(conf Config) *Handler {
	h := &Handler{
		verifier:    conf.Verifier,
		upstreamURL: conf.UpstreamURL,
		upstreamKey: conf.UpstreamKey,
		logger:      conf.Logger,
	}
	if h.logger == nil {
		logger, _ := nullLog.NewNullLogger()
		h.logger = logger
	}
	return h
}

// ServeHTTP validates the upgrade request and, on success, completes the
// upgrade and relays until either leg closes. Authentication failures are
// surfaced here, before any session resources are allocated.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		h.logerrorf(r, "%v", ErrNotWebSocket)
		writeHandshakeError(w, http.StatusUpgradeRequired, "ProtocolError", "UPGRADE_REQUIRED",
			"this endpoint only accepts websocket upgrade requests")
		return
	}

	proto, tokenString := sessionToken(r)
	if tokenString == "" {
		h.logerrorf(r, "%v", ErrMissingToken)
		writeHandshakeError(w, http.StatusUnauthorized, "AuthenticationError", "MISSING_TOKEN",
			"a session token must be supplied via the "+TokenPrefix+"<token> subprotocol")
		return
	}

	if !h.verifier.Verify(tokenString) {
		h.logerrorf(r, "%v", ErrAuthFailed)
		writeHandshakeError(w, http.StatusUnauthorized, "AuthenticationError", "INVALID_TOKEN",
			"session token is invalid or expired")
		return
	}

	// Echo the matched subprotocol so the browser accepts the negotiation.
	upgrader := websocket.Upgrader{
		Subprotocols: []string{proto},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logerrorf(r, "could not upgrade client connection: %v", err)
		return
	}

	sess := newSession(client, h.upstreamURL, h.upstreamKey, h.logger)
	sess.run(r.URL.Query())
}

// sessionToken finds the subprotocol entry carrying the session token and
// returns the full entry together with the extracted token.
func sessionToken(r *http.Request) (proto, token string) {
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, TokenPrefix) {
			return p, strings.TrimPrefix(p, TokenPrefix)
		}
	}
	return "", ""
}

// writeHandshakeError reports an upgrade rejection as a structured JSON
// body. CORS headers are included so browser callers can read the failure.
func writeHandshakeError(w http.ResponseWriter, status int, typ, code, message string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    typ,
			"code":    code,
			"message": message,
		},
	})
}

func (h *Handler) logerrorf(r *http.Request, format string, v ...any) {
	h.logger.WithFields(logrus.Fields{
		"remote-addr": r.RemoteAddr,
		"path":        r.URL.Path,
	}).Errorf(format, v...)
}
