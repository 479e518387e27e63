// Package server exposes the HTTP surface of voxrelay: session issuance,
// the live-transcription upgrade, metadata read-through, and the page that
// seeds browsers with a nonce. Routing is pure dispatch against a fixed
// table; the business rules live in the nonce, token, and relay packages.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"

	"github.com/voxrelay/voxrelay/nonce"
	"github.com/voxrelay/voxrelay/token"
)

// NonceHeader carries the page nonce on session requests. It is listed in
// the CORS allowed headers so browsers may send it cross-origin.
const NonceHeader = "X-Session-Nonce"

// Config contains the run time parameters for the HTTP server.
type Config struct {
	// Nonces is the store backing nonce issuance and consumption.
	Nonces *nonce.Store

	// Tokens issues session tokens on successful /api/session requests.
	Tokens *token.Issuer

	// EnforceNonce requires a valid nonce for token issuance. It is false
	// only when no external signing secret was configured.
	EnforceNonce bool

	// Relay handles the live-transcription WebSocket upgrade.
	Relay http.Handler

	// StaticDir holds the web client; index.html is served with a fresh
	// nonce injected.
	StaticDir string

	// DevServerURL, when set, proxies page requests to a front-end dev
	// server instead of serving StaticDir. Proxied HTML responses still
	// get a nonce injected.
	DevServerURL string

	// MetadataFile is the YAML file whose meta section backs /api/metadata.
	MetadataFile string

	// Logger is used to log request handling events. Defaults to a
	// discard logger.
	Logger *logrus.Logger
}

// Server dispatches incoming requests. It implements http.Handler.
type Server struct {
	router       *mux.Router
	nonces       *nonce.Store
	tokens       *token.Issuer
	enforceNonce bool
	staticDir    string
	metadataFile string
	logger       *logrus.Logger
}

// New creates a Server from conf.
func New(conf Config) (*Server, error) {
	s := &Server{
		nonces:       conf.Nonces,
		tokens:       conf.Tokens,
		enforceNonce: conf.EnforceNonce,
		staticDir:    conf.StaticDir,
		metadataFile: conf.MetadataFile,
		logger:       conf.Logger,
	}
	if s.logger == nil {
		logger, _ := nullLog.NewNullLogger()
		s.logger = logger
	}

	page := http.Handler(http.HandlerFunc(s.handleStatic))
	if conf.DevServerURL != "" {
		target, err := url.Parse(conf.DevServerURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid dev server url")
		}
		page = s.devProxy(target)
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(s.handlePreflight)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	r.Handle("/api/live-transcription", conf.Relay).Methods(http.MethodGet)
	r.HandleFunc("/api/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(page).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleNotFound)
	s.router = r

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleSession exchanges a page nonce for a session token. When nonce
// enforcement is disabled (no external signing secret), any caller obtains
// a token.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.enforceNonce {
		n := r.Header.Get(NonceHeader)
		if n == "" || !s.nonces.Consume(n) {
			s.logger.WithField("remote-addr", r.RemoteAddr).
				Warn("session request with missing or invalid nonce")
			s.writeError(w, http.StatusForbidden, "AuthenticationError", "INVALID_NONCE",
				"a valid, unused nonce is required")
			return
		}
	}

	tok, err := s.tokens.Issue()
	if err != nil {
		s.logger.Errorf("could not issue session token: %v", err)
		s.writeError(w, http.StatusInternalServerError, "InternalError", "TOKEN_ISSUE_FAILED",
			"could not issue session token")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{
		"error":   "Not Found",
		"message": fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	})
}

// corsMiddleware sets the CORS headers on every routed response.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w.Header())
		next.ServeHTTP(w, r)
	})
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+NonceHeader)
}

func (s *Server) writeError(w http.ResponseWriter, status int, typ, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    typ,
			"code":    code,
			"message": message,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	// the not-found handlers bypass the middleware, so set CORS here too
	setCORS(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorf("could not encode response body: %v", err)
	}
}
