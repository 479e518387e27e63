package relay

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/slugid-go/slugid"
)

// relayClosure is the close code sent to the client when the relay itself
// tears the session down, distinguishing it from peer-initiated closes.
const relayClosure = 3000

// controlTimeout bounds writes of forwarded and synthesized control frames.
const controlTimeout = 20 * time.Second

// Error codes carried in synthesized error frames.
const (
	// CodeConnectionFailed reports a failed or timed-out upstream dial.
	CodeConnectionFailed = "CONNECTION_FAILED"

	// CodeUpstreamError reports an upstream failure mid-session.
	CodeUpstreamError = "UPSTREAM_ERROR"

	// CodeUnknownError reports a failure the relay cannot classify.
	CodeUnknownError = "UNKNOWN_ERROR"
)

// errorFrame is the one message schema the relay synthesizes itself; all
// other traffic is verbatim passthrough.
type errorFrame struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Code        string `json:"code"`
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateRelaying
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateRelaying:
		return "relaying"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// session pairs one client socket with at most one upstream socket. The two
// legs fail independently; whichever dies first takes the other with it
// through a single idempotent teardown. A session never touches another
// session's state, so one failing cannot affect the rest of the process.
type session struct {
	id          string
	upstreamURL string
	upstreamKey string
	logger      *logrus.Logger

	m        sync.Mutex
	state    sessionState
	client   *websocket.Conn
	upstream *websocket.Conn // nil until the dial completes

	stop *stopper
}

func newSession(client *websocket.Conn, upstreamURL, upstreamKey string, logger *logrus.Logger) *session {
	return &session{
		id:          slugid.Nice(),
		upstreamURL: upstreamURL,
		upstreamKey: upstreamKey,
		logger:      logger,
		state:       stateConnecting,
		client:      client,
		stop:        newStopper(),
	}
}

// run drives the session from Connecting to Closed. It returns once both
// legs are closed. Any failure during setup is caught, reported to the
// client as an error frame, and contained to this session.
func (s *session) run(query url.Values) {
	defer func() {
		if r := recover(); r != nil {
			s.logerrorf("session setup panic: %v", r)
			s.writeErrorFrame(CodeUnknownError, "internal relay failure")
			s.teardown()
		}
	}()

	s.logf("dialing upstream")
	up, err := dialUpstream(s.upstreamURL, query, s.upstreamKey)
	if err != nil {
		s.logerrorf("upstream dial failed: %v", err)
		s.failConnect()
		return
	}

	s.m.Lock()
	s.upstream = up
	s.state = stateRelaying
	s.m.Unlock()
	s.logf("relaying")

	s.bridge()
}

// failConnect reports a dial failure to the client and closes its socket
// with a distinguishing close code. Client frames sent before this point
// were never read and are lost; given the sub-second connect time this is
// an accepted limitation rather than something to silently mask.
func (s *session) failConnect() {
	s.setState(stateClosing)

	s.writeErrorFrame(CodeConnectionFailed, "could not connect to the transcription service")
	deadline := time.Now().Add(controlTimeout)
	_ = s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(relayClosure, "upstream connection failed"), deadline)
	_ = s.client.Close()

	s.setState(stateClosed)
	s.logf("session closed")
}

// bridge wires the two legs together and blocks until the first of them
// exits, then tears both down. The client leg is only read from here on;
// frames the client sent while the dial was in flight are dropped.
func (s *session) bridge() {
	client, upstream := s.client, s.upstream

	// forward ping and pong across the pair
	client.SetPingHandler(forwardControl(websocket.PingMessage, upstream))
	upstream.SetPingHandler(forwardControl(websocket.PingMessage, client))
	client.SetPongHandler(forwardControl(websocket.PongMessage, upstream))
	upstream.SetPongHandler(forwardControl(websocket.PongMessage, client))

	// teardown is driven by the pumps, not by close frames
	client.SetCloseHandler(func(int, string) error { return nil })
	upstream.SetCloseHandler(func(int, string) error { return nil })

	go s.pumpClient()
	go s.pumpUpstream()

	s.stop.wait()
	s.teardown()
}

// pumpClient forwards client frames (binary audio) to the upstream socket in
// arrival order. Frames that cannot be written because the upstream leg is
// gone are dropped; there is no buffering and no backpressure signal.
func (s *session) pumpClient() {
	defer s.stop.stop()
	for {
		mtype, data, err := s.client.ReadMessage()
		if err != nil {
			if isUnexpectedClose(err) {
				s.onClientError(err)
			} else {
				s.onClientClose()
			}
			return
		}
		if s.stop.isStopped() {
			return
		}
		if err := s.upstream.WriteMessage(mtype, data); err != nil {
			s.onUpstreamError(err)
			return
		}
	}
}

// pumpUpstream forwards upstream messages (transcription results) to the
// client in arrival order. An abnormal upstream failure is reported to the
// client in-band before teardown.
func (s *session) pumpUpstream() {
	defer s.stop.stop()
	for {
		mtype, data, err := s.upstream.ReadMessage()
		if err != nil {
			if isUnexpectedClose(err) {
				s.writeErrorFrame(CodeUpstreamError, "transcription service connection lost")
				s.onUpstreamError(err)
			} else {
				s.onUpstreamClose()
			}
			return
		}
		if s.stop.isStopped() {
			return
		}
		if err := s.client.WriteMessage(mtype, data); err != nil {
			s.onClientError(err)
			return
		}
	}
}

// The four socket events funnel into the same idempotent teardown, so any
// combination of triggers firing redundantly is safe.

func (s *session) onClientClose() {
	s.logf("client closed")
	s.teardown()
}

func (s *session) onClientError(err error) {
	s.logerrorf("client socket error: %v", err)
	s.teardown()
}

func (s *session) onUpstreamClose() {
	s.logf("upstream closed")
	s.teardown()
}

func (s *session) onUpstreamError(err error) {
	s.logerrorf("upstream socket error: %v", err)
	s.teardown()
}

// teardown closes both legs. Close calls are idempotent, so every event
// handler and the bridge itself may invoke this without coordination.
func (s *session) teardown() {
	s.m.Lock()
	if s.state == stateClosing || s.state == stateClosed {
		s.m.Unlock()
		return
	}
	s.state = stateClosing
	client, upstream := s.client, s.upstream
	s.m.Unlock()

	s.stop.stop()
	_ = client.Close()
	if upstream != nil {
		_ = upstream.Close()
	}

	s.setState(stateClosed)
	s.logf("session closed")
}

// writeErrorFrame sends a synthesized error frame on the client leg. Write
// errors are ignored; the session is closing either way.
func (s *session) writeErrorFrame(code, description string) {
	frame, err := json.Marshal(errorFrame{
		Type:        "Error",
		Description: description,
		Code:        code,
	})
	if err != nil {
		return
	}
	_ = s.client.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) setState(st sessionState) {
	s.m.Lock()
	s.state = st
	s.m.Unlock()
}

func (s *session) currentState() sessionState {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

func isUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure)
}

func forwardControl(messageType int, dest *websocket.Conn) func(string) error {
	return func(appData string) error {
		return dest.WriteControl(messageType, []byte(appData), time.Now().Add(controlTimeout))
	}
}

// session logging utilities

func (s *session) logf(format string, v ...any) {
	s.logger.WithFields(logrus.Fields{
		"session-id": s.id,
		"state":      s.currentState().String(),
	}).Printf(format, v...)
}

func (s *session) logerrorf(format string, v ...any) {
	s.logger.WithFields(logrus.Fields{
		"session-id": s.id,
		"state":      s.currentState().String(),
	}).Errorf(format, v...)
}
