package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// staticVerifier accepts or rejects every token.
type staticVerifier bool

func (v staticVerifier) Verify(string) bool { return bool(v) }

func genLogger() *logrus.Logger {
	return &logrus.Logger{
		Out:       os.Stdout,
		Formatter: new(logrus.TextFormatter),
		Level:     logrus.DebugLevel,
	}
}

func newRelayServer(t *testing.T, conf Config) *httptest.Server {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = genLogger()
	}
	server := httptest.NewServer(New(conf))
	t.Cleanup(server.Close)
	return server
}

func recvBytes(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting on channel")
		return nil
	}
}

func TestRejectsNonUpgradeRequest(t *testing.T) {
	server := newRelayServer(t, Config{
		Verifier:    staticVerifier(true),
		UpstreamURL: "ws://example.invalid/v1/listen",
		UpstreamKey: "test-key",
	})

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	var body struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "UPGRADE_REQUIRED", body.Error.Code)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRejectsUpgradeWithoutTokenSubprotocol(t *testing.T) {
	server := newRelayServer(t, Config{
		Verifier:    staticVerifier(true),
		UpstreamURL: "ws://example.invalid/v1/listen",
		UpstreamKey: "test-key",
	})

	_, resp, err := websocket.DefaultDialer.Dial(util.MakeWsURL(server.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRejectsInvalidToken(t *testing.T) {
	server := newRelayServer(t, Config{
		Verifier:    staticVerifier(false),
		UpstreamURL: "ws://example.invalid/v1/listen",
		UpstreamKey: "test-key",
	})

	dialer := &websocket.Dialer{
		Subprotocols: []string{TokenPrefix + "bogus"},
	}
	_, resp, err := dialer.Dial(util.MakeWsURL(server.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestForwardsBothDirectionsVerbatim(t *testing.T) {
	audio := []byte{0x00, 0x01, 0x7f, 0x80, 0xff, 0x42}
	transcript := []byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"hello"}]}}`)

	authHeaders := make(chan string, 1)
	queries := make(chan url.Values, 1)
	received := make(chan []byte, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders <- r.Header.Get("Authorization")
		queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		_ = conn.WriteMessage(websocket.TextMessage, transcript)
		// hold the leg open until the relay closes it
		_, _, _ = conn.ReadMessage()
	}))
	defer upstream.Close()

	server := newRelayServer(t, Config{
		Verifier:    staticVerifier(true),
		UpstreamURL: util.MakeWsURL(upstream.URL),
		UpstreamKey: "test-key",
	})

	dialer := &websocket.Dialer{
		Subprotocols: []string{TokenPrefix + "sometoken"},
	}
	client, _, err := dialer.Dial(util.MakeWsURL(server.URL)+"?model=whisper", nil)
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	// the matched subprotocol is echoed back to finish negotiation
	assert.Equal(t, TokenPrefix+"sometoken", client.Subprotocol())

	// upstream auth uses the server-held credential
	assert.Equal(t, "Token test-key", <-authHeaders)

	// client-supplied params pass through, defaults fill the rest
	q := <-queries
	assert.Equal(t, "whisper", q.Get("model"))
	assert.Equal(t, "linear16", q.Get("encoding"))
	assert.Equal(t, "16000", q.Get("sample_rate"))

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, audio))
	assert.Equal(t, audio, recvBytes(t, received), "audio must arrive unmodified")

	mtype, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mtype)
	assert.Equal(t, transcript, data, "transcript must arrive unmodified")
}

func TestDialFailureSendsErrorFrameAndCloses(t *testing.T) {
	// a closed server leaves a connection-refused address behind
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := util.MakeWsURL(dead.URL)
	dead.Close()

	server := newRelayServer(t, Config{
		Verifier:    staticVerifier(true),
		UpstreamURL: deadURL,
		UpstreamKey: "test-key",
	})

	dialer := &websocket.Dialer{
		Subprotocols: []string{TokenPrefix + "sometoken"},
	}
	client, _, err := dialer.Dial(util.MakeWsURL(server.URL), nil)
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	mtype, data, err := client.ReadMessage()
	require.NoError(t, err, "the client must receive an error frame before the close")
	assert.Equal(t, websocket.TextMessage, mtype)

	var frame errorFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "Error", frame.Type)
	assert.Equal(t, CodeConnectionFailed, frame.Code)
	assert.NotEmpty(t, frame.Description)

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, relayClosure),
		"expected close code %d, got %v", relayClosure, err)
}

func TestClientDisconnectClosesUpstream(t *testing.T) {
	upstreamClosed := make(chan struct{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(upstreamClosed)
				return
			}
		}
	}))
	defer upstream.Close()

	server := newRelayServer(t, Config{
		Verifier:    staticVerifier(true),
		UpstreamURL: util.MakeWsURL(upstream.URL),
		UpstreamKey: "test-key",
	})

	dialer := &websocket.Dialer{
		Subprotocols: []string{TokenPrefix + "sometoken"},
	}
	client, _, err := dialer.Dial(util.MakeWsURL(server.URL), nil)
	require.NoError(t, err)

	_ = client.Close()

	select {
	case <-upstreamClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream socket was not closed after client disconnect")
	}
}

func TestUpstreamFailureReportedToClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// fail the leg with an abnormal close code
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), deadline)
		_ = conn.Close()
	}))
	defer upstream.Close()

	server := newRelayServer(t, Config{
		Verifier:    staticVerifier(true),
		UpstreamURL: util.MakeWsURL(upstream.URL),
		UpstreamKey: "test-key",
	})

	dialer := &websocket.Dialer{
		Subprotocols: []string{TokenPrefix + "sometoken"},
	}
	client, _, err := dialer.Dial(util.MakeWsURL(server.URL), nil)
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	mtype, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mtype)

	var frame errorFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, CodeUpstreamError, frame.Code)
}

func TestUpstreamURLDefaults(t *testing.T) {
	uri, err := upstreamURL("wss://api.example.com/v1/listen", url.Values{})
	require.NoError(t, err)

	u, err := url.Parse(uri)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "nova-2", q.Get("model"))
	assert.Equal(t, "linear16", q.Get("encoding"))
	assert.Equal(t, "16000", q.Get("sample_rate"))
	assert.Equal(t, "1", q.Get("channels"))
	assert.Equal(t, "true", q.Get("punctuate"))
	assert.Equal(t, "true", q.Get("interim_results"))
}

func TestUpstreamURLPassthrough(t *testing.T) {
	query := url.Values{}
	query.Set("model", "base")
	query.Set("sample_rate", "44100")
	// bad values are not validated here; the upstream rejects them itself
	query.Set("channels", "lots")

	uri, err := upstreamURL("wss://api.example.com/v1/listen", query)
	require.NoError(t, err)

	u, err := url.Parse(uri)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "base", q.Get("model"))
	assert.Equal(t, "44100", q.Get("sample_rate"))
	assert.Equal(t, "lots", q.Get("channels"))
	assert.Equal(t, "true", q.Get("punctuate"))
}
