package relay

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// dialTimeout bounds the upstream handshake. An unbounded dial would leak a
// pending session; on timeout the dial is treated as a failure.
const dialTimeout = 10 * time.Second

// Connection parameters forwarded to the upstream service, with the defaults
// applied when the client does not supply them. Values pass through
// unmodified; the upstream service is the source of truth for what is valid
// and rejects bad ones itself.
var upstreamParams = []struct {
	name string
	def  string
}{
	{"model", "nova-2"},
	{"encoding", "linear16"},
	{"sample_rate", "16000"},
	{"channels", "1"},
	{"punctuate", "true"},
	{"interim_results", "true"},
}

// upstreamURL builds the upstream dial URL from the configured base and the
// client's query parameters.
func upstreamURL(base string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, p := range upstreamParams {
		v := query.Get(p.name)
		if v == "" {
			v = p.def
		}
		q.Set(p.name, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialUpstream opens the upstream socket. The API key is held server-side
// and never reaches the client.
func dialUpstream(base string, query url.Values, apiKey string) (*websocket.Conn, error) {
	uri, err := upstreamURL(base, query)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	header := make(http.Header)
	header.Set("Authorization", "Token "+apiKey)

	conn, _, err := dialer.Dial(uri, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
