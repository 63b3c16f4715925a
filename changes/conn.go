package changes

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/config"
)

// Spec holds the runtime settings for a changes connection.
type Spec struct {
	// URL is the server url, such as https://a.example.com:8080.
	URL      string
	Database string
	Config   *config.ChangesConfig
	// Executor fetches the server certificate for pinning.
	Executor api.RequestExecutor
	// Certificate authenticates the client. When set, the server
	// certificate is pinned to the one reported by the Executor.
	Certificate *tls.Certificate
	// ClientID identifies this client to the server.
	ClientID string
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// OnError receives every connection and processing error.
	OnError func(error)
	// OnClose is called with the database name when the connection closes.
	OnClose func(database string)
	Log     *slog.Logger
	Metrics *Metrics
}

// changesURL maps http(s)://host to ws(s)://host/databases/<db>/changes,
// adding a clientId parameter when clientID is set.
func changesURL(base, database, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", base)
	}
	u.Path += "/databases/" + database + "/changes"
	if clientID != "" {
		u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	}
	return u.String(), nil
}

func (c *Changes) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := changesURL(c.Spec.URL, c.Spec.Database, c.Spec.ClientID)
	if err != nil {
		return nil, err
	}
	d := *websocket.DefaultDialer
	if c.Spec.Dialer != nil {
		d = *c.Spec.Dialer
	}
	if c.Spec.Certificate != nil {
		tc := &tls.Config{}
		if d.TLSClientConfig != nil {
			tc = d.TLSClientConfig.Clone()
		}
		tc.Certificates = []tls.Certificate{*c.Spec.Certificate}
		d.TLSClientConfig = tc
	}

	c.log.Debug("dialing changes", "url", u)
	ws, resp, err := d.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", u, err)
	}
	if c.Spec.Certificate != nil {
		if err := c.verifyServerCertificate(ctx, ws); err != nil {
			ws.Close()
			return nil, err
		}
	}
	return ws, nil
}

// verifyServerCertificate compares the certificate presented on the
// connection with the one the server reports over its API.
func (c *Changes) verifyServerCertificate(ctx context.Context, ws *websocket.Conn) error {
	tc, ok := ws.NetConn().(*tls.Conn)
	if !ok {
		return nil
	}
	if c.Spec.Executor == nil {
		return api.NewError(api.ErrCodeCertificateMismatch, "no executor to fetch the server certificate")
	}
	info, err := c.Spec.Executor.GetTCPInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch server certificate: %w", err)
	}
	expected, err := base64.StdEncoding.DecodeString(info.Certificate)
	if err != nil {
		return api.Errorf(api.ErrCodeCertificateMismatch, "invalid server certificate encoding: %v", err)
	}
	peers := tc.ConnectionState().PeerCertificates
	if len(peers) == 0 || !bytes.Equal(peers[0].Raw, expected) {
		return api.NewError(api.ErrCodeCertificateMismatch, "server certificate does not match the pinned certificate")
	}
	return nil
}

// frameReader presents the text frames of a connection as one stream, so
// that a json.Decoder can parse messages regardless of how they are framed.
type frameReader struct {
	ws *websocket.Conn
	r  io.Reader
}

func (f *frameReader) Read(p []byte) (int, error) {
	for {
		if f.r == nil {
			_, r, err := f.ws.NextReader()
			if err != nil {
				return 0, err
			}
			f.r = r
		}
		n, err := f.r.Read(p)
		if err == io.EOF {
			f.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
