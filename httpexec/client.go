// Package httpexec executes session commands against a server over HTTP.
package httpexec

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/jsonconv"
)

// Spec holds the runtime settings for a client.
type Spec struct {
	// URL is the server url, such as https://a.example.com:8080.
	URL      string
	Database string
	// Certificate authenticates the client over TLS.
	Certificate *tls.Certificate
	// HTTPClient overrides the client built from Certificate.
	HTTPClient *http.Client
	Log        *slog.Logger
}

// Client implements api.RequestExecutor and api.CompareExchangeGetter.
type Client struct {
	Spec Spec

	http *http.Client
	base string
}

// New creates a client.
func New(spec *Spec) *Client {
	if spec.Log == nil {
		spec.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slogLevel(),
		}))
	}
	hc := spec.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if spec.Certificate != nil {
			tr.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{*spec.Certificate}}
		}
		hc = &http.Client{Transport: tr, Timeout: 30 * time.Second}
	}
	return &Client{
		Spec: *spec,
		http: hc,
		base: strings.TrimRight(spec.URL, "/"),
	}
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func (c *Client) dbURL(path string) string {
	return c.base + "/databases/" + url.PathEscape(c.Spec.Database) + path
}

// GetDocuments implements api.RequestExecutor.
func (c *Client) GetDocuments(ctx context.Context, ids, includes []string) (*api.GetDocumentsResult, error) {
	q := url.Values{"id": ids}
	if len(includes) != 0 {
		q["include"] = includes
	}
	res := &api.GetDocumentsResult{}
	if err := c.do(ctx, http.MethodGet, c.dbURL("/docs?"+q.Encode()), nil, res); err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return &api.GetDocumentsResult{Results: make([]map[string]any, len(ids))}, nil
		}
		return nil, err
	}
	return res, nil
}

// Batch implements api.RequestExecutor.
func (c *Client) Batch(ctx context.Context, cmd *api.BatchCommand) (*api.BatchResult, error) {
	res := &api.BatchResult{}
	if err := c.do(ctx, http.MethodPost, c.dbURL("/bulk_docs"), cmd, res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetTCPInfo implements api.RequestExecutor.
func (c *Client) GetTCPInfo(ctx context.Context) (*api.TCPInfo, error) {
	res := &api.TCPInfo{}
	if err := c.do(ctx, http.MethodGet, c.base+"/info/tcp", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetCompareExchangeValues implements api.CompareExchangeGetter.
func (c *Client) GetCompareExchangeValues(ctx context.Context, keys []string) ([]byte, error) {
	q := url.Values{"key": keys}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.dbURL("/cmpxchg?"+q.Encode()), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// serverError is the error body returned by the server.
type serverError struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
	api.ConcurrencyError
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	c.Spec.Log.Debug("request", "method", method, "path", req.URL.Path, "status", resp.StatusCode, "elapsed", time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, req.URL.Path, err)
	}
	if resp.StatusCode >= 300 {
		return responseError(resp.StatusCode, data)
	}
	if len(data) == 0 {
		return nil
	}
	if err := jsonconv.Unmarshal(data, out); err != nil {
		return api.Errorf(api.ErrCodeMalformedResponse, "%s %s: %v", method, req.URL.Path, err)
	}
	return nil
}

func responseError(status int, data []byte) error {
	var se serverError
	_ = json.Unmarshal(data, &se)
	msg := se.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	switch status {
	case http.StatusNotFound:
		return api.NewError(api.ErrCodeNotFound, msg)
	case http.StatusConflict:
		ce := se.ConcurrencyError
		ce.Message = se.Message
		return &ce
	}
	if se.Type != "" {
		msg = se.Type + ": " + msg
	}
	return api.Errorf(api.ErrCodeServer, "status %d: %s", status, msg)
}
