// Package transport executes REST calls against one device. It owns an
// explicit keep-alive connection pool, tolerates the self-signed TLS
// certificates devices ship with, and converts non-2xx responses into
// structured problem errors.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	dl "github.com/stepherg/datalayer"
	"github.com/stepherg/datalayer/problem"
)

const defaultTimeout = 10 * time.Second

// Transport performs REST calls against a single device endpoint.
type Transport struct {
	base    string
	hc      *http.Client
	timeout time.Duration
}

// New builds a Transport for host:port. serverName is used for TLS SNI;
// when empty it defaults to host unless host is an IP literal (the spec
// of the device API: server-name only for non-IP hosts). port 0 means 443.
func New(host string, port int, serverName string, timeout time.Duration) *Transport {
	if port == 0 {
		port = 443
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if serverName == "" && net.ParseIP(host) == nil {
		serverName = host
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			// Devices ship self-signed certificates.
			InsecureSkipVerify: true,
			ServerName:         serverName,
		},
		MaxConnsPerHost:     3,
		MaxIdleConnsPerHost: 3,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Transport{
		base: "https://" + net.JoinHostPort(host, strconv.Itoa(port)),
		// No client-level Timeout: per-request deadlines come from the
		// context so the same pool can carry long-lived event streams.
		hc:      &http.Client{Transport: tr},
		timeout: timeout,
	}
}

// BaseURL returns the https://host:port prefix (IPv6 hosts bracketed).
func (t *Transport) BaseURL() string { return t.base }

// Client exposes the pooled HTTP client for stream consumers.
func (t *Transport) Client() *http.Client { return t.hc }

// Timeout returns the configured per-request timeout.
func (t *Transport) Timeout() time.Duration { return t.timeout }

// Close releases idle pooled connections.
func (t *Transport) Close() {
	if tr, ok := t.hc.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

// Do issues one REST call. authorization, when non-empty, is sent as the
// Authorization header; body, when non-nil, is sent as application/json.
// Non-2xx responses fail with a *problem.Problem; an exceeded deadline
// aborts the request and fails with datalayer.ErrTimeout. Empty response
// bodies are legal and yield a nil byte slice.
func (t *Transport) Do(ctx context.Context, method, path string, authorization string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := t.hc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s", dl.ErrTimeout, method, path)
		}
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s", dl.ErrTimeout, method, path)
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, problem.FromResponse(resp.StatusCode, http.StatusText(resp.StatusCode), b)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
