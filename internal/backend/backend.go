// Package backend holds the transport helpers shared by the speech and
// non-verbal analysis clients: URL derivation for the HTTP and WebSocket
// endpoints, a tuned [http.Client], and a JSON request helper that turns
// non-2xx responses into a [*StatusError].
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4096

// DialTimeout bounds a TCP dial and a WebSocket handshake.
const DialTimeout = 10 * time.Second

// ErrBadBaseURL is returned when a backend base URL is not an absolute
// http or https URL.
var ErrBadBaseURL = errors.New("backend: base URL must be an absolute http(s) URL")

// ErrBadResponse wraps a 2xx response whose body could not be decoded.
var ErrBadResponse = errors.New("backend: undecodable response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// NewHTTPClient returns a client with bounded dial, handshake, and header
// timeouts. timeout caps a whole request; zero means 30s.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// ParseBase validates base and returns it without a trailing slash.
func ParseBase(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadBaseURL, base)
	}
	return u, nil
}

// HTTPURL joins path segments onto base. Each segment is path-escaped.
func HTTPURL(base string, segments ...string) (string, error) {
	u, err := ParseBase(base)
	if err != nil {
		return "", err
	}
	return join(u, segments), nil
}

// WebSocketURL joins path segments onto base and swaps the scheme to ws or
// wss.
func WebSocketURL(base string, segments ...string) (string, error) {
	u, err := ParseBase(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return join(u, segments), nil
}

func join(u *url.URL, segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return u.JoinPath(escaped...).String()
}

// DoJSON sends in as a JSON body (nil sends no body) and decodes a 2xx
// response into out (nil discards it). op prefixes every error.
func DoJSON(ctx context.Context, c *http.Client, method, target, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w: %w", op, ErrBadResponse, err)
	}
	return nil
}
