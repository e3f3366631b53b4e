package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxAnswerBytes bounds the response body read from a backend.
const maxAnswerBytes = 1 << 20

// ErrMalformedAnswer is wrapped by TransportError when the backend replied
// with something other than {"sdp": "...", "type": "answer"}.
var ErrMalformedAnswer = errors.New("malformed answer")

// TransportError reports a failed offer/answer exchange.
type TransportError struct {
	Op      string // "request", "status", "decode", "validate"
	Backend string
	Status  int // HTTP status, 0 when no response was received
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("signaling %s %q (HTTP %d): %v", e.Op, e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("signaling %s %q: %v", e.Op, e.Backend, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client posts offers to a robot backend and returns its answers.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each Exchange as a whole. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a Client for the backend rooted at baseURL
// (e.g. http://robot.local:8080).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid signaling URL: %q", baseURL)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	c := &Client{baseURL: u, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Exchange posts offer to /{backend}/offer and returns the parsed answer.
// Every failure is a *TransportError.
func (c *Client) Exchange(ctx context.Context, backend string, offer Message) (Message, error) {
	fail := func(op string, status int, err error) (Message, error) {
		return Message{}, &TransportError{Op: op, Backend: backend, Status: status, Err: err}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(offer)
	if err != nil {
		return fail("request", 0, err)
	}

	endpoint := c.baseURL.JoinPath(url.PathEscape(backend), "offer")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fail("request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail("request", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fail("status", resp.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))))
	}

	var answer Message
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxAnswerBytes))
	if err := dec.Decode(&answer); err != nil {
		return fail("decode", resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformedAnswer, err))
	}
	if err := answer.Validate(MsgTypeAnswer); err != nil {
		return fail("validate", resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformedAnswer, err))
	}

	return answer, nil
}
