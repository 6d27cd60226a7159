// Package restclient talks to the erp REST API on behalf of a terminal. It
// unwraps the {success,data,message,timestamp} envelope and sorts every
// failure into one of three classes: network (retry later), rejection (roll
// back) and unauthorized (roll back, do not queue).
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/middleware"
)

const DefaultTimeout = 30 * time.Second

// Response is one decoded erp answer.
type Response struct {
	Status  int
	Data    json.RawMessage
	Message string
	// Replayed is set when the server answered from its idempotency record
	// instead of executing the mutation again.
	Replayed bool
}

type Client struct {
	baseURL   string
	client    *http.Client
	token     func() string
	source    string
	userAgent string
	logger    *logging.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithToken sets a static bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = func() string { return token } }
}

// WithTokenSource reads the bearer token before every request.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// WithSource sets the X-Mesa-Source header (default "terminal").
func WithSource(source string) Option {
	return func(c *Client) { c.source = source }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: DefaultTimeout},
		token:     func() string { return "" },
		source:    "terminal",
		userAgent: "mesa-terminal/1.0",
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root requests are resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends body as JSON and decodes the envelope data into out (if non-nil).
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = raw
	}

	resp, err := c.Send(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s %s response data: %w", method, endpoint, err)
	}
	return nil
}

// Replay re-sends a queued mutation with its original payload.
func (c *Client) Replay(ctx context.Context, method, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	resp, err := c.Send(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Send performs one request with a pre-encoded body.
func (c *Client) Send(ctx context.Context, method, endpoint string, payload []byte) (*Response, error) {
	url := c.baseURL + endpoint

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	requestID := middleware.GetRequestID(ctx)
	if requestID == "" {
		requestID = middleware.NewRequestID()
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.HeaderRequestID, requestID)
	req.Header.Set(httputil.HeaderSource, c.source)
	req.Header.Set("User-Agent", c.userAgent)
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			logging.Method(method), logging.Path(endpoint), logging.Error(err))
		return nil, &NetworkError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: url, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("request completed",
		logging.Method(method),
		logging.Path(endpoint),
		logging.Status(resp.StatusCode),
		logging.Duration(time.Since(start).Milliseconds()),
		"request_id", requestID,
	)

	return c.decode(method, url, resp, raw)
}

func (c *Client) decode(method, url string, resp *http.Response, raw []byte) (*Response, error) {
	var env httputil.Envelope
	structured := json.Unmarshal(raw, &env) == nil && !env.Timestamp.IsZero()
	status := resp.StatusCode

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, fmt.Errorf("%w (%d): %s", ErrUnauthorized, status, msg)

	case status >= 200 && status < 300:
		if !structured {
			return nil, &NetworkError{Method: method, URL: url, Status: status, Err: errors.New("malformed response envelope")}
		}
		if !env.Success {
			return nil, &RejectionError{Status: status, Code: env.Code, Message: env.Message}
		}
		return &Response{
			Status:   status,
			Data:     env.Data,
			Message:  env.Message,
			Replayed: resp.Header.Get(httputil.HeaderIdempotentReplay) == "true",
		}, nil

	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return nil, &NetworkError{Method: method, URL: url, Status: status, Err: errors.New(http.StatusText(status))}

	// The first execution under this transaction id has not finished; it may
	// still commit or be released.
	case status == http.StatusConflict && env.Code == CodeTransactionInProgress:
		return nil, &NetworkError{Method: method, URL: url, Status: status, Err: errors.New("transaction still in progress")}

	// Without an envelope the answer came from a proxy or a crashed handler,
	// not from a decision of the erp service.
	case !structured && status >= http.StatusInternalServerError:
		return nil, &NetworkError{Method: method, URL: url, Status: status, Err: errors.New(http.StatusText(status))}

	default:
		return nil, &RejectionError{Status: status, Code: env.Code, Message: env.Message}
	}
}
