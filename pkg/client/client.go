// Package client provides the calculator protocol client: it dials a
// server or proxy, sends request frames, and decodes response frames,
// with retry on transport failures.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/calcproxy/calcproxy/pkg/logging"
	"github.com/calcproxy/calcproxy/pkg/protocol"
)

// Prometheus metrics for client round trips.
var (
	calcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calc_client_requests_total",
		Help: "Total calculator requests by response status",
	}, []string{"status"})

	calcRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calc_client_request_duration_seconds",
		Help:    "Calculator request round-trip duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Config holds the client configuration.
type Config struct {
	// Address is the host:port of the server or proxy.
	Address string

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RequestTimeout bounds one full round trip (write + read).
	RequestTimeout time.Duration

	// MaxAttempts is the number of tries per request, including the
	// first. Only transport failures are retried.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; it doubles
	// per attempt with jitter.
	InitialBackoff time.Duration
}

// DefaultConfig returns a safe default configuration for the given
// address.
func DefaultConfig(address string) Config {
	return Config{
		Address:        address,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
	}
}

// EvalOptions are the per-request protocol directives.
type EvalOptions struct {
	// ShowSteps requests the step-by-step reduction trace.
	ShowSteps bool

	// Cacheable permits serving and storing this request from cache.
	Cacheable bool

	// CacheControl is the client's max-age bound in seconds for a
	// cached answer; 0 means no constraint.
	CacheControl uint16
}

// Result is a decoded successful response.
type Result struct {
	Value float64
	Steps []string
}

// Client is a calculator protocol client. It keeps one connection and
// redials lazily after transport failures. Safe for use from one
// goroutine at a time; a proxy session owns exactly one Client.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New creates a client for the given configuration. Zero timeouts and
// attempt counts fall back to defaults.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	def := DefaultConfig(cfg.Address)
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	return &Client{
		cfg:    cfg,
		logger: logging.NewLogger("calc-client"),
	}, nil
}

// Do sends one request frame and returns the matching response frame.
// Transport failures are retried per the configured backoff; the
// returned frame may itself carry an error status.
func (c *Client) Do(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
	start := time.Now()
	var resp *protocol.Frame
	err := c.withRetry(ctx, func() error {
		var rtErr error
		resp, rtErr = c.roundTrip(ctx, req)
		return rtErr
	})
	if err != nil {
		calcRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, err
	}
	calcRequestsTotal.WithLabelValues(strconv.Itoa(int(resp.StatusCode))).Inc()
	calcRequestDuration.Observe(time.Since(start).Seconds())
	return resp, nil
}

// Evaluate sends the expression for computation and decodes the
// response. Error-status responses come back as *CalcError.
func (c *Client) Evaluate(ctx context.Context, expression string, opts EvalOptions) (*Result, error) {
	req, err := protocol.NewRequest(expression, opts.ShowSteps, opts.Cacheable, opts.CacheControl)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	if !resp.IsResponse {
		return nil, &CalcError{
			StatusCode: protocol.StatusServerError,
			ErrorClass: ErrorClassServer,
			Message:    "received a request frame instead of a response",
		}
	}

	if resp.StatusCode != protocol.StatusOK {
		return nil, &CalcError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Message:    protocol.DecodeErrorBody(resp.Body),
		}
	}

	body, err := protocol.DecodeResultBody(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Result{Value: body.Value, Steps: body.Steps}, nil
}

// Close tears down the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip performs one write+read over the current connection,
// dialing first if needed. Any failure closes the connection so the
// next attempt redials.
func (c *Client) roundTrip(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.cfg.Address, err)
		}
		c.conn = conn
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.RequestTimeout)); err != nil {
		c.dropConn()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := protocol.Write(c.conn, req); err != nil {
		c.dropConn()
		return nil, err
	}

	resp, err := protocol.Read(c.conn)
	if err != nil {
		c.dropConn()
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
