// Package proxy implements the caching intermediary between
// calculator clients and the compute server: per-connection session
// handling and the serve-from-cache-or-forward decision engine.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/calcproxy/calcproxy/pkg/cache"
	"github.com/calcproxy/calcproxy/pkg/client"
	"github.com/calcproxy/calcproxy/pkg/logging"
	"github.com/calcproxy/calcproxy/pkg/protocol"
)

// Request outcomes for the decision counter.
const (
	outcomeHit    = "hit"
	outcomeMiss   = "miss"
	outcomeStale  = "stale"
	outcomeBypass = "bypass"
	outcomeError  = "error"
)

// Prometheus metrics for proxy decisions and upstream traffic.
var (
	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calc_proxy_requests_total",
		Help: "Total proxied requests by cache outcome",
	}, []string{"outcome"})

	proxyForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calc_proxy_forward_duration_seconds",
		Help:    "Upstream forward duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Config holds the proxy handler configuration.
type Config struct {
	// Upstream is the host:port of the calculator server.
	Upstream string

	// Store is the shared response cache.
	Store cache.Store

	// DialTimeout bounds upstream connection establishment.
	DialTimeout time.Duration

	// ForwardAttempts is the number of tries per upstream forward,
	// including the first. Defaults to the client package default.
	ForwardAttempts int

	// ForwardBackoff is the initial backoff between forward attempts.
	ForwardBackoff time.Duration
}

// Handler is the proxy-side session handler. The cache store is the
// only state shared across concurrent sessions; everything else is
// per-connection.
type Handler struct {
	cfg    Config
	store  cache.Store
	logger zerolog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewHandler creates a proxy handler forwarding to cfg.Upstream and
// caching in cfg.Store.
func NewHandler(cfg Config) *Handler {
	if cfg.Store == nil {
		panic("proxy: cache store cannot be nil")
	}
	return &Handler{
		cfg:    cfg,
		store:  cfg.Store,
		logger: logging.NewLogger("calc-proxy"),
		now:    time.Now,
	}
}

// HandleConn runs the session loop for one client connection: decode
// request, decide, write response, repeat. Each session owns one
// upstream client with its own lazily dialed connection.
func (h *Handler) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := h.logger.With().Str("client", conn.RemoteAddr().String()).Logger()

	upstream, err := client.New(client.Config{
		Address:        h.cfg.Upstream,
		DialTimeout:    h.cfg.DialTimeout,
		MaxAttempts:    h.cfg.ForwardAttempts,
		InitialBackoff: h.cfg.ForwardBackoff,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Invalid upstream configuration")
		return
	}
	defer upstream.Close()

	for {
		req, err := protocol.Read(conn)
		if err != nil {
			if err == io.EOF {
				logger.Info().Msg("Connection closed")
			} else {
				// Malformed frame: connection-fatal.
				logger.Warn().Err(err).Msg("Dropping connection on framing error")
			}
			return
		}

		resp := h.process(ctx, upstream, req, logger)
		if err := protocol.Write(conn, resp); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// process runs the request decision algorithm: serve from cache, or
// forward and populate cache. Every failure is converted to a
// status-coded response frame; nothing escapes to the session loop.
func (h *Handler) process(ctx context.Context, upstream *client.Client, req *protocol.Frame, logger zerolog.Logger) *protocol.Frame {
	if req.IsResponse {
		proxyRequestsTotal.WithLabelValues(outcomeError).Inc()
		return protocol.NewErrorResponse(protocol.StatusClientError, "received a response frame instead of a request")
	}

	key := cache.Key{Expression: string(req.Body), ShowSteps: req.ShowSteps}

	// A non-cacheable request skips the cache entirely, lookup and
	// insertion both: caching needs both sides to agree.
	if !req.Cacheable {
		logger.Debug().Str("key", key.String()).Msg("Cache bypass requested")
		return h.forward(ctx, upstream, req, key, false, outcomeBypass, logger)
	}

	outcome := outcomeMiss
	entry, err := h.store.Get(ctx, key)
	switch {
	case err == nil:
		now := h.now()
		if entry.Fresh(now) && clientFresh(req, entry, now) {
			cache.Hits.WithLabelValues(backendName(h.store)).Inc()
			proxyRequestsTotal.WithLabelValues(outcomeHit).Inc()
			logger.Debug().
				Str("key", key.String()).
				Uint16("ttl", entry.TTL).
				Bool("cache_hit", true).
				Msg("Serving from cache")

			// Serve the stored response with the timestamp rewritten
			// to the current send time; status, body, and cache
			// control are preserved.
			served := *entry.Response
			served.Timestamp = uint32(now.Unix())
			return &served
		}
		// Stale entries are bypassed, not deleted; a successful
		// refetch overwrites them.
		outcome = outcomeStale
		logger.Debug().
			Str("key", key.String()).
			Dur("age", entry.Age(now)).
			Uint16("ttl", entry.TTL).
			Msg("Cached response is stale")
	case errors.Is(err, cache.ErrCacheMiss):
	default:
		// Backend trouble degrades the request to a plain forward.
		logger.Warn().Err(err).Str("key", key.String()).Msg("Cache lookup failed")
	}

	return h.forward(ctx, upstream, req, key, true, outcome, logger)
}

// forward sends the original request frame upstream and returns the
// response verbatim, storing it first when allowed. The insert happens
// before the client write, so a client that disappears mid-forward
// still populates the cache.
func (h *Handler) forward(ctx context.Context, upstream *client.Client, req *protocol.Frame, key cache.Key, mayCache bool, outcome string, logger zerolog.Logger) *protocol.Frame {
	start := time.Now()
	resp, err := upstream.Do(ctx, req)
	proxyForwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		proxyRequestsTotal.WithLabelValues(outcomeError).Inc()
		logger.Error().Err(err).Str("upstream", h.cfg.Upstream).Msg("Upstream forward failed")
		return protocol.NewErrorResponse(protocol.StatusServerError, "upstream unavailable: "+err.Error())
	}
	if !resp.IsResponse {
		proxyRequestsTotal.WithLabelValues(outcomeError).Inc()
		return protocol.NewErrorResponse(protocol.StatusServerError, "upstream sent a request frame instead of a response")
	}

	if mayCache && resp.StatusCode == protocol.StatusOK && resp.Cacheable && resp.CacheControl > 0 {
		entry := &cache.Entry{
			Response: resp,
			StoredAt: h.now(),
			TTL:      resp.CacheControl,
		}
		if err := h.store.Set(ctx, key, entry); err != nil {
			logger.Warn().Err(err).Str("key", key.String()).Msg("Cache insert failed")
		} else {
			logger.Debug().
				Str("key", key.String()).
				Uint16("ttl", entry.TTL).
				Msg("Cached upstream response")
		}
	}

	proxyRequestsTotal.WithLabelValues(outcome).Inc()
	return resp
}

// clientFresh applies the client's max-age constraint: a nonzero
// request cache control bounds the acceptable entry age; zero means
// the client supplied no constraint.
func clientFresh(req *protocol.Frame, entry *cache.Entry, now time.Time) bool {
	if req.CacheControl == 0 {
		return true
	}
	return entry.Age(now) < time.Duration(req.CacheControl)*time.Second
}

// backendName labels metrics by store implementation.
func backendName(s cache.Store) string {
	switch s.(type) {
	case *cache.MemoryStore:
		return "memory"
	case *cache.RedisStore:
		return "redis"
	default:
		return "custom"
	}
}
