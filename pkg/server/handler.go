package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/calcproxy/calcproxy/pkg/eval"
	"github.com/calcproxy/calcproxy/pkg/logging"
	"github.com/calcproxy/calcproxy/pkg/protocol"
)

// Prometheus metrics for compute-side request handling.
var (
	serverRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calc_server_requests_total",
		Help: "Total evaluated requests by response status",
	}, []string{"status"})

	serverEvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calc_server_eval_duration_seconds",
		Help:    "Expression evaluation duration in seconds",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	})
)

// Config holds the compute handler configuration.
type Config struct {
	// CachePolicy sets the cacheable flag on every response: whether
	// the server permits intermediaries to cache its results at all.
	CachePolicy bool

	// CacheControl is the TTL in seconds granted on successful
	// responses. 0 means "do not cache".
	CacheControl uint16
}

// DefaultConfig returns the default cache policy: cacheable, with the
// maximum representable TTL.
func DefaultConfig() Config {
	return Config{
		CachePolicy:  true,
		CacheControl: 1<<16 - 1,
	}
}

// Handler is the compute-side session handler: it decodes request
// frames, evaluates expressions, and writes response frames.
type Handler struct {
	cfg    Config
	logger zerolog.Logger
}

// NewHandler creates a compute handler with the given cache policy.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		cfg:    cfg,
		logger: logging.NewLogger("calc-server"),
	}
}

// HandleConn runs the session loop: decode request, evaluate, write
// response, repeat until the client closes or a connection-level error
// occurs. Requests are processed strictly one at a time per
// connection.
func (h *Handler) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := h.logger.With().Str("client", conn.RemoteAddr().String()).Logger()

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
		logger.Debug().Int("frame_len", req.TotalLength()).Msg("Got request")

		resp := h.process(req, logger)
		serverRequestsTotal.WithLabelValues(strconv.Itoa(int(resp.StatusCode))).Inc()

		if err := protocol.Write(conn, resp); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// process evaluates one request and builds the response frame. Every
// failure is converted to a status-coded response; nothing escapes to
// the session loop.
func (h *Handler) process(req *protocol.Frame, logger zerolog.Logger) *protocol.Frame {
	if req.IsResponse {
		return protocol.NewErrorResponse(protocol.StatusClientError, "received a response frame instead of a request")
	}

	expression, err := protocol.DecodeRequestBody(req.Body)
	if err != nil {
		return protocol.NewErrorResponse(protocol.StatusClientError, err.Error())
	}

	start := time.Now()
	value, steps, err := eval.Evaluate(expression, req.ShowSteps)
	serverEvalDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, eval.ErrEval) {
			return protocol.NewErrorResponse(protocol.StatusClientError, err.Error())
		}
		logger.Error().Err(err).Msg("Evaluation failed unexpectedly")
		return protocol.NewErrorResponse(protocol.StatusServerError, err.Error())
	}

	resp, err := protocol.NewResultResponse(value, steps, h.cfg.CachePolicy, h.cfg.CacheControl)
	if err != nil {
		// Result or trace too large for one frame.
		return protocol.NewErrorResponse(protocol.StatusServerError, err.Error())
	}

	logger.Debug().
		Str("expression", expression).
		Float64("value", value).
		Dur("duration", time.Since(start)).
		Msg("Evaluated expression")
	return resp
}
