// Command calc-proxy runs the caching proxy: clients connect to it as
// if it were the calculator server, and it serves repeated requests
// from cache when freshness directives allow.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/calcproxy/calcproxy/pkg/cache"
	"github.com/calcproxy/calcproxy/pkg/logging"
	"github.com/calcproxy/calcproxy/pkg/metrics"
	"github.com/calcproxy/calcproxy/pkg/proxy"
	"github.com/calcproxy/calcproxy/pkg/server"
)

func main() {
	proxyHost := flag.String("proxy-host", getEnv("CALC_PROXY_HOST", "127.0.0.1"), "host the proxy listens on")
	proxyPort := flag.String("proxy-port", getEnv("CALC_PROXY_PORT", "9998"), "port the proxy listens on")
	serverHost := flag.String("server-host", getEnv("CALC_SERVER_HOST", "127.0.0.1"), "host of the calculator server")
	serverPort := flag.String("server-port", getEnv("CALC_SERVER_PORT", "9999"), "port of the calculator server")
	backend := flag.String("cache-backend", getEnv("CACHE_BACKEND", "memory"), "cache backend: memory or redis")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(getEnv("LOG_LEVEL", "info"))
	logCfg.Pretty = *pretty
	logger := logging.Setup(logCfg)

	store := buildStore(*backend, logger)

	upstream := net.JoinHostPort(*serverHost, *serverPort)
	handler := proxy.NewHandler(proxy.Config{
		Upstream: upstream,
		Store:    store,
	})

	addr := net.JoinHostPort(*proxyHost, *proxyPort)
	acceptor := server.NewAcceptor(addr, handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional Prometheus exposition endpoint.
	if metricsAddr := os.Getenv("METRICS_ADDR"); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", healthHandler)
		go func() {
			logger.Info().Str("addr", metricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	logger.Info().
		Str("addr", addr).
		Str("upstream", upstream).
		Str("cache_backend", *backend).
		Msg("Starting calculator proxy")
	if err := acceptor.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Proxy failed")
	}
}

// healthHandler reports process liveness.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// buildStore selects the cache backend. Redis is pinged up front so a
// misconfigured deployment fails at startup, not on first request.
func buildStore(backend string, logger zerolog.Logger) cache.Store {
	switch backend {
	case "redis":
		redisURL := getEnv("REDIS_URL", "localhost:6379")
		rdb := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis_url", redisURL).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("redis_url", redisURL).Msg("Connected to Redis")
		return cache.NewRedisStore(rdb)
	case "memory":
		return cache.NewMemoryStore()
	default:
		logger.Fatal().Str("cache_backend", backend).Msg("Unknown cache backend")
		return nil
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
