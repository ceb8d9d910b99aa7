// Command calc-server runs the calculator compute server: it listens
// for framed requests, evaluates expressions, and answers with its
// configured cache policy.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/calcproxy/calcproxy/pkg/logging"
	"github.com/calcproxy/calcproxy/pkg/server"
)

func main() {
	host := flag.String("host", getEnv("CALC_SERVER_HOST", "127.0.0.1"), "host to listen on")
	port := flag.String("port", getEnv("CALC_SERVER_PORT", "9999"), "port to listen on")
	cacheTTL := flag.Uint("cache-ttl", getEnvUint("CALC_CACHE_TTL", 1<<16-1), "TTL in seconds granted on responses, 0 disables caching")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(getEnv("LOG_LEVEL", "info"))
	logCfg.Pretty = *pretty
	logger := logging.Setup(logCfg)

	cfg := server.DefaultConfig()
	cfg.CacheControl = uint16(*cacheTTL)
	cfg.CachePolicy = cfg.CacheControl > 0

	addr := net.JoinHostPort(*host, *port)
	acceptor := server.NewAcceptor(addr, server.NewHandler(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", addr).Uint16("cache_ttl", cfg.CacheControl).Msg("Starting calculator server")
	if err := acceptor.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint) uint {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseUint(value, 10, 16); err == nil {
			return uint(n)
		}
	}
	return defaultValue
}
