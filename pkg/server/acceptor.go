// Package server provides the TCP connection acceptor shared by the
// calculator server and the proxy, plus the compute-side session
// handler that evaluates expressions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calcproxy/calcproxy/pkg/logging"
)

// ConnHandler runs one connection's session loop. Implementations own
// the connection and must close it before returning.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// Acceptor listens on a TCP address and dispatches one handler
// goroutine per accepted connection. The accept loop itself never
// blocks on request processing.
type Acceptor struct {
	addr    string
	handler ConnHandler
	logger  zerolog.Logger

	lis net.Listener
}

// NewAcceptor creates an acceptor for the given listen address.
func NewAcceptor(addr string, handler ConnHandler) *Acceptor {
	return &Acceptor{
		addr:    addr,
		handler: handler,
		logger:  logging.NewLogger("acceptor"),
	}
}

// Listen binds the listening socket. Call before Serve when the bound
// address is needed (e.g. listening on port 0).
func (a *Acceptor) Listen() error {
	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	a.lis = lis
	a.logger.Info().Str("addr", lis.Addr().String()).Msg("Listening")
	return nil
}

// Addr returns the bound listen address. Only valid after Listen.
func (a *Acceptor) Addr() net.Addr {
	if a.lis == nil {
		return nil
	}
	return a.lis.Addr()
}

// Serve accepts connections until ctx is cancelled. Transient accept
// errors are logged and retried with a short pause; they never
// terminate the loop. Serve returns after all handler goroutines
// finish.
func (a *Acceptor) Serve(ctx context.Context) error {
	if a.lis == nil {
		return errors.New("acceptor: Serve called before Listen")
	}

	// Closing the listener unblocks Accept when ctx is cancelled.
	go func() {
		<-ctx.Done()
		a.lis.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := a.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Error().Err(err).Msg("Accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		a.logger.Info().Str("client", conn.RemoteAddr().String()).Msg("Connection established")
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handler.HandleConn(ctx, conn)
		}()
	}

	wg.Wait()
	a.logger.Info().Msg("Acceptor shut down")
	return nil
}

// ListenAndServe combines Listen and Serve.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve(ctx)
}
