package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calcproxy/calcproxy/internal/testutil"
	"github.com/calcproxy/calcproxy/pkg/cache"
	"github.com/calcproxy/calcproxy/pkg/client"
	"github.com/calcproxy/calcproxy/pkg/protocol"
	"github.com/calcproxy/calcproxy/pkg/server"
)

// fakeClock is a settable time source shared between the test and the
// handler under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type proxyFixture struct {
	upstream *testutil.MockUpstream
	store    *cache.MemoryStore
	clock    *fakeClock
	addr     string
}

// startProxy wires a full proxy in front of a mock upstream: real
// acceptor, real sessions, loopback sockets.
func startProxy(t *testing.T) *proxyFixture {
	t.Helper()

	upstream, err := testutil.NewMockUpstream()
	if err != nil {
		t.Fatalf("NewMockUpstream() error = %v", err)
	}
	t.Cleanup(upstream.Close)

	store := cache.NewMemoryStore()
	clock := newFakeClock()

	h := NewHandler(Config{
		Upstream:        upstream.Addr(),
		Store:           store,
		DialTimeout:     time.Second,
		ForwardAttempts: 1,
		ForwardBackoff:  10 * time.Millisecond,
	})
	h.now = clock.Now

	acceptor := server.NewAcceptor("127.0.0.1:0", h)
	if err := acceptor.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		acceptor.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &proxyFixture{
		upstream: upstream,
		store:    store,
		clock:    clock,
		addr:     acceptor.Addr().String(),
	}
}

func (f *proxyFixture) newClient(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		Address:        f.addr,
		DialTimeout:    time.Second,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestProxy_CacheHit(t *testing.T) {
	f := startProxy(t)
	c := f.newClient(t)
	ctx := context.Background()
	opts := client.EvalOptions{Cacheable: true}

	first, err := c.Evaluate(ctx, "6 * 7", opts)
	if err != nil {
		t.Fatalf("first Evaluate() error = %v", err)
	}
	if first.Value != 42 {
		t.Fatalf("first value = %v, want 42", first.Value)
	}
	if got := f.upstream.Requests(); got != 1 {
		t.Fatalf("upstream saw %d requests after miss, want 1", got)
	}

	second, err := c.Evaluate(ctx, "6 * 7", opts)
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}
	if second.Value != first.Value {
		t.Errorf("cached value = %v, want %v", second.Value, first.Value)
	}
	if got := f.upstream.Requests(); got != 1 {
		t.Errorf("upstream saw %d requests after hit, want 1", got)
	}
}

func TestProxy_HitSharedAcrossConnections(t *testing.T) {
	f := startProxy(t)
	ctx := context.Background()
	opts := client.EvalOptions{Cacheable: true}

	if _, err := f.newClient(t).Evaluate(ctx, "1 + 2", opts); err != nil {
		t.Fatalf("warmup Evaluate() error = %v", err)
	}

	// A different connection shares the same store.
	if _, err := f.newClient(t).Evaluate(ctx, "1 + 2", opts); err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}
	if got := f.upstream.Requests(); got != 1 {
		t.Errorf("upstream saw %d requests, want 1", got)
	}
}

func TestProxy_StepsFlagSplitsCache(t *testing.T) {
	f := startProxy(t)
	c := f.newClient(t)
	ctx := context.Background()

	if _, err := c.Evaluate(ctx, "1 + 2", client.EvalOptions{Cacheable: true}); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if _, err := c.Evaluate(ctx, "1 + 2", client.EvalOptions{Cacheable: true, ShowSteps: true}); err != nil {
		t.Fatalf("Evaluate() with steps error = %v", err)
	}
	if got := f.upstream.Requests(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2 (steps variants cache separately)", got)
	}
}

func TestProxy_StaleRefetch(t *testing.T) {
	f := startProxy(t)
	c := f.newClient(t)
	ctx := context.Background()
	opts := client.EvalOptions{Cacheable: true}

	// Default responder grants a 60 second TTL.
	if _, err := c.Evaluate(ctx, "6 * 7", opts); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	f.clock.Advance(59 * time.Second)
	if _, err := c.Evaluate(ctx, "6 * 7", opts); err != nil {
		t.Fatalf("Evaluate() within TTL error = %v", err)
	}
	if got := f.upstream.Requests(); got != 1 {
		t.Fatalf("upstream saw %d requests within TTL, want 1", got)
	}

	f.clock.Advance(2 * time.Second)
	if _, err := c.Evaluate(ctx, "6 * 7", opts); err != nil {
		t.Fatalf("Evaluate() after expiry error = %v", err)
	}
	if got := f.upstream.Requests(); got != 2 {
		t.Errorf("upstream saw %d requests after expiry, want 2", got)
	}

	// The refetch overwrote the stale entry, so the next request hits
	// again.
	if _, err := c.Evaluate(ctx, "6 * 7", opts); err != nil {
		t.Fatalf("Evaluate() after refetch error = %v", err)
	}
	if got := f.upstream.Requests(); got != 2 {
		t.Errorf("upstream saw %d requests after refetch, want 2", got)
	}
}

func TestProxy_ZeroTTLNeverServed(t *testing.T) {
	f := startProxy(t)
	f.upstream.SetResponder(func(req *protocol.Frame) *protocol.Frame {
		resp, _ := protocol.NewResultResponse(42, nil, true, 0)
		return resp
	})

	c := f.newClient(t)
	ctx := context.Background()
	opts := client.EvalOptions{Cacheable: true}

	for i := 0; i < 3; i++ {
		if _, err := c.Evaluate(ctx, "6 * 7", opts); err != nil {
			t.Fatalf("Evaluate() #%d error = %v", i+1, err)
		}
	}
	if got := f.upstream.Requests(); got != 3 {
		t.Errorf("upstream saw %d requests, want 3 (zero TTL is never fresh)", got)
	}
}

func TestProxy_NonCacheableResponseNotStored(t *testing.T) {
	f := startProxy(t)
	f.upstream.SetResponder(func(req *protocol.Frame) *protocol.Frame {
		resp, _ := protocol.NewResultResponse(42, nil, false, 60)
		return resp
	})

	c := f.newClient(t)
	ctx := context.Background()
	opts := client.EvalOptions{Cacheable: true}

	for i := 0; i < 2; i++ {
		if _, err := c.Evaluate(ctx, "6 * 7", opts); err != nil {
			t.Fatalf("Evaluate() #%d error = %v", i+1, err)
		}
	}
	if got := f.upstream.Requests(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2", got)
	}
	if n, _ := f.store.Len(ctx); n != 0 {
		t.Errorf("store holds %d entries, want 0", n)
	}
}

func TestProxy_ErrorResponseNotStored(t *testing.T) {
	f := startProxy(t)
	f.upstream.SetResponder(func(req *protocol.Frame) *protocol.Frame {
		return protocol.NewErrorResponse(protocol.StatusClientError, "scripted failure")
	})

	c := f.newClient(t)
	ctx := context.Background()

	var calcErr *client.CalcError
	_, err := c.Evaluate(ctx, "1 / 0", client.EvalOptions{Cacheable: true})
	if !errors.As(err, &calcErr) {
		t.Fatalf("Evaluate() error = %v, want *CalcError", err)
	}
	if calcErr.StatusCode != protocol.StatusClientError {
		t.Errorf("status = %d, want %d", calcErr.StatusCode, protocol.StatusClientError)
	}
	if n, _ := f.store.Len(ctx); n != 0 {
		t.Errorf("store holds %d entries, want 0", n)
	}
}

func TestProxy_BypassSkipsFreshEntry(t *testing.T) {
	f := startProxy(t)
	c := f.newClient(t)
	ctx := context.Background()

	// Warm the cache.
	if _, err := c.Evaluate(ctx, "6 * 7", client.EvalOptions{Cacheable: true}); err != nil {
		t.Fatalf("warmup Evaluate() error = %v", err)
	}
	if got := f.upstream.Requests(); got != 1 {
		t.Fatalf("upstream saw %d requests after warmup, want 1", got)
	}

	// A non-cacheable request must reach the upstream despite the
	// fresh entry.
	if _, err := c.Evaluate(ctx, "6 * 7", client.EvalOptions{Cacheable: false}); err != nil {
		t.Fatalf("bypass Evaluate() error = %v", err)
	}
	if got := f.upstream.Requests(); got != 2 {
		t.Errorf("upstream saw %d requests after bypass, want 2", got)
	}

	// And the entry is still there for cacheable requests.
	if _, err := c.Evaluate(ctx, "6 * 7", client.EvalOptions{Cacheable: true}); err != nil {
		t.Fatalf("Evaluate() after bypass error = %v", err)
	}
	if got := f.upstream.Requests(); got != 2 {
		t.Errorf("upstream saw %d requests after hit, want 2", got)
	}
}

func TestProxy_ClientMaxAge(t *testing.T) {
	f := startProxy(t)
	c := f.newClient(t)
	ctx := context.Background()

	if _, err := c.Evaluate(ctx, "6 * 7", client.EvalOptions{Cacheable: true}); err != nil {
		t.Fatalf("warmup Evaluate() error = %v", err)
	}

	f.clock.Advance(30 * time.Second)

	// Entry is 30s old with a 60s TTL: acceptable at max-age 40,
	// too old at max-age 10.
	if _, err := c.Evaluate(ctx, "6 * 7", client.EvalOptions{Cacheable: true, CacheControl: 40}); err != nil {
		t.Fatalf("Evaluate() max-age 40 error = %v", err)
	}
	if got := f.upstream.Requests(); got != 1 {
		t.Fatalf("upstream saw %d requests, want 1 (entry within max-age)", got)
	}

	if _, err := c.Evaluate(ctx, "6 * 7", client.EvalOptions{Cacheable: true, CacheControl: 10}); err != nil {
		t.Fatalf("Evaluate() max-age 10 error = %v", err)
	}
	if got := f.upstream.Requests(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2 (entry older than max-age)", got)
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	f := startProxy(t)
	f.upstream.Close()

	c := f.newClient(t)
	ctx := context.Background()

	var calcErr *client.CalcError
	_, err := c.Evaluate(ctx, "1 + 1", client.EvalOptions{Cacheable: true})
	if !errors.As(err, &calcErr) {
		t.Fatalf("Evaluate() error = %v, want *CalcError", err)
	}
	if calcErr.StatusCode != protocol.StatusServerError {
		t.Errorf("status = %d, want %d", calcErr.StatusCode, protocol.StatusServerError)
	}
	if !strings.Contains(calcErr.Message, "upstream unavailable") {
		t.Errorf("message = %q, want upstream unavailable", calcErr.Message)
	}

	// The proxy connection survives the upstream failure.
	if _, err := c.Evaluate(ctx, "2 + 2", client.EvalOptions{Cacheable: true}); !errors.As(err, &calcErr) {
		t.Fatalf("second Evaluate() error = %v, want *CalcError", err)
	}
}

func TestProxy_ConcurrentIdenticalMisses(t *testing.T) {
	f := startProxy(t)
	ctx := context.Background()

	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			c, err := client.New(client.Config{
				Address:     f.addr,
				DialTimeout: time.Second,
				MaxAttempts: 1,
			})
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()

			result, err := c.Evaluate(ctx, "6 * 7", client.EvalOptions{Cacheable: true})
			if err != nil {
				errs <- err
				return
			}
			if result.Value != 42 {
				errs <- fmt.Errorf("value = %v, want 42", result.Value)
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent client: %v", err)
		}
	}

	// Racing misses may each forward, but the store converges on one
	// entry for the key.
	if n, err := f.store.Len(ctx); err != nil || n != 1 {
		t.Errorf("store holds %d entries (err %v), want 1", n, err)
	}
}

func TestProxy_RejectsResponseFrames(t *testing.T) {
	f := startProxy(t)

	c, err := client.New(client.Config{Address: f.addr, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	defer c.Close()

	frame, err := protocol.NewResultResponse(1, nil, false, 0)
	if err != nil {
		t.Fatalf("NewResultResponse() error = %v", err)
	}
	resp, err := c.Do(context.Background(), frame)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != protocol.StatusClientError {
		t.Errorf("status = %d, want %d", resp.StatusCode, protocol.StatusClientError)
	}
	if got := f.upstream.Requests(); got != 0 {
		t.Errorf("upstream saw %d requests, want 0", got)
	}
}

func TestProxy_HitRewritesTimestamp(t *testing.T) {
	f := startProxy(t)
	c := f.newClient(t)
	ctx := context.Background()

	req, err := protocol.NewRequest("6 * 7", false, true, 0)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if _, err := c.Do(ctx, req); err != nil {
		t.Fatalf("warmup Do() error = %v", err)
	}

	f.clock.Advance(10 * time.Second)
	resp, err := c.Do(ctx, req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := f.upstream.Requests(); got != 1 {
		t.Fatalf("upstream saw %d requests, want 1", got)
	}
	if want := uint32(f.clock.Now().Unix()); resp.Timestamp != want {
		t.Errorf("served timestamp = %d, want %d (send time, not store time)", resp.Timestamp, want)
	}
}
