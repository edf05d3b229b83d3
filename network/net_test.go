package network

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = utils.NewWriterLogger(io.Discard, slog.LevelError)

// queueHandler sends whatever is put into its queue and keeps what it
// receives.
type queueHandler struct {
	name  string
	out   *utils.FDQueue[protocol.Records]
	lock  sync.Mutex
	recvd protocol.Records
}

func newQueueHandler(name string) *queueHandler {
	return &queueHandler{
		name: name,
		out:  utils.NewFDQueue[protocol.Records](1<<20, 50*time.Millisecond, 1<<16),
	}
}

func (h *queueHandler) Feed(ctx context.Context) (protocol.Records, error) {
	return h.out.Feed(ctx)
}

func (h *queueHandler) Drain(ctx context.Context, recs protocol.Records) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.recvd = append(h.recvd, recs...)
	return nil
}

func (h *queueHandler) Close() error {
	return h.out.Close()
}

func (h *queueHandler) GetTraceId() string {
	return h.name
}

func (h *queueHandler) received() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.recvd)
}

type handlers struct {
	lock sync.Mutex
	all  map[string]*queueHandler
}

func (hs *handlers) install(name string) protocol.FeedDrainCloserTraced {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	h := newQueueHandler(name)
	if hs.all == nil {
		hs.all = make(map[string]*queueHandler)
	}
	hs.all[name] = h
	return h
}

func (hs *handlers) any() *queueHandler {
	hs.lock.Lock()
	defer hs.lock.Unlock()
	for _, h := range hs.all {
		return h
	}
	return nil
}

func exchange(t *testing.T, scheme string) {
	var server, client handlers
	destroyed := make(chan string, 4)
	onDestroy := func(name string, _ protocol.Traced) { destroyed <- name }

	srv := NewNet(testLogger, server.install, onDestroy)
	cli := NewNet(testLogger, client.install, onDestroy)

	listen := scheme + "://127.0.0.1:0"
	if scheme == "ws" {
		listen += "/sync"
	}
	require.NoError(t, srv.Listen(listen))
	assert.ErrorIs(t, srv.Listen(listen), ErrAddressDuplicated)
	bound, ok := srv.ListenAddr(listen)
	require.True(t, ok)
	target := scheme + "://" + bound.String()
	if scheme == "ws" {
		target += "/sync"
	}
	require.NoError(t, cli.Connect(target))
	assert.ErrorIs(t, cli.Connect(target), ErrAddressDuplicated)

	assert.Eventually(t, func() bool {
		return server.any() != nil && client.any() != nil
	}, 5*time.Second, 10*time.Millisecond)

	sh, ch := server.any(), client.any()
	const n = 100
	for i := 0; i < n; i++ {
		rec := protocol.Record('D', []byte("delta number"), []byte{byte(i)})
		require.NoError(t, ch.out.Drain(context.Background(), protocol.Records{rec}))
		require.NoError(t, sh.out.Drain(context.Background(), protocol.Records{rec}))
	}
	assert.Eventually(t, func() bool {
		return sh.received() == n && ch.received() == n
	}, 5*time.Second, 10*time.Millisecond)
	sh.lock.Lock()
	for i, rec := range sh.recvd {
		body, _ := protocol.Take('D', rec)
		assert.Equal(t, byte(i), body[len(body)-1])
	}
	sh.lock.Unlock()

	require.NoError(t, cli.Disconnect(target))
	assert.ErrorIs(t, cli.Disconnect("tcp://nowhere:1"), ErrAddressUnknown)
	select {
	case <-destroyed:
	case <-time.After(5 * time.Second):
		t.Fatal("no destroy callback")
	}
	assert.NoError(t, cli.Close())
	assert.NoError(t, srv.Close())
}

func TestNetTCP(t *testing.T) {
	exchange(t, "tcp")
}

func TestNetWebSocket(t *testing.T) {
	exchange(t, "ws")
}

func TestNetUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "tcp://" + l.Addr().String()
	require.NoError(t, l.Close())

	var hs handlers
	gaveUp := make(chan error, 1)
	n := NewNet(testLogger, hs.install, func(string, protocol.Traced) {},
		&NetRetryOpt{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxRetries: 3},
		&NetUnreachableOpt{OnUnreachable: func(name string, err error) {
			assert.Equal(t, addr, name)
			gaveUp <- err
		}},
	)
	defer n.Close()
	require.NoError(t, n.Connect(addr))
	select {
	case err := <-gaveUp:
		assert.ErrorIs(t, err, ErrUnreachable)
	case <-time.After(5 * time.Second):
		t.Fatal("retry budget never ran out")
	}
	// the address is free to be dialled again
	assert.Eventually(t, func() bool {
		err := n.Connect(addr)
		if err == nil {
			_ = n.Disconnect(addr)
		}
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

// A listener that hangs up on every connection spends the retry
// budget like one that refuses them.
func TestNetAcceptThenDrop(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	var accepted atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = conn.Close()
		}
	}()
	addr := "tcp://" + l.Addr().String()

	var hs handlers
	gaveUp := make(chan error, 1)
	n := NewNet(testLogger, hs.install, func(string, protocol.Traced) {},
		&NetRetryOpt{Min: 20 * time.Millisecond, Max: 40 * time.Millisecond, MaxRetries: 2},
		&NetUnreachableOpt{OnUnreachable: func(_ string, err error) { gaveUp <- err }},
	)
	defer n.Close()
	start := time.Now()
	require.NoError(t, n.Connect(addr))
	select {
	case err := <-gaveUp:
		assert.ErrorIs(t, err, ErrUnreachable)
		assert.ErrorIs(t, err, ErrUnsettled)
	case <-time.After(5 * time.Second):
		t.Fatal("redialled a dropping peer without ever giving up")
	}
	assert.Equal(t, int32(3), accepted.Load())
	// two backoff waits of at least half the minimum each
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

// settledHandler reports itself settled like a handshake that finished.
type settledHandler struct {
	*queueHandler
}

func (h settledHandler) Settled() bool {
	return true
}

func TestNetSettledResetsBudget(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	var accepted atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = conn.Close()
		}
	}()

	gaveUp := make(chan error, 1)
	n := NewNet(testLogger,
		func(name string) protocol.FeedDrainCloserTraced { return settledHandler{newQueueHandler(name)} },
		func(string, protocol.Traced) {},
		&NetRetryOpt{Min: 5 * time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 1},
		&NetUnreachableOpt{OnUnreachable: func(_ string, err error) { gaveUp <- err }},
	)
	defer n.Close()
	require.NoError(t, n.Connect("tcp://"+l.Addr().String()))
	assert.Eventually(t, func() bool { return accepted.Load() > 3 }, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-gaveUp:
		t.Fatalf("settled connections spent the budget: %v", err)
	default:
	}
}

func TestParseAddr(t *testing.T) {
	cases := []struct {
		addr    string
		kind    ConnType
		address string
	}{
		{"tcp://localhost:8080", TCP, "localhost:8080"},
		{"localhost:8080", TCP, "localhost:8080"},
		{"127.0.0.1:7000", TCP, "127.0.0.1:7000"},
		{"tls://example.com:443", TLS, "example.com:443"},
		{"ws://example.com:80/sync", WS, "example.com:80/sync"},
		{"wss://example.com:443/a/b", WSS, "example.com:443/a/b"},
	}
	for _, c := range cases {
		kind, address, err := parseAddr(c.addr)
		assert.NoError(t, err, c.addr)
		assert.Equal(t, c.kind, kind, c.addr)
		assert.Equal(t, c.address, address, c.addr)
	}
	for _, bad := range []string{"quic://example.com:1", "nonsense", "tcp://"} {
		_, _, err := parseAddr(bad)
		assert.ErrorIs(t, err, ErrAddressInvalid, bad)
	}
	assert.Equal(t, "example.com:80", hostPort("example.com:80/sync"))
	assert.Equal(t, "/sync", wsPath("example.com:80/sync"))
	assert.Equal(t, "/", wsPath("example.com:80"))
}
