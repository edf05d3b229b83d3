// Package network moves replication records between peers over TCP, TLS
// and WebSocket connections.
//
// The transport knows nothing about scenes. NewNet takes an install
// callback that returns a protocol handler (a FeedDrainCloserTraced) for
// every connection; the Peer then runs two loops per connection:
//
//   - the read loop fills a buffer from the socket, cuts complete TLV
//     records off it and hands them to handler.Drain();
//   - the write loop takes batches from handler.Feed() and writes them
//     with vectored I/O.
//
// Outgoing connections are redialled with exponential backoff when they
// drop. A connection that keeps failing past the retry budget is given up:
// the unreachable callback fires and the address is forgotten until
// somebody calls Connect again.
//
//	n := NewNet(logger, install, destroy,
//		&NetTlsConfigOpt{Config: tlsConfig},
//		&NetRetryOpt{MaxRetries: 8},
//	)
//	err := n.Listen("tcp://:7500")
//	err = n.Connect("ws://10.0.0.7:7501/sync")
//	defer n.Close()
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("the address invalid")
	ErrAddressDuplicated = errors.New("the address already used")
	ErrAddressUnknown    = errors.New("address unknown")
	ErrUnreachable       = errors.New("peer unreachable, retry budget exhausted")
	ErrUnsettled         = errors.New("connection dropped before it settled")
)

const (
	TCP ConnType = iota + 1
	TLS
	WS
	WSS
)

const (
	TYPICAL_MTU = 1500

	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2
	MAX_RETRIES      = 8
	SETTLE_PERIOD    = 5 * time.Second
)

type InstallCallback func(name string) protocol.FeedDrainCloserTraced
type DestroyCallback func(name string, p protocol.Traced)
type UnreachableCallback func(name string, err error)

// Settled is implemented by handlers that can tell whether a connection
// got anywhere. Without it a connection is settled once it has lived
// for the settle period. An outgoing connection that ends unsettled
// counts as a failed dial.
type Settled interface {
	Settled() bool
}

type dial struct {
	cancel context.CancelFunc
}

// Net keeps listeners and connections. One slow receiver never delays
// the others: every connection has its own loops and its own queue in
// the protocol handler.
type Net struct {
	wg            sync.WaitGroup
	log           utils.Logger
	onInstall     InstallCallback
	onDestroy     DestroyCallback
	onUnreachable UnreachableCallback

	conns   *xsync.MapOf[string, *Peer]
	dials   *xsync.MapOf[string, *dial]
	listens *xsync.MapOf[string, net.Listener]
	ctx     context.Context
	cancel  context.CancelFunc

	tlsConfig          *tls.Config
	readBufferTcpSize  int
	writeBufferTcpSize int
	writeTimeout       time.Duration
	bufferMaxSize      int
	minRetry           time.Duration
	maxRetry           time.Duration
	maxRetries         int
	settle             time.Duration
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

// NetReadBufferOpt caps the bytes buffered for one incomplete record.
type NetReadBufferOpt struct {
	MaxSize int
}

func (opt *NetReadBufferOpt) Apply(n *Net) {
	n.bufferMaxSize = opt.MaxSize
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

// NetRetryOpt tunes redialling. MaxRetries counts consecutive failed
// dials, unsettled connections included; a negative value retries
// forever.
type NetRetryOpt struct {
	Min        time.Duration
	Max        time.Duration
	MaxRetries int
	Settle     time.Duration
}

func (opt *NetRetryOpt) Apply(n *Net) {
	if opt.Min > 0 {
		n.minRetry = opt.Min
	}
	if opt.Max > 0 {
		n.maxRetry = opt.Max
	}
	if opt.MaxRetries != 0 {
		n.maxRetries = opt.MaxRetries
	}
	if opt.Settle > 0 {
		n.settle = opt.Settle
	}
}

type NetUnreachableOpt struct {
	OnUnreachable UnreachableCallback
}

func (opt *NetUnreachableOpt) Apply(n *Net) {
	n.onUnreachable = opt.OnUnreachable
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		conns:         xsync.NewMapOf[string, *Peer](),
		dials:         xsync.NewMapOf[string, *dial](),
		listens:       xsync.NewMapOf[string, net.Listener](),
		onInstall:     install,
		onDestroy:     destroy,
		onUnreachable: func(string, error) {},
		bufferMaxSize: 1 << 24,
		minRetry:      MIN_RETRY_PERIOD,
		maxRetry:      MAX_RETRY_PERIOD,
		maxRetries:    MAX_RETRIES,
		settle:        SETTLE_PERIOD,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type NetStats struct {
	ReadBuffers  map[string]int32
	WriteBatches map[string]int32
}

func (n *Net) GetStats() NetStats {
	stats := NetStats{
		ReadBuffers:  make(map[string]int32),
		WriteBatches: make(map[string]int32),
	}
	n.conns.Range(func(name string, peer *Peer) bool {
		stats.ReadBuffers[name] = peer.GetIncomingPacketBufferSize()
		stats.WriteBatches[name] = int32(peer.writeBatchSize.Val())
		return true
	})
	return stats
}

// Close stops listening, cancels redialling, closes every connection and
// waits for all loops to exit.
func (n *Net) Close() error {
	n.cancel()

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			_ = l.Close()
		}
		return true
	})
	n.conns.Range(func(_ string, p *Peer) bool {
		p.Close()
		return true
	})

	n.wg.Wait()
	n.listens.Clear()
	n.conns.Clear()
	n.dials.Clear()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection to whichever of addrs answers first,
// redialling when it drops.
func (n *Net) ConnectPool(name string, addrs []string) error {
	if n.ctx.Err() != nil {
		return net.ErrClosed
	}
	for _, addr := range addrs {
		if _, _, err := parseAddr(addr); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(n.ctx)
	d := &dial{cancel: cancel}
	if _, loaded := n.dials.LoadOrStore(name, d); loaded {
		cancel()
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		err := n.KeepConnecting(ctx, name, addrs)
		n.forget(name, d)
		if err != nil {
			n.onUnreachable(name, err)
		}
	}()
	return nil
}

// forget drops the dial entry unless a newer dial took the name.
func (n *Net) forget(name string, d *dial) {
	n.dials.Compute(name, func(old *dial, loaded bool) (*dial, bool) {
		return old, !loaded || old == d
	})
}

// Disconnect closes the named connection and stops redialling it.
func (n *Net) Disconnect(name string) error {
	d, dialed := n.dials.LoadAndDelete(name)
	if dialed {
		d.cancel()
	}
	peer, ok := n.conns.Load(name)
	if ok {
		peer.Close()
	}
	if !ok && !dialed {
		return ErrAddressUnknown
	}
	return nil
}

// Listen accepts connections on "tcp://host:port", "tls://host:port" or
// "ws://host:port/path".
func (n *Net) Listen(addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)

	n.log.Info("net: listening", "addr", addr, "bound", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr, listener)
	}()
	return nil
}

// ListenAddr is the address a listener actually bound, useful with ":0".
func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok || listener == nil {
		return ErrAddressUnknown
	}
	return listener.Close()
}

// KeepConnecting dials until ctx is done. Failed dials and connections
// that drop before they settle back off exponentially and spend the
// retry budget; a settled connection resets both. Once the budget is
// spent it returns ErrUnreachable; it returns nil when ctx is done.
func (n *Net) KeepConnecting(ctx context.Context, name string, addrs []string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.minRetry
	bo.MaxInterval = n.maxRetry
	bo.Reset()
	failures := 0
	lctx := utils.WithDefaultArgs(ctx, "name", name)

	for ctx.Err() == nil {
		var err error
		var conn net.Conn
		for _, addr := range addrs {
			conn, err = n.createConn(ctx, addr)
			if err == nil {
				break
			}
		}

		if err == nil {
			n.setTCPBuffersSize(lctx, conn)
			n.log.InfoCtx(lctx, "net: connected")
			if n.keepPeer(name, conn) {
				failures = 0
				bo.Reset()
			} else {
				err = ErrUnsettled
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			n.log.ErrorCtx(lctx, "net: couldn't connect", "err", err, "attempt", failures)
			if n.maxRetries >= 0 && failures > n.maxRetries {
				n.log.WarnCtx(lctx, "net: giving up", "attempts", failures)
				return errors.Join(ErrUnreachable, err)
			}
		}
		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
	return nil
}

// setTCPBuffersSize tunes the socket under plain and TLS connections.
func (n *Net) setTCPBuffersSize(ctx context.Context, conn net.Conn) {
	if n.readBufferTcpSize <= 0 && n.writeBufferTcpSize <= 0 {
		return
	}
	var tconn *net.TCPConn
	switch res := conn.(type) {
	case *tls.Conn:
		nconn, ok := res.NetConn().(*net.TCPConn)
		if !ok {
			n.log.WarnCtx(ctx, "net: unable to set buffers, because tls conn is strange")
			return
		}
		tconn = nconn
	case *net.TCPConn:
		tconn = res
	default:
		n.log.DebugCtx(ctx, "net: socket buffers left alone", "type", fmt.Sprintf("%T", conn))
		return
	}
	if n.readBufferTcpSize > 0 {
		_ = tconn.SetReadBuffer(n.readBufferTcpSize)
	}
	if n.writeBufferTcpSize > 0 {
		_ = tconn.SetWriteBuffer(n.writeBufferTcpSize)
	}
}

// KeepListening accepts connections until the listener is closed.
func (n *Net) KeepListening(addr string, listener net.Listener) {
	for n.ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// reconnects are the client's problem, just continue
			n.log.Error("net: couldn't accept request", "addr", addr, "err", err)
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		n.log.Info("net: accept connection", "addr", addr, "remoteAddr", remoteAddr)
		n.setTCPBuffersSize(utils.WithDefaultArgs(n.ctx, "addr", addr, "remoteAddr", remoteAddr), conn)
		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remoteAddr)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(name, conn)
		}()
	}

	// a new listener may have taken addr after Unlisten
	n.listens.Compute(addr, func(old net.Listener, loaded bool) (net.Listener, bool) {
		return old, !loaded || old == listener
	})
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		n.log.Error("net: couldn't correct close listener", "addr", addr, "err", err)
	}
	n.log.Info("net: listener closed", "addr", addr)
}

// keepPeer runs one connection to its end and tells the destroy
// callback. It reports whether the connection settled.
func (n *Net) keepPeer(name string, conn net.Conn) (settled bool) {
	start := time.Now()
	peer := &Peer{
		inout:          n.onInstall(name),
		conn:           conn,
		writeTimeout:   n.writeTimeout,
		bufferMaxSize:  n.bufferMaxSize,
	}
	n.conns.Store(name, peer)
	if n.ctx.Err() != nil {
		peer.Close()
	}

	readErr, writeErr, closeErr := peer.Keep(n.ctx)
	if readErr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", readErr, "trace_id", peer.GetTraceId())
	}
	if writeErr != nil {
		n.log.Error("net: couldn't write to peer", "name", name, "err", writeErr, "trace_id", peer.GetTraceId())
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		n.log.Error("net: couldn't correct close peer", "name", name, "err", closeErr, "trace_id", peer.GetTraceId())
	}

	n.conns.Delete(name)
	peer.Close()
	n.onDestroy(name, peer)
	if s, ok := peer.inout.(Settled); ok {
		return s.Settled()
	}
	return time.Since(start) >= n.settle
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", hostPort(address))
	if err != nil {
		return nil, err
	}
	switch connType {
	case TLS:
		listener = tls.NewListener(listener, n.tlsConfig)
	case WS:
		listener = newWSListener(listener, wsPath(address), nil)
	case WSS:
		listener = newWSListener(listener, wsPath(address), n.tlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	switch connType {
	case TLS:
		d := tls.Dialer{Config: n.tlsConfig}
		return d.DialContext(ctx, "tcp", address)
	case WS:
		return dialWS(ctx, "ws://"+address, nil)
	case WSS:
		return dialWS(ctx, "wss://"+address, n.tlsConfig)
	default:
		d := net.Dialer{Timeout: time.Minute}
		return d.DialContext(ctx, "tcp", address)
	}
}

// CheckAddr tells whether addr can be dialled or listened on.
func CheckAddr(addr string) error {
	_, _, err := parseAddr(addr)
	return err
}

// parseAddr splits the scheme off an address:
//
//	"tcp://localhost:8080"   -> TCP, "localhost:8080"
//	"tls://example.com:443"  -> TLS, "example.com:443"
//	"ws://example.com/sync"  -> WS,  "example.com/sync"
//	"localhost:8080"         -> TCP, "localhost:8080"
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return TCP, "", ErrAddressInvalid
		}
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return TCP, "", ErrAddressInvalid
	}

	var conn ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	case "ws":
		conn = WS
	case "wss":
		conn = WSS
	default:
		return conn, addr, ErrAddressInvalid
	}
	return conn, u.Host + u.EscapedPath(), nil
}

func hostPort(address string) string {
	host, _, _ := strings.Cut(address, "/")
	return host
}

func wsPath(address string) string {
	_, path, _ := strings.Cut(address, "/")
	return "/" + path
}
