package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn turns a message-oriented websocket into the byte stream the
// peer loops expect. Every write is one binary message; reads are served
// from a pump goroutine so that read deadlines do not break the socket.
type wsConn struct {
	ws       *websocket.Conn
	incoming chan []byte
	pending  []byte
	readErr  error
	done     chan struct{}
	once     sync.Once

	lock     sync.Mutex
	deadline time.Time
	wlock    sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:       ws,
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *wsConn) pump() {
	defer close(c.incoming)
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Read(b []byte) (int, error) {
	if len(c.pending) == 0 {
		c.lock.Lock()
		deadline := c.deadline
		c.lock.Unlock()
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case msg, ok := <-c.incoming:
			if !ok {
				if websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, net.ErrClosed
				}
				return 0, c.readErr
			}
			c.pending = msg
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		case <-c.done:
			return 0, net.ErrClosed
		}
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() (err error) {
	err = net.ErrClosed
	c.once.Do(func() {
		close(c.done)
		c.wlock.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wlock.Unlock()
		err = c.ws.Close()
	})
	return
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.lock.Lock()
	c.deadline = t
	c.lock.Unlock()
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsListener serves websocket upgrades on one path and hands the
// upgraded connections out through Accept.
type wsListener struct {
	inner  net.Listener
	server *http.Server
	conns  chan net.Conn
	done   chan struct{}
	once   sync.Once
}

func newWSListener(inner net.Listener, path string, config *tls.Config) *wsListener {
	l := &wsListener{
		inner: inner,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  TYPICAL_MTU,
		WriteBufferSize: TYPICAL_MTU,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(ws)
		select {
		case l.conns <- conn:
		case <-l.done:
			_ = conn.Close()
		}
	})
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if config != nil {
			l.server.TLSConfig = config
			_ = l.server.ServeTLS(inner, "", "")
		} else {
			_ = l.server.Serve(inner)
		}
	}()
	return l
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	err := net.ErrClosed
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.inner.Addr()
}

func dialWS(ctx context.Context, url string, config *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		TLSClientConfig:  config,
		ReadBufferSize:   TYPICAL_MTU,
		WriteBufferSize:  TYPICAL_MTU,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
