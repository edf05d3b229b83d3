package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/scenesync/protocol"
)

// avgVal is a running mean of write batch sizes.
type avgVal struct {
	lock  sync.Mutex
	mean  float64
	count int
}

func (a *avgVal) Add(val float64) {
	a.lock.Lock()
	a.count++
	a.mean += (val - a.mean) / float64(a.count)
	a.lock.Unlock()
}

func (a *avgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.mean
}

// readPoll bounds how long a read blocks, so a closed peer notices soon.
const readPoll = 500 * time.Millisecond

// Peer runs one connection: a read loop that feeds complete records to
// the protocol handler and a write loop that sends what the handler
// produces. The two loops are independent; a slow write never stalls
// reads and the other way round.
type Peer struct {
	closed         atomic.Bool
	closeOnce      sync.Once
	wg             sync.WaitGroup
	writeBatchSize avgVal

	conn           net.Conn
	inout          protocol.FeedDrainCloserTraced
	incomingBuffer atomic.Int32
	bufferMaxSize  int
	writeTimeout   time.Duration
}

// keepRead accumulates socket bytes and drains every complete record as
// soon as it is there. A partial record waits in the buffer; a record
// that can not fit into bufferMaxSize kills the connection.
func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		_ = p.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, err := p.conn.Read(idle)
		if n > 0 {
			buf.Write(idle[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				return err
			}
		}
		p.incomingBuffer.Store(int32(buf.Len()))
		if buf.Len() == 0 {
			continue
		}

		recs, err := protocol.Split(&buf)
		if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
			return err
		}
		if buf.Len() > p.bufferMaxSize {
			return errors.Join(protocol.ErrIncomplete, fmt.Errorf("buffer is not enough to read packet"))
		}
		if len(recs) > 0 {
			if err = p.inout.Drain(ctx, recs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

// keepWrite sends handler batches with vectored writes. An empty batch
// with no error is the handler's idle tick.
func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(recs) == 0 {
			continue
		}
		p.writeBatchSize.Add(float64(recs.TotalLen()))

		b := net.Buffers(recs)
		if p.writeTimeout != 0 {
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		if _, err = b.WriteTo(p.conn); err != nil {
			return err
		}
	}
	return nil
}

// Keep runs both loops until either ends. Whichever loop stops first
// closes the socket, which ends the other one.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	if p.closed.Load() {
		return nil, nil, nil
	}
	p.wg.Add(1)
	defer p.wg.Done()

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// we probably closed it ourselves
				rerr = nil
			}
		case werr = <-writeErrCh:
			if errors.Is(werr, net.ErrClosed) {
				werr = nil
			}
		}
		if i == 0 {
			p.closed.Store(true)
			cerr = p.conn.Close()
		}
	}
	return
}

// Close ends the connection and closes the handler, once.
func (p *Peer) Close() {
	p.closed.Store(true)
	_ = p.conn.Close()
	p.wg.Wait()
	p.closeOnce.Do(func() {
		_ = p.inout.Close()
	})
}
