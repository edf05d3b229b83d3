package utils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// FDQueue is a bounded feed/drain queue of byte records. Writers are
// never blocked for longer than the time limit: a queue that stays full
// that long is marked overflowed and refuses everything afterwards, so a
// slow reader cannot stall the writers. Readers get batches of up to
// batchSize bytes.
type FDQueue[T ~[][]byte] struct {
	ctx   context.Context
	close context.CancelFunc

	lock      sync.Mutex
	data      T
	size      int
	maxSize   int
	batchSize int
	timelimit time.Duration

	overflowed atomic.Bool
	readable   chan struct{}
	writable   chan struct{}
}

var ErrClosed = errors.New("[scenesync] feed/drain queue is closed")
var ErrOverflow = errors.New("[scenesync] feed/drain queue is overflowed")

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &FDQueue[T]{
		ctx:       ctx,
		close:     cancel,
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.close()
	q.lock.Lock()
	q.data = nil
	q.size = 0
	q.lock.Unlock()
	return nil
}

func (q *FDQueue[T]) Closed() bool {
	return q.ctx.Err() != nil
}

// Size is the number of buffered bytes.
func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	if q.overflowed.Load() {
		return ErrOverflow
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for len(recs) > 0 {
		q.lock.Lock()
		free := q.maxSize - q.size
		n, written := 0, 0
		for n < len(recs) && len(recs[n]) <= free-written {
			written += len(recs[n])
			n++
		}
		if n > 0 {
			q.data = append(q.data, recs[:n]...)
			q.size += written
			recs = recs[n:]
		}
		q.lock.Unlock()
		if n > 0 {
			poke(q.readable)
		}
		if len(recs) == 0 {
			break
		}
		if timer == nil {
			timer = time.NewTimer(q.timelimit)
		}
		select {
		case <-q.writable:
		case <-timer.C:
			q.overflowed.Store(true)
			return ErrOverflow
		case <-q.ctx.Done():
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Feed returns the next batch. On timeout or ctx cancellation it returns
// an empty batch and no error; the caller decides whether to retry.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	if q.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if q.overflowed.Load() {
		return nil, ErrOverflow
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		q.lock.Lock()
		if len(q.data) > 0 {
			read, payload := 0, 0
			for read < len(q.data) && (read == 0 || payload+len(q.data[read]) <= q.batchSize) {
				payload += len(q.data[read])
				read++
			}
			recs = append(recs, q.data[:read]...)
			q.data = q.data[read:]
			q.size -= payload
			q.lock.Unlock()
			poke(q.writable)
			return recs, nil
		}
		q.lock.Unlock()

		if timer == nil {
			timer = time.NewTimer(q.timelimit)
		}
		select {
		case <-q.readable:
		case <-timer.C:
			return nil, nil
		case <-q.ctx.Done():
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, nil
		}
	}
}
