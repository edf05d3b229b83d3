// Package oplog keeps the retained delta log of a scene document on disk,
// so that deltas produced right before a shutdown can still be replayed
// to peers by the next run.
package oplog

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/scenesync/rdx"
	"github.com/drpcorg/scenesync/scene"
	"github.com/pkg/errors"
)

/*
Key layout:

	L seq(8, big-endian)  ->  arrival(8, unix nanos) D{...}
	F src                 ->  floor time (zipped)

Sequence numbers grow by one per delta and eviction only trims the
head, so the live entries are always the range [head, tail).
*/
const (
	logPrefix   = 'L'
	floorPrefix = 'F'
)

var ErrClosed = errors.New("oplog: closed")

var writeOptions = pebble.Sync

// Pebble is a scene.Log stored in a pebble database.
type Pebble struct {
	lock   sync.Mutex
	db     *pebble.DB
	limits scene.Limits
	head   uint64
	tail   uint64
	floor  rdx.VV
	now    func() time.Time
}

func logKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = logPrefix
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func floorKey(src string) []byte {
	return append([]byte{floorPrefix}, src...)
}

// Open opens or creates the log in dir.
func Open(dir string, limits scene.Limits) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "oplog: open %s", dir)
	}
	p := &Pebble{
		db:     db,
		limits: limits,
		floor:  make(rdx.VV),
		now:    time.Now,
	}
	if err = p.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pebble) load() error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{logPrefix},
		UpperBound: []byte{logPrefix + 1},
	})
	if err != nil {
		return errors.Wrap(err, "oplog: scan")
	}
	if it.First() {
		p.head = binary.BigEndian.Uint64(it.Key()[1:])
	}
	if it.Last() {
		p.tail = binary.BigEndian.Uint64(it.Key()[1:]) + 1
	}
	if err = it.Close(); err != nil {
		return errors.Wrap(err, "oplog: scan")
	}
	if p.tail == 0 {
		p.head = 0
	}

	it, err = p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{floorPrefix},
		UpperBound: []byte{floorPrefix + 1},
	})
	if err != nil {
		return errors.Wrap(err, "oplog: floors")
	}
	for it.First(); it.Valid(); it.Next() {
		p.floor.Put(string(it.Key()[1:]), rdx.UnzipUint64(it.Value()))
	}
	return errors.Wrap(it.Close(), "oplog: floors")
}

func (p *Pebble) Append(b scene.Batch) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.db == nil {
		return ErrClosed
	}
	now := p.now()
	batch := p.db.NewBatch()
	defer batch.Close()
	var at [8]byte
	binary.BigEndian.PutUint64(at[:], uint64(now.UnixNano()))
	tail := p.tail
	for _, d := range b {
		val := d.AppendTLV(append([]byte(nil), at[:]...))
		if err := batch.Set(logKey(tail), val, nil); err != nil {
			return errors.Wrap(err, "oplog: append")
		}
		tail++
	}
	if err := batch.Commit(writeOptions); err != nil {
		return errors.Wrap(err, "oplog: commit")
	}
	p.tail = tail
	return p.evict(now)
}

func decode(val []byte) (at time.Time, d scene.Delta, err error) {
	if len(val) < 8 {
		return at, d, scene.ErrBadDelta
	}
	at = time.Unix(0, int64(binary.BigEndian.Uint64(val)))
	var batch scene.Batch
	batch, err = scene.ParseBatch(val[8:])
	if err == nil && len(batch) != 1 {
		err = scene.ErrBadDelta
	}
	if err != nil {
		return at, d, err
	}
	return at, batch[0], nil
}

// evict trims the head past the count and age caps, raising floors.
func (p *Pebble) evict(now time.Time) error {
	newHead := p.head
	if p.limits.MaxDeltas > 0 && p.tail-p.head > uint64(p.limits.MaxDeltas) {
		newHead = p.tail - uint64(p.limits.MaxDeltas)
	}
	var cutoff time.Time
	if p.limits.MaxAge > 0 {
		cutoff = now.Add(-p.limits.MaxAge)
	}
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(p.head),
		UpperBound: logKey(p.tail),
	})
	if err != nil {
		return errors.Wrap(err, "oplog: evict")
	}
	raised := make(rdx.VV)
	for it.First(); it.Valid(); it.Next() {
		seq := binary.BigEndian.Uint64(it.Key()[1:])
		at, d, derr := decode(it.Value())
		if derr != nil {
			// unreadable entries go whenever the head passes them
			continue
		}
		if seq < newHead || (!cutoff.IsZero() && at.Before(cutoff)) {
			newHead = max(newHead, seq+1)
			raised.PutStamp(d.Stamp)
			continue
		}
		break
	}
	if err = it.Close(); err != nil {
		return errors.Wrap(err, "oplog: evict")
	}
	if newHead == p.head {
		return nil
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err = batch.DeleteRange(logKey(p.head), logKey(newHead), nil); err != nil {
		return errors.Wrap(err, "oplog: evict")
	}
	for src, ts := range raised {
		if p.floor.Put(src, ts) {
			if err = batch.Set(floorKey(src), rdx.ZipUint64(ts), nil); err != nil {
				return errors.Wrap(err, "oplog: floor")
			}
		}
	}
	if err = batch.Commit(writeOptions); err != nil {
		return errors.Wrap(err, "oplog: evict")
	}
	p.head = newHead
	return nil
}

func (p *Pebble) Since(vv rdx.VV) (b scene.Batch, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}
	if err = p.evict(p.now()); err != nil {
		return nil, err
	}
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(p.head),
		UpperBound: logKey(p.tail),
	})
	if err != nil {
		return nil, errors.Wrap(err, "oplog: scan")
	}
	for it.First(); it.Valid(); it.Next() {
		_, d, derr := decode(it.Value())
		if derr != nil {
			continue
		}
		if !vv.Covers(d.Stamp) {
			b = append(b, d)
		}
	}
	return b, errors.Wrap(it.Close(), "oplog: scan")
}

func (p *Pebble) Floor() rdx.VV {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.floor.Clone()
}

func (p *Pebble) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return int(p.tail - p.head)
}

func (p *Pebble) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return errors.Wrap(err, "oplog: close")
}
