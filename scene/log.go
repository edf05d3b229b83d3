package scene

import (
	"sync"
	"time"

	"github.com/drpcorg/scenesync/rdx"
)

// Log retains applied deltas so peers can be caught up later. Retention
// is capped; when a delta is evicted the log raises the floor of its
// origin, and a peer whose vector is below a floor can no longer be served
// from the log alone.
type Log interface {
	Append(b Batch) error
	// Since lists retained deltas not covered by vv, in append order.
	Since(vv rdx.VV) (Batch, error)
	// Floor maps an origin to the newest time evicted for it.
	Floor() rdx.VV
	Len() int
	Close() error
}

// Limits cap the retained log by count and by age, oldest first.
// Zero means no cap.
type Limits struct {
	MaxDeltas int
	MaxAge    time.Duration
}

var DefaultLimits = Limits{
	MaxDeltas: 1 << 20,
	MaxAge:    24 * time.Hour,
}

type memEntry struct {
	delta Delta
	at    time.Time
}

// MemLog is the in-memory Log.
type MemLog struct {
	lock    sync.Mutex
	limits  Limits
	entries []memEntry
	floor   rdx.VV
	now     func() time.Time
}

func NewMemLog(limits Limits) *MemLog {
	return &MemLog{
		limits: limits,
		floor:  make(rdx.VV),
		now:    time.Now,
	}
}

func (l *MemLog) Append(b Batch) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	at := l.now()
	for _, d := range b {
		l.entries = append(l.entries, memEntry{delta: d, at: at})
	}
	l.evict(at)
	return nil
}

func (l *MemLog) evict(now time.Time) {
	drop := 0
	if l.limits.MaxDeltas > 0 && len(l.entries) > l.limits.MaxDeltas {
		drop = len(l.entries) - l.limits.MaxDeltas
	}
	if l.limits.MaxAge > 0 {
		cutoff := now.Add(-l.limits.MaxAge)
		for drop < len(l.entries) && l.entries[drop].at.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	for _, e := range l.entries[:drop] {
		l.floor.PutStamp(e.delta.Stamp)
	}
	l.entries = append(l.entries[:0:0], l.entries[drop:]...)
}

func (l *MemLog) Since(vv rdx.VV) (b Batch, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.evict(l.now())
	for _, e := range l.entries {
		if !vv.Covers(e.delta.Stamp) {
			b = append(b, e.delta)
		}
	}
	return
}

func (l *MemLog) Floor() rdx.VV {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.floor.Clone()
}

func (l *MemLog) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.entries)
}

func (l *MemLog) Close() error {
	return nil
}
