// Package scene is the replicated scene document: a map of object ids to
// records of last-writer-wins field registers. Replicas that have seen the
// same set of deltas, in any order and with any duplication, hold the same
// document.
package scene

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/drpcorg/scenesync/rdx"
	"github.com/drpcorg/scenesync/utils"
)

const MaxObjectIDLen = 255

var ErrClosed = errors.New("scene: document is closed")

// Document is safe for concurrent use; every operation holds the
// document lock for its whole duration, so mutations never interleave.
type Document struct {
	lock    sync.Mutex
	clock   rdx.Clock
	records map[string]*ObjectRecord
	vv      rdx.VV
	log     Log
	logger  utils.Logger
	closed  bool
}

// NewDocument creates a document for the replica src and restores its
// state from whatever the log retains. A nil log means an in-memory log
// with DefaultLimits.
func NewDocument(src string, log Log, logger utils.Logger) (*Document, error) {
	if log == nil {
		log = NewMemLog(DefaultLimits)
	}
	doc := &Document{
		clock:   rdx.NewLamportClock(src, 0),
		records: make(map[string]*ObjectRecord),
		vv:      make(rdx.VV),
		log:     log,
		logger:  logger,
	}
	retained, err := log.Since(nil)
	if err != nil {
		return nil, fmt.Errorf("scene: replay: %w", err)
	}
	for _, d := range retained {
		doc.apply(d)
	}
	if len(retained) > 0 {
		logger.Info("document restored from log", "deltas", len(retained), "vv", doc.vv.String())
	}
	return doc, nil
}

func (doc *Document) Src() string {
	return doc.clock.Src()
}

func (doc *Document) apply(d Delta) (changed, advanced bool) {
	doc.clock.See(d.Stamp.Time)
	rec, ok := doc.records[d.Object]
	if !ok {
		rec = &ObjectRecord{}
		doc.records[d.Object] = rec
	}
	changed = rec.Apply(d)
	advanced = doc.vv.PutStamp(d.Stamp)
	return
}

func checkID(id string) error {
	if id == "" || len(id) > MaxObjectIDLen {
		return fmt.Errorf("%w: %q", ErrBadObjectID, id)
	}
	return nil
}

// commit logs and applies a locally produced batch.
func (doc *Document) commit(b Batch) (Batch, error) {
	if err := doc.log.Append(b); err != nil {
		return nil, fmt.Errorf("scene: log append: %w", err)
	}
	for _, d := range b {
		doc.apply(d)
	}
	return b, nil
}

// LocalSet writes the given fields of an object under one fresh stamp,
// creating the record if needed. The same stamp also clears the
// tombstone, so setting a deleted object revives it unless a newer delete
// exists somewhere.
func (doc *Document) LocalSet(id string, f Fields) (Batch, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	doc.lock.Lock()
	defer doc.lock.Unlock()
	if doc.closed {
		return nil, ErrClosed
	}
	stamp := doc.clock.Tick()
	b := make(Batch, 0, 3)
	if f.Position != nil {
		b = append(b, Delta{Object: id, Field: FieldPosition, Vec: *f.Position, Stamp: stamp})
	}
	if f.Rotation != nil {
		b = append(b, Delta{Object: id, Field: FieldRotation, Vec: *f.Rotation, Stamp: stamp})
	}
	b = append(b, Delta{Object: id, Field: FieldTombstone, Deleted: false, Stamp: stamp})
	return doc.commit(b)
}

func (doc *Document) LocalDelete(id string) (Batch, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	doc.lock.Lock()
	defer doc.lock.Unlock()
	if doc.closed {
		return nil, ErrClosed
	}
	stamp := doc.clock.Tick()
	return doc.commit(Batch{{Object: id, Field: FieldTombstone, Deleted: true, Stamp: stamp}})
}

// Merge applies remote deltas and returns the ones that were new here:
// those that won a register or advanced the state vector. Only those are
// worth relaying further.
func (doc *Document) Merge(b Batch) (fresh Batch) {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	if doc.closed {
		return nil
	}
	for _, d := range b {
		if !d.Field.Valid() || d.Object == "" || d.Stamp.Src == "" {
			doc.logger.Warn("skipping invalid delta", "delta", d.String())
			continue
		}
		changed, advanced := doc.apply(d)
		if changed || advanced {
			fresh = append(fresh, d)
		}
	}
	if len(fresh) > 0 {
		if err := doc.log.Append(fresh); err != nil {
			doc.logger.Error("log append failed", "err", err)
		}
	}
	return
}

// Snapshot lists visible objects ordered by id.
func (doc *Document) Snapshot() []Object {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	return doc.snapshot()
}

func (doc *Document) snapshot() []Object {
	ret := make([]Object, 0, len(doc.records))
	for _, id := range slices.Sorted(maps.Keys(doc.records)) {
		rec := doc.records[id]
		if rec.Visible() {
			ret = append(ret, rec.object(id))
		}
	}
	return ret
}

func (doc *Document) Get(id string) (Object, bool) {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	rec, ok := doc.records[id]
	if !ok || !rec.Visible() {
		return Object{}, false
	}
	return rec.object(id), true
}

// Record returns a copy of the object's registers, tombstoned or not.
func (doc *Document) Record(id string) (ObjectRecord, bool) {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	rec, ok := doc.records[id]
	if !ok {
		return ObjectRecord{}, false
	}
	return *rec, true
}

func (doc *Document) StateVector() rdx.VV {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	return doc.vv.Clone()
}

// DeltasSince lists what a peer with the state vector vv is missing,
// ordered by (stamp, object, field). Deltas come from the log; for
// origins the log has evicted below vv, the current registers stand in
// for the lost history.
func (doc *Document) DeltasSince(vv rdx.VV) Batch {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	retained, err := doc.log.Since(vv)
	floor := doc.log.Floor()
	if err != nil {
		doc.logger.Error("log scan failed, serving from state", "err", err)
		retained, floor = nil, doc.vv
	}
	below := func(src string) bool {
		f := floor[src]
		return f > 0 && vv[src] < f
	}
	var b Batch
	for _, d := range retained {
		if !below(d.Stamp.Src) {
			b = append(b, d)
		}
	}
	if !vv.Seen(floor) {
		for id, rec := range doc.records {
			b = append(b, rec.Deltas(id, func(s rdx.Stamp) bool {
				return below(s.Src) && !vv.Covers(s)
			})...)
		}
	}
	b.Sort()
	return b
}

// Digest hashes the visible snapshot; replicas that converged have equal
// digests.
func (doc *Document) Digest() uint64 {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	h := xxhash.New()
	var num [8]byte
	for _, obj := range doc.snapshot() {
		_, _ = h.WriteString(obj.ID)
		_, _ = h.Write([]byte{0})
		for _, c := range append(obj.Position[:], obj.Rotation[:]...) {
			binary.BigEndian.PutUint64(num[:], math.Float64bits(c))
			_, _ = h.Write(num[:])
		}
	}
	return h.Sum64()
}

// LogLen is the number of retained deltas.
func (doc *Document) LogLen() int {
	return doc.log.Len()
}

// Close releases the log. The document refuses mutations afterwards.
func (doc *Document) Close() error {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	if doc.closed {
		return nil
	}
	doc.closed = true
	return doc.log.Close()
}
