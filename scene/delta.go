package scene

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/rdx"
)

type Field byte

const (
	FieldPosition  Field = 'P'
	FieldRotation  Field = 'R'
	FieldTombstone Field = 'X'
)

func (f Field) Valid() bool {
	switch f {
	case FieldPosition, FieldRotation, FieldTombstone:
		return true
	}
	return false
}

func (f Field) String() string {
	switch f {
	case FieldPosition:
		return "position"
	case FieldRotation:
		return "rotation"
	case FieldTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("field(%q)", byte(f))
	}
}

type Vec3 [3]float64

func (v Vec3) Finite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (v Vec3) String() string {
	return fmt.Sprintf("[%g,%g,%g]", v[0], v[1], v[2])
}

// Delta is one field write: enough to replay the write on any replica.
// Vec carries position and rotation values, Deleted the tombstone.
type Delta struct {
	Object  string
	Field   Field
	Vec     Vec3
	Deleted bool
	Stamp   rdx.Stamp
}

func (d Delta) Compare(o Delta) int {
	if c := d.Stamp.Compare(o.Stamp); c != 0 {
		return c
	}
	if c := cmp.Compare(d.Object, o.Object); c != 0 {
		return c
	}
	return cmp.Compare(d.Field, o.Field)
}

func (d Delta) String() string {
	if d.Field == FieldTombstone {
		return fmt.Sprintf("%s %s.%s=%t", d.Stamp, d.Object, d.Field, d.Deleted)
	}
	return fmt.Sprintf("%s %s.%s=%s", d.Stamp, d.Object, d.Field, d.Vec)
}

// Batch is a list of deltas, the unit of local mutation, merge and catch-up.
type Batch []Delta

// Sort orders the batch by (stamp, object, field).
func (b Batch) Sort() {
	slices.SortFunc(b, Delta.Compare)
}

// VV is the state vector covering every delta of the batch.
func (b Batch) VV() rdx.VV {
	vv := make(rdx.VV)
	for _, d := range b {
		vv.PutStamp(d.Stamp)
	}
	return vv
}

var (
	ErrBadDelta = errors.New("scene: bad delta record")
	ErrBadField = errors.New("scene: unknown field")
)

const vecLen = 24

func (d Delta) value() []byte {
	if d.Field == FieldTombstone {
		if d.Deleted {
			return []byte{1}
		}
		return []byte{0}
	}
	var buf [vecLen]byte
	for i, c := range d.Vec {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(c))
	}
	return buf[:]
}

// AppendTLV appends the wire form of the delta:
//
//	D{ O:object F:field V:value T:time S:src }
func (d Delta) AppendTLV(into []byte) []byte {
	return protocol.Append(into, 'D',
		protocol.Record('O', []byte(d.Object)),
		protocol.TinyRecord('F', []byte{byte(d.Field)}),
		protocol.Record('V', d.value()),
		protocol.TinyRecord('T', rdx.ZipUint64(d.Stamp.Time)),
		protocol.Record('S', []byte(d.Stamp.Src)),
	)
}

func (d Delta) TLV() []byte {
	return d.AppendTLV(nil)
}

// TLV is the concatenation of the deltas' D records.
func (b Batch) TLV() (ret []byte) {
	for _, d := range b {
		ret = d.AppendTLV(ret)
	}
	return
}

func badDelta(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadDelta, fmt.Sprintf(format, args...))
}

// ParseDelta parses the body of a D record. The input comes off the
// wire, every part of it is checked.
func ParseDelta(body []byte) (d Delta, err error) {
	var obj, fld, val, tim, src []byte
	rest := body
	if obj, rest, err = protocol.TakeWary('O', rest); err != nil {
		return d, badDelta("object: %v", err)
	}
	if fld, rest, err = protocol.TakeWary('F', rest); err != nil {
		return d, badDelta("field: %v", err)
	}
	if val, rest, err = protocol.TakeWary('V', rest); err != nil {
		return d, badDelta("value: %v", err)
	}
	if tim, rest, err = protocol.TakeWary('T', rest); err != nil {
		return d, badDelta("time: %v", err)
	}
	if src, rest, err = protocol.TakeWary('S', rest); err != nil {
		return d, badDelta("src: %v", err)
	}
	if len(rest) != 0 {
		return d, badDelta("%d trailing bytes", len(rest))
	}
	if len(obj) == 0 {
		return d, badDelta("empty object id")
	}
	if len(fld) != 1 {
		return d, badDelta("field length %d", len(fld))
	}
	if len(tim) == 0 || len(tim) > 8 {
		return d, badDelta("time length %d", len(tim))
	}
	if len(src) == 0 {
		return d, badDelta("empty src")
	}
	d.Object = string(obj)
	d.Field = Field(fld[0])
	d.Stamp = rdx.NewStamp(rdx.UnzipUint64(tim), string(src))
	switch d.Field {
	case FieldPosition, FieldRotation:
		if len(val) != vecLen {
			return d, badDelta("vector length %d", len(val))
		}
		for i := range d.Vec {
			d.Vec[i] = math.Float64frombits(binary.BigEndian.Uint64(val[i*8:]))
		}
		if !d.Vec.Finite() {
			return d, badDelta("non-finite vector %s", d.Vec)
		}
	case FieldTombstone:
		if len(val) != 1 || val[0] > 1 {
			return d, badDelta("bad tombstone value")
		}
		d.Deleted = val[0] == 1
	default:
		return d, errors.Join(ErrBadDelta, ErrBadField)
	}
	return d, nil
}

// ParseBatch parses a sequence of D records.
func ParseBatch(data []byte) (b Batch, err error) {
	rest := data
	for len(rest) > 0 {
		var body []byte
		body, rest, err = protocol.TakeWary('D', rest)
		if err != nil {
			return nil, badDelta("batch: %v", err)
		}
		var d Delta
		if d, err = ParseDelta(body); err != nil {
			return nil, err
		}
		b = append(b, d)
	}
	return b, nil
}
