package rdx

import (
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/drpcorg/scenesync/protocol"
)

// VV is a version vector (a state vector): the max time seen from each
// known replica.
type VV map[string]uint64

func (vv VV) Get(src string) uint64 {
	return vv[src]
}

// Set the time for the specified source, even if it goes backwards.
func (vv VV) Set(src string, time uint64) {
	vv[src] = time
}

// Put the src-time pair to the VV, returns whether it was
// unseen (i.e. made any difference)
func (vv VV) Put(src string, time uint64) bool {
	pre, ok := vv[src]
	if ok && pre >= time {
		return false
	}
	vv[src] = time
	return true
}

func (vv VV) PutStamp(s Stamp) bool {
	return vv.Put(s.Src, s.Time)
}

// Covers tells whether the stamp is at or below the vector's entry for
// its source.
func (vv VV) Covers(s Stamp) bool {
	return s.Time <= vv[s.Src]
}

// Seen tells whether vv dominates bb entry by entry.
func (vv VV) Seen(bb VV) bool {
	for src, time := range bb {
		if time > vv[src] {
			return false
		}
	}
	return true
}

// ProgressedOver: vv has something b has not seen.
func (vv VV) ProgressedOver(b VV) bool {
	return !b.Seen(vv)
}

// InterestOver lists the sources where vv is ahead of b, mapped to
// what b has for them.
func (vv VV) InterestOver(b VV) VV {
	ahead := make(VV)
	for src, time := range vv {
		if btime := b[src]; time > btime {
			ahead[src] = btime
		}
	}
	return ahead
}

func (vv VV) Merge(b VV) {
	for src, time := range b {
		vv.Put(src, time)
	}
}

func (vv VV) Clone() VV {
	if vv == nil {
		return make(VV)
	}
	return maps.Clone(vv)
}

func (vv VV) Sources() []string {
	return slices.Sorted(maps.Keys(vv))
}

// TLV is a sequence of V records, sorted by source; nil for empty.
// V{ t:time src }
func (vv VV) TLV() (ret []byte) {
	for _, src := range vv.Sources() {
		ret = protocol.Append(ret, 'V',
			protocol.TinyRecord('T', ZipUint64(vv[src])),
			[]byte(src),
		)
	}
	return
}

var ErrBadVRecord = errors.New("bad V record")

// PutTLV merges a V record sequence into the vector.
func (vv VV) PutTLV(rec []byte) (err error) {
	rest := rec
	for len(rest) > 0 {
		var body, tbody []byte
		body, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return errors.Join(ErrBadVRecord, err)
		}
		tbody, body, err = protocol.TakeWary('T', body)
		if err != nil || len(tbody) > 8 || len(body) == 0 {
			return ErrBadVRecord
		}
		vv.Put(string(body), UnzipUint64(tbody))
	}
	return nil
}

func VVFromTLV(tlv []byte) (VV, error) {
	vv := make(VV)
	err := vv.PutTLV(tlv)
	return vv, err
}

// String renders "a:5,b:6" sorted by source.
func (vv VV) String() string {
	var b strings.Builder
	for i, src := range vv.Sources() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(src)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(vv[src], 10))
	}
	return b.String()
}

var ErrBadVVString = errors.New("bad version vector string")

// VVFromString parses the String form.
func VVFromString(txt string) (VV, error) {
	vv := make(VV)
	if strings.TrimSpace(txt) == "" {
		return vv, nil
	}
	for _, part := range strings.Split(txt, ",") {
		src, num, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || src == "" {
			return nil, ErrBadVVString
		}
		time, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return nil, errors.Join(ErrBadVVString, err)
		}
		vv.Put(src, time)
	}
	return vv, nil
}
