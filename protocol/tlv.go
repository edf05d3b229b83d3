// Frame codec derived from ToyTLV (MIT licence) by Victor Grishchenko, 2024.
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol frames replication messages as TLV records.

A record is a one-letter type (A..Z), a body length and the body. Three
header sizes exist and the encoder picks the smallest that fits:

	tiny   1 byte   '0'+len            body <= 9 bytes, lowercase type requested
	short  2 bytes  lowercase type,len  body <= 255 bytes
	long   5 bytes  uppercase type,u32le body < 2GB

Tiny records lose their type letter; readers accept a tiny record wherever a
specific type is expected. Records nest: a body may itself be a sequence of
records, which is how replication messages carry their fields.

Readers come in two flavours. Take/TakeAny trust the input and signal
problems with nil bodies. TakeWary/TakeAnyWary are for bytes that came off
the wire and return ErrIncomplete or ErrBadRecord.

Bodies of unknown length can be streamed:

	bm, buf := OpenHeader(buf, 'B')
	buf = append(buf, body...)
	CloseHeader(buf, bm)
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader reads the header at the start of data. lit is the record
// type ('0' for tiny records), '-' for garbage and 0 if the header itself
// is not complete yet.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	first := data[0]
	switch {
	case first >= '0' && first <= '9':
		return '0', 1, int(first - '0')
	case first >= 'a' && first <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return first - CaseBit, 2, int(data[1])
	case first >= 'A' && first <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return first, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

// Split cuts complete records off the front of the buffer. A partial
// record at the tail stays in the buffer and ErrIncomplete is returned
// along with whatever was complete.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 {
			return
		}
		if hlen+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("record size %d, buffered %d", hlen+blen, data.Len()))
			return
		}
		record := make([]byte, hlen+blen)
		if _, rerr := data.Read(record); rerr != nil {
			return recs, rerr
		}
		recs = append(recs, record)
	}
	return
}

// AppendHeader appends a header for a body of the given length. A
// lowercase lit allows the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	upper := lit &^ CaseBit
	if upper < 'A' || upper > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && (lit&CaseBit) != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, upper)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		return append(into, upper|CaseBit, byte(bodylen))
	}
}

// Take reads one record of type lit. On a type mismatch both results
// are nil; on short input body is nil and rest is data.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:]
}

func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = Lit(data)
	body, rest = Take(lit, data)
	return
}

func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == '-' {
		return nil, nil, ErrBadRecord
	}
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit = Lit(data)
	if lit == '-' {
		return 0, nil, nil, ErrBadRecord
	}
	body, rest, err = TakeWary(lit, data)
	return
}

// Lit is the canonical type of a record: 'A'..'Z', '0' for tiny, '-' for junk.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	default:
		return '-'
	}
}

func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, TotalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	ret := make([]byte, 0, total+5)
	return Append(ret, lit, body...)
}

// TinyRecord is Record with the tiny form allowed.
func TinyRecord(lit byte, body []byte) []byte {
	return Record((lit&^CaseBit)|CaseBit, body)
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// OpenHeader starts a long-form record whose length is filled in later
// by CloseHeader.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &= ^CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV record type is A..Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("CloseHeader: bad bookmark")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
