package replication

import (
	"errors"
	"fmt"

	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/rdx"
	"github.com/drpcorg/scenesync/scene"
)

/*
Replication messages, one TLV record each:

	J{ R:room S:replica }   join, first thing either side sends
	V{ V{T:time src}* }     state vector, right after the join
	B{ D* }                 catch-up batch, exactly once
	D{ O F V T S }          one live delta
	Q{ reason }             bye

With a seal configured, every record travels wrapped as Z{...}.
*/

var (
	ErrProtocol     = errors.New("replication: protocol error")
	ErrRoomMismatch = errors.New("replication: peer joined another room")
	ErrSelfConnect  = errors.New("replication: connected to self")
)

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func JoinRecord(room, src string) []byte {
	return protocol.Record('J',
		protocol.Record('R', []byte(room)),
		protocol.Record('S', []byte(src)),
	)
}

func ParseJoin(body []byte) (room, src string, err error) {
	rb, rest, err := protocol.TakeWary('R', body)
	if err != nil {
		return "", "", protocolError("join room: %v", err)
	}
	sb, rest, err := protocol.TakeWary('S', rest)
	if err != nil || len(rest) != 0 || len(sb) == 0 {
		return "", "", protocolError("join replica: %v", err)
	}
	return string(rb), string(sb), nil
}

func VectorRecord(vv rdx.VV) []byte {
	return protocol.Record('V', vv.TLV())
}

func ParseVector(body []byte) (rdx.VV, error) {
	vv, err := rdx.VVFromTLV(body)
	if err != nil {
		return nil, protocolError("state vector: %v", err)
	}
	return vv, nil
}

func BatchRecord(b scene.Batch) []byte {
	bm, rec := protocol.OpenHeader(nil, 'B')
	for _, d := range b {
		rec = d.AppendTLV(rec)
	}
	protocol.CloseHeader(rec, bm)
	return rec
}

// DeltaRecords renders a batch as individual live D records.
func DeltaRecords(b scene.Batch) protocol.Records {
	recs := make(protocol.Records, 0, len(b))
	for _, d := range b {
		recs = append(recs, d.TLV())
	}
	return recs
}

func ByeRecord(reason string) []byte {
	return protocol.Record('Q', []byte(reason))
}
