package rdx

import (
	"cmp"
	"strconv"
)

/*
Stamp is a logical timestamp with the replica that issued it.

	(time, src)

Times are Lamport clock readings: every replica increments its own
clock on each local mutation and pulls it forward past any time it
observes. Stamps are totally ordered by time, then by src. Every
replica sorts them the same way, which is what makes last-writer-wins
deterministic.
*/
type Stamp struct {
	Time uint64
	Src  string
}

var Stamp0 Stamp

func NewStamp(time uint64, src string) Stamp {
	return Stamp{Time: time, Src: src}
}

func (s Stamp) Compare(o Stamp) int {
	if c := cmp.Compare(s.Time, o.Time); c != 0 {
		return c
	}
	return cmp.Compare(s.Src, o.Src)
}

func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}

func (s Stamp) IsZero() bool {
	return s.Time == 0 && s.Src == ""
}

// String renders src-time with time in hex, like "alice-1f".
func (s Stamp) String() string {
	b := make([]byte, 0, len(s.Src)+17)
	b = append(b, s.Src...)
	b = append(b, '-')
	b = strconv.AppendUint(b, s.Time, 16)
	return string(b)
}
