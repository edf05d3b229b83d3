package rdx

type Clock interface {
	// See moves the clock past a remote reading.
	See(time uint64)
	// Tick issues the next local stamp.
	Tick() Stamp
	// Now is the last issued or seen time.
	Now() uint64
	Src() string
}

// LamportClock is not safe for concurrent use; its owner serializes access.
type LamportClock struct {
	Source string
	time   uint64
}

func NewLamportClock(src string, time uint64) *LamportClock {
	return &LamportClock{Source: src, time: time}
}

func (lc *LamportClock) See(time uint64) {
	if time > lc.time {
		lc.time = time
	}
}

func (lc *LamportClock) Tick() Stamp {
	lc.time++
	return Stamp{Time: lc.time, Src: lc.Source}
}

func (lc *LamportClock) Now() uint64 {
	return lc.time
}

func (lc *LamportClock) Src() string {
	return lc.Source
}
