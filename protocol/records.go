package protocol

// Records is a batch of encoded frames. Batches go to the socket with a
// single writev (net.Buffers) and are cheap to sign or encrypt one by one.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
