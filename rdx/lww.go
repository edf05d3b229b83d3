package rdx

// Register is a last-write-wins cell. The write with the greater stamp
// wins; on equal stamps the receiver is kept, which makes re-applying
// the same write a no-op.
type Register[T any] struct {
	Value T
	Stamp Stamp
}

// Merge returns the winner of the two.
func (r Register[T]) Merge(other Register[T]) Register[T] {
	if r.Stamp.Less(other.Stamp) {
		return other
	}
	return r
}

// Put merges a write into the register, returns whether it won.
func (r *Register[T]) Put(value T, stamp Stamp) bool {
	if !r.Stamp.Less(stamp) {
		return false
	}
	r.Value = value
	r.Stamp = stamp
	return true
}

// Written is false for a register nobody ever wrote to.
func (r Register[T]) Written() bool {
	return !r.Stamp.IsZero()
}
