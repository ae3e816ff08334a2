// Package ring provides a fixed-capacity circular queue of pool indices.
//
// Ring is the only queue primitive used on the real-time path: it never
// allocates after construction, and both Push and Pop fail silently at the
// capacity bounds instead of blocking or growing.
package ring

// Ring is a FIFO of non-negative integer handles over a fixed array.
//
// The zero value has capacity 0 and rejects every Push. Use New or Resize
// to give it storage. Ring is not safe for concurrent use.
type Ring struct {
	data  []int
	head  int
	count int
}

// New returns a Ring with the given capacity. A capacity below zero is
// treated as zero.
func New(capacity int) Ring {
	if capacity < 0 {
		capacity = 0
	}

	return Ring{data: make([]int, capacity)}
}

// Resize reallocates storage for the given capacity and empties the ring.
// Storage is reused when the capacity is unchanged.
func (r *Ring) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}

	if capacity != len(r.data) {
		r.data = make([]int, capacity)
	}

	r.head = 0
	r.count = 0
}

// Reset empties the ring without touching its storage.
func (r *Ring) Reset() {
	r.head = 0
	r.count = 0
}

// Len returns the number of queued indices.
func (r *Ring) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.data) }

// Full reports whether a Push would be rejected.
func (r *Ring) Full() bool { return r.count == len(r.data) }

// Push appends v to the tail. It returns false, leaving the ring
// unchanged, when the ring is full.
func (r *Ring) Push(v int) bool {
	if r.count == len(r.data) {
		return false
	}

	r.data[(r.head+r.count)%len(r.data)] = v
	r.count++

	return true
}

// Pop removes and returns the oldest index. It returns (0, false) when the
// ring is empty.
func (r *Ring) Pop() (int, bool) {
	if r.count == 0 {
		return 0, false
	}

	v := r.data[r.head]
	r.head = (r.head + 1) % len(r.data)
	r.count--

	return v, true
}

// Peek returns the oldest index without removing it.
func (r *Ring) Peek() (int, bool) {
	return r.FromOldest(0)
}

// FromOldest returns the i-th index counted from the oldest entry.
func (r *Ring) FromOldest(i int) (int, bool) {
	if i < 0 || i >= r.count {
		return 0, false
	}

	return r.data[(r.head+i)%len(r.data)], true
}

// FromNewest returns the i-th index counted back from the newest entry.
func (r *Ring) FromNewest(i int) (int, bool) {
	return r.FromOldest(r.count - 1 - i)
}
