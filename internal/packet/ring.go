package packet

// Ring is a fixed-capacity FIFO of datagrams. It is not safe for concurrent
// use.
type Ring struct {
	buf  []Datagram
	head int
	n    int
}

// NewRing returns an empty ring holding at most capacity datagrams.
// Capacities below one are raised to one.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]Datagram, max(capacity, 1))}
}

// Len returns the number of queued datagrams.
func (r *Ring) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Full reports whether Len equals Cap.
func (r *Ring) Full() bool { return r.n == len(r.buf) }

// Push appends d and reports false, leaving the ring unchanged, when full.
func (r *Ring) Push(d Datagram) bool {
	if r.Full() {
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = d
	r.n++
	return true
}

// Overwrite appends d, evicting the oldest datagram when full.
func (r *Ring) Overwrite(d Datagram) {
	if r.Full() {
		r.Pop()
	}
	r.Push(d)
}

// Pop removes and returns the oldest datagram.
func (r *Ring) Pop() (Datagram, bool) {
	if r.n == 0 {
		return Datagram{}, false
	}
	d := r.buf[r.head]
	r.buf[r.head] = Datagram{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return d, true
}

// Reset drops every datagram.
func (r *Ring) Reset() {
	clear(r.buf)
	r.head, r.n = 0, 0
}
