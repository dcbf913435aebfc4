// Package sampler keeps a bounded copy of the most recent datagrams seen by
// the filter for later inspection.
package sampler

import (
	"net/netip"
	"sync"

	"github.com/mojo333/queryguard/internal/packet"
)

// DefaultCapacity is the number of datagrams kept when no capacity is given.
const DefaultCapacity = 10

// Sampler is safe for concurrent use.
type Sampler struct {
	mu      sync.Mutex
	enabled bool
	ring    *packet.Ring
}

// New returns a disabled sampler. A capacity below one selects
// DefaultCapacity.
func New(capacity int) *Sampler {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Sampler{ring: packet.NewRing(capacity)}
}

// Enable switches sampling on or off. Switching off discards every sample.
func (s *Sampler) Enable(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = on
	if !on {
		s.ring.Reset()
	}
}

// Enabled reports whether Capture records datagrams.
func (s *Sampler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Capture copies data into the ring, evicting the oldest sample when full.
// It does nothing while sampling is disabled.
func (s *Sampler) Capture(from netip.AddrPort, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.ring.Overwrite(packet.Capture(from, data))
}

// Drain removes and returns the oldest sample.
func (s *Sampler) Drain() (packet.Datagram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Pop()
}

// Len returns the number of samples held.
func (s *Sampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Len()
}

// Cap returns the ring capacity.
func (s *Sampler) Cap() int {
	return s.ring.Cap()
}
