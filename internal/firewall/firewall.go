// Package firewall implements the source address allow and deny lists
// consulted before any other analysis of a datagram.
package firewall

import (
	"encoding/binary"
	"net/netip"
	"sync"
)

// Key returns the lookup key of addr: its IPv4 address as a big-endian
// uint32. IPv4-mapped IPv6 addresses are unmapped first. Other IPv6
// addresses have no key and ok is false.
func Key(addr netip.Addr) (key uint32, ok bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// List is a set of IPv4 addresses with an enable switch.
type List struct {
	mu      sync.RWMutex
	enabled bool
	addrs   map[uint32]struct{}
}

// NewList returns an empty, disabled list.
func NewList() *List {
	return &List{addrs: make(map[uint32]struct{})}
}

// Enable switches membership checks on or off. Entries are kept.
func (l *List) Enable(on bool) {
	l.mu.Lock()
	l.enabled = on
	l.mu.Unlock()
}

// Enabled reports whether the list takes part in Allowed.
func (l *List) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// Add inserts addr. It reports false for addresses without a key.
func (l *List) Add(addr netip.Addr) bool {
	k, ok := Key(addr)
	if !ok {
		return false
	}
	l.mu.Lock()
	l.addrs[k] = struct{}{}
	l.mu.Unlock()
	return true
}

// Remove deletes addr if present.
func (l *List) Remove(addr netip.Addr) {
	k, ok := Key(addr)
	if !ok {
		return
	}
	l.mu.Lock()
	delete(l.addrs, k)
	l.mu.Unlock()
}

// Reset empties the list.
func (l *List) Reset() {
	l.mu.Lock()
	clear(l.addrs)
	l.mu.Unlock()
}

// Contains reports whether addr is a member, regardless of Enabled.
func (l *List) Contains(addr netip.Addr) bool {
	k, ok := Key(addr)
	if !ok {
		return false
	}
	l.mu.RLock()
	_, found := l.addrs[k]
	l.mu.RUnlock()
	return found
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.addrs)
}

// state returns the enable flag and membership of k under one read lock.
func (l *List) state(k uint32, haveKey bool) (enabled, member bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if haveKey {
		_, member = l.addrs[k]
	}
	return l.enabled, member
}

// Firewall pairs a whitelist with a blacklist.
type Firewall struct {
	Whitelist *List
	Blacklist *List
}

// New returns a firewall with both lists empty and disabled.
func New() *Firewall {
	return &Firewall{Whitelist: NewList(), Blacklist: NewList()}
}

// Allowed reports whether a datagram from addr may proceed. An enabled
// whitelist admits only its members and an enabled blacklist refuses its
// members. Addresses without a key never match a list entry.
func (f *Firewall) Allowed(addr netip.Addr) bool {
	k, ok := Key(addr)

	if on, member := f.Whitelist.state(k, ok); on && !member {
		return false
	}
	if on, member := f.Blacklist.state(k, ok); on && member {
		return false
	}
	return true
}

// Active reports whether either list is enabled.
func (f *Firewall) Active() bool {
	return f.Whitelist.Enabled() || f.Blacklist.Enabled()
}
