// Package limiter throttles cache-answerable queries per source address and
// globally, using fixed windows measured in whole seconds.
package limiter

import (
	"fmt"
	"slices"
	"strings"
)

const (
	// HighWater is the table size at which stale entries are pruned.
	HighWater = 4096
	// LowWater is the table size at which pruning stops.
	LowWater = HighWater * 2 / 3
	// Timeout is the age in seconds after which an entry is stale.
	Timeout = 120

	DefaultWindow          = 60
	DefaultThreshold       = 1
	DefaultGlobalThreshold = 50
)

// Policy selects how a window's count is compared with a threshold.
type Policy int

const (
	// PolicyPerWindow treats thresholds as queries per second and admits
	// threshold*window queries in each window.
	PolicyPerWindow Policy = iota
	// PolicyCompat rejects once count/window reaches the threshold, using
	// integer division.
	PolicyCompat
)

func (p Policy) String() string {
	switch p {
	case PolicyPerWindow:
		return "per-window"
	case PolicyCompat:
		return "compat"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per-window", "perwindow":
		return PolicyPerWindow, nil
	case "compat":
		return PolicyCompat, nil
	}
	return 0, fmt.Errorf("unknown limiter policy %q", s)
}

func (p Policy) over(count, window, threshold uint32) bool {
	if p == PolicyCompat {
		return count/window >= threshold
	}
	return uint64(count) > uint64(threshold)*uint64(window)
}

type entry struct {
	start uint32
	count uint32
}

// Limiter is not safe for concurrent use; the pipeline calls it under its
// handling lock.
type Limiter struct {
	window    uint32
	threshold uint32
	global    uint32
	policy    Policy

	clients     map[uint32]*entry
	globalStart uint32
	globalCount uint32

	prunedAt uint32
	pruned   bool
	keys     []uint32
}

// New returns a limiter with the default window and thresholds.
func New() *Limiter {
	return &Limiter{
		window:    DefaultWindow,
		threshold: DefaultThreshold,
		global:    DefaultGlobalThreshold,
		clients:   make(map[uint32]*entry),
	}
}

// SetWindow sets the window length in seconds. Zero is raised to one.
func (l *Limiter) SetWindow(seconds uint32) {
	l.window = max(seconds, 1)
}

// SetThreshold sets the per-source threshold.
func (l *Limiter) SetThreshold(n uint32) { l.threshold = n }

// SetGlobalThreshold sets the threshold shared by all sources.
func (l *Limiter) SetGlobalThreshold(n uint32) { l.global = n }

// SetPolicy selects the threshold comparison.
func (l *Limiter) SetPolicy(p Policy) { l.policy = p }

// Window returns the window length in seconds.
func (l *Limiter) Window() uint32 { return l.window }

// Policy returns the current threshold comparison.
func (l *Limiter) Policy() Policy { return l.policy }

// Len returns the number of tracked sources.
func (l *Limiter) Len() int { return len(l.clients) }

// Reset forgets every source and the global window.
func (l *Limiter) Reset() {
	clear(l.clients)
	l.globalStart, l.globalCount = 0, 0
	l.pruned = false
}

// Verdict explains a decision of Allow.
type Verdict int

const (
	Allowed Verdict = iota
	SourceLimited
	GlobalLimited
)

// Allow records a query from addr at time now (seconds) and reports whether
// it may be answered.
func (l *Limiter) Allow(addr, now uint32) bool {
	return l.Check(addr, now) == Allowed
}

// Check is Allow with the reason for a rejection.
func (l *Limiter) Check(addr, now uint32) Verdict {
	if len(l.clients) >= HighWater {
		l.prune(addr, now)
	}

	e, ok := l.clients[addr]
	switch {
	case !ok:
		l.clients[addr] = &entry{start: now, count: 1}
	case now-e.start >= l.window:
		e.start, e.count = now, 1
	default:
		e.count++
		if l.policy.over(e.count, l.window, l.threshold) {
			return SourceLimited
		}
	}

	if l.globalCount == 0 || now-l.globalStart >= l.window {
		l.globalStart, l.globalCount = now, 1
		return Allowed
	}
	l.globalCount++
	if l.policy.over(l.globalCount, l.window, l.global) {
		return GlobalLimited
	}
	return Allowed
}

// prune drops stale entries in ascending address order until the table
// shrinks to LowWater. The querying source is never dropped. A full table
// with nothing stale is walked at most once per second.
func (l *Limiter) prune(current, now uint32) {
	if l.pruned && l.prunedAt == now {
		return
	}
	l.pruned, l.prunedAt = true, now

	l.keys = l.keys[:0]
	for k := range l.clients {
		l.keys = append(l.keys, k)
	}
	slices.Sort(l.keys)

	for _, k := range l.keys {
		if len(l.clients) <= LowWater {
			return
		}
		if k == current {
			continue
		}
		if now-l.clients[k].start >= Timeout {
			delete(l.clients, k)
		}
	}
}
