package netfilter

import "sync/atomic"

// Stats is a snapshot of the filter counters.
type Stats struct {
	Received      uint64
	Passed        uint64
	Firewalled    uint64
	Rejected      uint64
	RateLimited   uint64
	InfoReplies   uint64
	PlayerReplies uint64
	SendErrors    uint64
	QueueBackoffs uint64
	QueueDrops    uint64
}

type counters struct {
	received      atomic.Uint64
	passed        atomic.Uint64
	firewalled    atomic.Uint64
	rejected      atomic.Uint64
	rateLimited   atomic.Uint64
	infoReplies   atomic.Uint64
	playerReplies atomic.Uint64
	sendErrors    atomic.Uint64
	queueBackoffs atomic.Uint64
	queueDrops    atomic.Uint64
}

// Stats returns the current counters.
func (f *Filter) Stats() Stats {
	c := &f.stats
	return Stats{
		Received:      c.received.Load(),
		Passed:        c.passed.Load(),
		Firewalled:    c.firewalled.Load(),
		Rejected:      c.rejected.Load(),
		RateLimited:   c.rateLimited.Load(),
		InfoReplies:   c.infoReplies.Load(),
		PlayerReplies: c.playerReplies.Load(),
		SendErrors:    c.sendErrors.Load(),
		QueueBackoffs: c.queueBackoffs.Load(),
		QueueDrops:    c.queueDrops.Load(),
	}
}
