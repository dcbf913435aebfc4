package netfilter

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rbmk-project/common/errclass"

	"github.com/mojo333/queryguard/internal/classifier"
	"github.com/mojo333/queryguard/internal/firewall"
	"github.com/mojo333/queryguard/internal/limiter"
)

// analyze runs one datagram through the pipeline and reports whether it
// should be handed to the host.
func (f *Filter) analyze(from netip.AddrPort, data []byte) bool {
	f.sampler.Capture(from, data)

	if !f.firewall.Allowed(from.Addr()) {
		f.stats.firewalled.Add(1)
		f.log.Debug("Firewalled %d bytes from %s", len(data), from)
		return false
	}

	verdict, reason := classifier.Explain(data, f.validation.Load())
	switch verdict {
	case classifier.Reject:
		f.stats.rejected.Add(1)
		f.log.Throttled("Bad OOB! len: %d from %s: %s", len(data), from, reason)
		return false
	case classifier.PassThrough:
		return true
	}
	return f.answer(verdict, from)
}

// answer handles an info or player query. It reports true when the query
// should reach the host because its cache is disabled.
func (f *Filter) answer(verdict classifier.Verdict, from netip.AddrPort) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.host.Elapsed()
	if f.limiterOn.Load() {
		key, _ := firewall.Key(from.Addr())
		switch f.limiter.Check(key, seconds(now)) {
		case limiter.SourceLimited:
			f.stats.rateLimited.Add(1)
			f.log.Throttled("%s reached its query limit!", from.Addr())
			return false
		case limiter.GlobalLimited:
			f.stats.rateLimited.Add(1)
			f.log.Throttled("%s reached the global query limit!", from.Addr())
			return false
		}
	}

	var (
		reply   []byte
		counter *atomic.Uint64
	)
	switch verdict {
	case classifier.InfoQuery:
		if !f.infoCacheOn.Load() {
			return true
		}
		reply, counter = f.info.Get(now), &f.stats.infoReplies
	case classifier.PlayerQuery:
		if !f.playerCacheOn.Load() {
			return true
		}
		reply, counter = f.players.Get(now), &f.stats.playerReplies
	}

	if err := f.sock.SendTo(reply, from); err != nil {
		f.stats.sendErrors.Add(1)
		f.log.Throttled("Sending %s reply to %s failed: %s (%s)", verdict, from, err, errclass.New(err))
		return false
	}
	counter.Add(1)
	return false
}

// seconds converts the host clock to the limiter's whole-second clock.
func seconds(d time.Duration) uint32 {
	return uint32(d / time.Second)
}
