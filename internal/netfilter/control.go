package netfilter

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mojo333/queryguard/internal/firewall"
	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/limiter"
	"github.com/mojo333/queryguard/internal/packet"
)

func (f *Filter) enableList(l *firewall.List, on bool) {
	f.modeChanges.Lock()
	defer f.modeChanges.Unlock()
	before := f.Mode()
	l.Enable(on)
	f.logMode(before)
}

func addToList(l *firewall.List, addr netip.Addr) error {
	if !l.Add(addr) {
		return fmt.Errorf("%w: %s", ErrAddress, addr)
	}
	return nil
}

// EnableWhitelist restricts traffic to whitelisted sources while on.
func (f *Filter) EnableWhitelist(on bool) { f.enableList(f.firewall.Whitelist, on) }

func (f *Filter) AddWhitelist(addr netip.Addr) error {
	return addToList(f.firewall.Whitelist, addr)
}

func (f *Filter) RemoveWhitelist(addr netip.Addr) { f.firewall.Whitelist.Remove(addr) }

func (f *Filter) ResetWhitelist() { f.firewall.Whitelist.Reset() }

// EnableBlacklist drops traffic from blacklisted sources while on.
func (f *Filter) EnableBlacklist(on bool) { f.enableList(f.firewall.Blacklist, on) }

func (f *Filter) AddBlacklist(addr netip.Addr) error {
	return addToList(f.firewall.Blacklist, addr)
}

func (f *Filter) RemoveBlacklist(addr netip.Addr) { f.firewall.Blacklist.Remove(addr) }

func (f *Filter) ResetBlacklist() { f.firewall.Blacklist.Reset() }

// EnableValidation switches the classifier to strict mode.
func (f *Filter) EnableValidation(on bool) { f.setFlag(&f.validation, on) }

// EnableQueue moves reading and analysis to the background poller.
func (f *Filter) EnableQueue(on bool) { f.setFlag(&f.queued, on) }

// EnableInfoCache answers info queries from the cache while on. While off,
// info queries that pass the limiter reach the host.
func (f *Filter) EnableInfoCache(on bool) { f.infoCacheOn.Store(on) }

func (f *Filter) SetInfoCacheTTL(ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info.SetTTL(ttl)
}

// EnablePlayerCache answers player queries from the cache while on.
func (f *Filter) EnablePlayerCache(on bool) { f.playerCacheOn.Store(on) }

func (f *Filter) SetPlayerCacheTTL(ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.players.SetTTL(ttl)
}

// RefreshCaches re-reads static host details and rebuilds both replies.
func (f *Filter) RefreshCaches() {
	if r, ok := f.host.(host.Reloader); ok {
		if err := r.Reload(); err != nil {
			f.log.Warning("Reloading server details failed: %s", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.host.Elapsed()
	f.info.Refresh(now)
	f.players.Refresh(now)
}

// EnableLimiter applies the query limiter to info and player queries.
func (f *Filter) EnableLimiter(on bool) { f.limiterOn.Store(on) }

func (f *Filter) SetLimiterWindow(seconds uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiter.SetWindow(seconds)
}

func (f *Filter) SetLimiterThreshold(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiter.SetThreshold(n)
}

func (f *Filter) SetGlobalThreshold(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiter.SetGlobalThreshold(n)
}

func (f *Filter) SetLimiterPolicy(p limiter.Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiter.SetPolicy(p)
}

// ResetLimiter forgets every tracked source.
func (f *Filter) ResetLimiter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiter.Reset()
}

// EnableSampling records recent datagrams while on. Turning it off discards
// the samples.
func (f *Filter) EnableSampling(on bool) { f.sampler.Enable(on) }

// DrainSample removes and returns the oldest sampled datagram.
func (f *Filter) DrainSample() (packet.Datagram, bool) { return f.sampler.Drain() }

// EnablePlayerSpoofing serves the owned roster in player replies and the
// configured player count in info replies.
func (f *Filter) EnablePlayerSpoofing(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.players.SetSpoofing(on)
	f.info.SetPlayerOverride(on, f.spoofCount)
}

// SetPlayerCount sets the client count advertised while spoofing.
func (f *Filter) SetPlayerCount(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoofCount = n
	f.info.SetPlayerOverride(f.players.Spoofing(), n)
}

func (f *Filter) ResetPlayers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.players.ResetPlayers()
}

// AddPlayer appends an entry to the spoofed roster.
func (f *Filter) AddPlayer(name string, score int32, connected time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.players.AddPlayer(host.Player{Name: name, Score: score, Connected: connected})
}

// SetMapDetection advertises the live map while on, and the name given to
// SetMapName while off.
func (f *Filter) SetMapDetection(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info.SetMapDetection(on)
}

func (f *Filter) SetMapName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info.SetMapName(name)
}

// SetVisibleMaxClients limits the advertised slot count.
func (f *Filter) SetVisibleMaxClients(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info.SetVisibleMaxClients(n)
}
