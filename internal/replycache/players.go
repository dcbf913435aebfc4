package replycache

import (
	"slices"
	"time"

	"github.com/mojo333/queryguard/internal/a2s"
	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/logger"
)

// Players caches the serialized player reply. While spoofing it serves a
// roster it owns, and advances each entry's connected time by the time
// passed since the previous build.
type Players struct {
	stamp
	host host.Adapter
	log  *logger.Logger
	w    *a2s.Writer

	spoof    bool
	roster   []host.Player
	lastSent time.Duration
	sent     bool

	lastGood []host.Player
	entries  []a2s.Player
	rebuilds int
}

// NewPlayers returns a player cache reading the live roster from h.
func NewPlayers(h host.Adapter, log *logger.Logger) *Players {
	return &Players{
		stamp: stamp{ttl: DefaultTTL},
		host:  h,
		log:   log,
		w:     a2s.NewWriter(replyBufferSize),
	}
}

// SetTTL changes the reply lifetime without discarding the current payload.
func (c *Players) SetTTL(ttl time.Duration) { c.ttl = ttl }

func (c *Players) TTL() time.Duration { return c.ttl }

// SetSpoofing selects the owned roster (on) or the live roster (off).
// Connected times do not advance while spoofing is off.
func (c *Players) SetSpoofing(on bool) {
	if on != c.spoof {
		c.sent = false
		c.Invalidate()
	}
	c.spoof = on
}

// Spoofing reports whether the owned roster is served.
func (c *Players) Spoofing() bool { return c.spoof }

// SetRoster replaces the owned roster.
func (c *Players) SetRoster(players []host.Player) {
	c.roster = slices.Clone(players)
	c.Invalidate()
}

// AddPlayer appends one entry to the owned roster.
func (c *Players) AddPlayer(p host.Player) {
	c.roster = append(c.roster, p)
	c.Invalidate()
}

// ResetPlayers empties the owned roster.
func (c *Players) ResetPlayers() {
	c.roster = c.roster[:0]
	c.Invalidate()
}

// Roster returns a copy of the owned roster.
func (c *Players) Roster() []host.Player {
	return slices.Clone(c.roster)
}

func (c *Players) Rebuilds() int { return c.rebuilds }

// Get returns the reply, rebuilding it when stale.
func (c *Players) Get(now time.Duration) []byte {
	if c.stale(now) {
		return c.Refresh(now)
	}
	return c.w.Bytes()
}

// Refresh rebuilds the reply unconditionally.
func (c *Players) Refresh(now time.Duration) []byte {
	var players []host.Player
	if c.spoof {
		if c.sent {
			elapsed := now - c.lastSent
			for i := range c.roster {
				c.roster[i].Connected += elapsed
			}
		}
		c.lastSent, c.sent = now, true
		players = c.roster
	} else {
		players = c.live()
	}

	c.entries = c.entries[:0]
	for _, p := range players {
		c.entries = append(c.entries, a2s.Player{
			Name:     p.Name,
			Score:    p.Score,
			Duration: float32(p.Connected.Seconds()),
		})
	}

	c.w.Reset()
	a2s.AppendPlayers(c.w, c.entries)
	c.mark(now)
	c.rebuilds++
	return c.w.Bytes()
}

func (c *Players) live() []host.Player {
	players, err := c.host.Players()
	if err != nil {
		c.log.Throttled("Reading player list failed, using last known list: %s", err)
		return c.lastGood
	}
	c.lastGood = players
	return players
}
