// Package replycache builds the info and player replies answered on behalf
// of the server and reuses them until their TTL expires.
//
// Caches are not safe for concurrent use. The filter only touches them while
// holding its handling lock, so each cache has a single writer.
package replycache

import (
	"time"

	"github.com/mojo333/queryguard/internal/a2s"
	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/logger"
)

// DefaultTTL is the lifetime of a built reply.
const DefaultTTL = 5 * time.Second

const replyBufferSize = 1400

// stamp tracks when a reply was last built.
type stamp struct {
	ttl   time.Duration
	built bool
	last  time.Duration
}

func (s *stamp) stale(now time.Duration) bool {
	return !s.built || now-s.last >= s.ttl
}

func (s *stamp) mark(now time.Duration) {
	s.built, s.last = true, now
}

// Invalidate forces a rebuild on the next Get.
func (s *stamp) Invalidate() {
	s.built = false
}

// Info caches the serialized info reply.
type Info struct {
	stamp
	host host.Adapter
	log  *logger.Logger
	w    *a2s.Writer

	lastGood *host.State

	autoMap    bool
	mapName    string
	spoof      bool
	spoofCount int
	visibleMax int
	platform   byte
	rebuilds   int
}

// NewInfo returns an info cache reading state from h.
func NewInfo(h host.Adapter, log *logger.Logger) *Info {
	return &Info{
		stamp:      stamp{ttl: DefaultTTL},
		host:       h,
		log:        log,
		w:          a2s.NewWriter(replyBufferSize),
		autoMap:    true,
		spoofCount: 10,
		platform:   a2s.Platform(),
	}
}

// SetTTL changes the reply lifetime. The current payload is kept and aged
// against the new TTL on the next Get.
func (c *Info) SetTTL(ttl time.Duration) { c.ttl = ttl }

// TTL returns the reply lifetime.
func (c *Info) TTL() time.Duration { return c.ttl }

// SetMapDetection selects between the live map name (on) and the name set
// with SetMapName (off).
func (c *Info) SetMapDetection(on bool) {
	c.autoMap = on
	c.Invalidate()
}

// SetMapName sets the map advertised while map detection is off.
func (c *Info) SetMapName(name string) {
	c.mapName = name
	c.Invalidate()
}

// SetPlayerOverride advertises count clients instead of the live count
// while on.
func (c *Info) SetPlayerOverride(on bool, count int) {
	c.spoof = on
	c.spoofCount = count
	c.Invalidate()
}

// SetVisibleMaxClients limits the advertised slot count. Values outside
// 1..MaxClients advertise the real slot count.
func (c *Info) SetVisibleMaxClients(n int) {
	c.visibleMax = n
	c.Invalidate()
}

// Rebuilds returns how many times the reply has been built.
func (c *Info) Rebuilds() int { return c.rebuilds }

// Get returns the reply, rebuilding it when stale. The slice stays valid
// until the next rebuild.
func (c *Info) Get(now time.Duration) []byte {
	if c.stale(now) {
		return c.Refresh(now)
	}
	return c.w.Bytes()
}

// Refresh rebuilds the reply unconditionally.
func (c *Info) Refresh(now time.Duration) []byte {
	st := c.state()

	if !c.autoMap {
		st.Map = c.mapName
	}
	if c.spoof {
		st.Clients = c.spoofCount
	}
	maxClients := st.MaxClients
	if c.visibleMax > 0 && c.visibleMax <= st.MaxClients {
		maxClients = c.visibleMax
	}

	c.w.Reset()
	a2s.AppendInfo(c.w, a2s.InfoReply{
		Name:        st.Name,
		Map:         st.Map,
		Folder:      st.Folder,
		Description: st.Description,
		AppID:       st.AppID,
		Clients:     clampByte(st.Clients),
		MaxClients:  clampByte(maxClients),
		Bots:        clampByte(st.Bots),
		Platform:    c.platform,
		Password:    st.Password,
		Secure:      st.Secure,
		Version:     st.Version,
		Port:        st.Port,
		SteamID:     st.SteamID,
		Tags:        st.Tags,
	})
	c.mark(now)
	c.rebuilds++
	return c.w.Bytes()
}

// state reads the live server state, falling back to the last state read
// successfully and then to defaults.
func (c *Info) state() host.State {
	st, err := c.host.State()
	if err == nil {
		if st.Version == "" {
			st.Version = host.DefaultVersion
		}
		c.lastGood = &st
		return st
	}

	if c.lastGood != nil {
		c.log.Throttled("Reading server state failed, using last known state: %s", err)
		return *c.lastGood
	}
	c.log.Throttled("Reading server state failed, using defaults: %s", err)
	return host.State{Version: host.DefaultVersion}
}

func clampByte(n int) byte {
	switch {
	case n < 0:
		return 0
	case n > 255:
		return 255
	}
	return byte(n)
}
