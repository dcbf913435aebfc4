package replycache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojo333/queryguard/internal/a2s"
	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/logger"
)

var errHost = errors.New("host offline")

type fakeHost struct {
	state      host.State
	stateErr   error
	players    []host.Player
	playersErr error
}

func (f *fakeHost) Socket() int { return -1 }

func (f *fakeHost) Elapsed() time.Duration { return 0 }

func (f *fakeHost) State() (host.State, error) { return f.state, f.stateErr }

func (f *fakeHost) Players() ([]host.Player, error) { return f.players, f.playersErr }

type decodedInfo struct {
	name, mapName, folder, version string
	clients, maxClients, bots      byte
}

func decodeInfo(t *testing.T, b []byte) decodedInfo {
	t.Helper()
	h, err := a2s.ParseHeader(b)
	require.NoError(t, err)
	require.True(t, h.Connectionless())
	require.Equal(t, a2s.TypeInfoReply, h.Type)

	r := a2s.NewReader(h.Payload)
	var d decodedInfo
	proto, _ := r.Uint8()
	require.Equal(t, a2s.ProtocolVersion, proto)
	d.name, _ = r.CString()
	d.mapName, _ = r.CString()
	d.folder, _ = r.CString()
	_, _ = r.CString()
	_, _ = r.Uint16()
	d.clients, _ = r.Uint8()
	d.maxClients, _ = r.Uint8()
	d.bots, _ = r.Uint8()
	_, _ = r.Bytes(4)
	d.version, err = r.CString()
	require.NoError(t, err)
	return d
}

type decodedPlayer struct {
	name     string
	score    int32
	duration float32
}

func decodePlayers(t *testing.T, b []byte) []decodedPlayer {
	t.Helper()
	h, err := a2s.ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, a2s.TypePlayerReply, h.Type)

	r := a2s.NewReader(h.Payload)
	n, err := r.Uint8()
	require.NoError(t, err)
	out := make([]decodedPlayer, 0, n)
	for i := 0; i < int(n); i++ {
		idx, err := r.Uint8()
		require.NoError(t, err)
		require.Equal(t, byte(i), idx)
		var p decodedPlayer
		p.name, _ = r.CString()
		p.score, _ = r.Int32()
		p.duration, err = r.Float32()
		require.NoError(t, err)
		out = append(out, p)
	}
	assert.Zero(t, r.Remaining())
	return out
}

func newInfo(h host.Adapter) *Info {
	return NewInfo(h, logger.Nop())
}

func TestInfoRebuildOnlyWhenStale(t *testing.T) {
	h := &fakeHost{state: host.State{Name: "first", MaxClients: 16}}
	c := newInfo(h)

	first := append([]byte{}, c.Get(0)...)
	assert.Equal(t, 1, c.Rebuilds())

	h.state.Name = "second"
	for _, now := range []time.Duration{time.Second, 4 * time.Second, DefaultTTL - time.Millisecond} {
		assert.Equal(t, first, c.Get(now), "within TTL at %s", now)
	}
	assert.Equal(t, 1, c.Rebuilds())

	got := decodeInfo(t, c.Get(DefaultTTL))
	assert.Equal(t, 2, c.Rebuilds())
	assert.Equal(t, "second", got.name)

	c.SetTTL(time.Second)
	c.Get(DefaultTTL + time.Second)
	assert.Equal(t, 3, c.Rebuilds())
}

func TestSetTTLKeepsPayload(t *testing.T) {
	info := newInfo(&fakeHost{state: host.State{Name: "ttl", MaxClients: 8}})
	players := NewPlayers(&fakeHost{}, logger.Nop())

	info.Get(0)
	players.Get(0)

	info.SetTTL(10 * time.Second)
	players.SetTTL(10 * time.Second)
	info.Get(7 * time.Second)
	players.Get(7 * time.Second)
	assert.Equal(t, 1, info.Rebuilds(), "longer TTL keeps the payload")
	assert.Equal(t, 1, players.Rebuilds(), "longer TTL keeps the payload")

	info.SetTTL(2 * time.Second)
	players.SetTTL(2 * time.Second)
	info.Get(7 * time.Second)
	players.Get(7 * time.Second)
	assert.Equal(t, 2, info.Rebuilds(), "shorter TTL ages the payload out")
	assert.Equal(t, 2, players.Rebuilds(), "shorter TTL ages the payload out")
}

func TestInfoFields(t *testing.T) {
	h := &fakeHost{state: host.State{
		Name:       "My Server",
		Map:        "gm_construct",
		Folder:     "garrysmod",
		Clients:    4,
		MaxClients: 24,
		Bots:       1,
	}}
	got := decodeInfo(t, newInfo(h).Get(0))

	assert.Equal(t, decodedInfo{
		name:       "My Server",
		mapName:    "gm_construct",
		folder:     "garrysmod",
		version:    host.DefaultVersion,
		clients:    4,
		maxClients: 24,
		bots:       1,
	}, got)
}

func TestInfoOverrides(t *testing.T) {
	h := &fakeHost{state: host.State{Map: "live_map", Clients: 2, MaxClients: 32}}
	c := newInfo(h)

	c.SetMapDetection(false)
	c.SetMapName("fake_map")
	c.SetPlayerOverride(true, 20)
	got := decodeInfo(t, c.Get(0))
	assert.Equal(t, "fake_map", got.mapName)
	assert.Equal(t, byte(20), got.clients)

	c.SetMapDetection(true)
	c.SetPlayerOverride(false, 20)
	got = decodeInfo(t, c.Get(0))
	assert.Equal(t, "live_map", got.mapName, "setters invalidate the cache")
	assert.Equal(t, byte(2), got.clients)

	tests := []struct {
		visible int
		want    byte
	}{
		{0, 32},
		{-1, 32},
		{8, 8},
		{32, 32},
		{64, 32},
	}
	for _, tt := range tests {
		c.SetVisibleMaxClients(tt.visible)
		got = decodeInfo(t, c.Get(0))
		assert.Equal(t, tt.want, got.maxClients, "visible max %d", tt.visible)
	}
}

func TestInfoFallback(t *testing.T) {
	h := &fakeHost{stateErr: errHost}
	c := newInfo(h)
	c.SetTTL(0)

	got := decodeInfo(t, c.Get(0))
	assert.Equal(t, host.DefaultVersion, got.version)
	assert.Empty(t, got.name)

	h.state, h.stateErr = host.State{Name: "up", Version: "1.2.3"}, nil
	got = decodeInfo(t, c.Get(time.Second))
	assert.Equal(t, "up", got.name)

	h.state, h.stateErr = host.State{}, errHost
	got = decodeInfo(t, c.Get(2*time.Second))
	assert.Equal(t, "up", got.name)
	assert.Equal(t, "1.2.3", got.version)
}

func TestPlayersSpoofedAccumulate(t *testing.T) {
	c := NewPlayers(&fakeHost{}, logger.Nop())
	c.SetSpoofing(true)
	c.SetRoster([]host.Player{
		{Name: "alpha", Score: 5, Connected: 10 * time.Second},
		{Name: "bravo", Score: -1},
	})

	got := decodePlayers(t, c.Get(0))
	require.Len(t, got, 2)
	assert.Equal(t, decodedPlayer{"alpha", 5, 10}, got[0])
	assert.Equal(t, decodedPlayer{"bravo", -1, 0}, got[1])

	assert.Equal(t, got, decodePlayers(t, c.Get(3*time.Second)))

	got = decodePlayers(t, c.Get(7*time.Second))
	assert.Equal(t, float32(17), got[0].duration)
	assert.Equal(t, float32(7), got[1].duration)

	got = decodePlayers(t, c.Get(20*time.Second))
	assert.Equal(t, float32(30), got[0].duration)
	assert.Equal(t, float32(20), got[1].duration)
	assert.Equal(t, 3, c.Rebuilds())
}

func TestPlayersRosterOps(t *testing.T) {
	c := NewPlayers(&fakeHost{}, logger.Nop())
	c.SetSpoofing(true)
	c.AddPlayer(host.Player{Name: "one"})
	c.AddPlayer(host.Player{Name: "two"})
	assert.Len(t, decodePlayers(t, c.Get(0)), 2)

	c.ResetPlayers()
	assert.Empty(t, decodePlayers(t, c.Get(0)))
	assert.Empty(t, c.Roster())
}

func TestPlayersLive(t *testing.T) {
	h := &fakeHost{players: []host.Player{{Name: "live", Score: 3, Connected: time.Minute}}}
	c := NewPlayers(h, logger.Nop())
	c.SetTTL(0)

	got := decodePlayers(t, c.Get(0))
	require.Len(t, got, 1)
	assert.Equal(t, decodedPlayer{"live", 3, 60}, got[0])

	h.players, h.playersErr = nil, errHost
	got = decodePlayers(t, c.Get(time.Second))
	require.Len(t, got, 1, "last known roster")
	assert.Equal(t, "live", got[0].name)

	c.SetSpoofing(true)
	assert.Empty(t, decodePlayers(t, c.Get(2*time.Second)))
}
