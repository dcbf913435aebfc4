package netfilter

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojo333/queryguard/internal/a2s"
	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/sock"
)

var (
	loopback  = netip.MustParseAddrPort("127.0.0.1:0")
	gameBytes = []byte{0x01, 0x00, 0x00, 0x00, 0x42, 0x42}
	playerReq = []byte{0xff, 0xff, 0xff, 0xff, 'U', 0xff, 0xff, 0xff, 0xff}
)

type testHost struct {
	*host.Static
	clock atomic.Int64
}

func (h *testHost) Elapsed() time.Duration { return time.Duration(h.clock.Load()) }

func (h *testHost) advance(d time.Duration) { h.clock.Add(int64(d)) }

type harness struct {
	f      *Filter
	host   *testHost
	srv    *sock.Socket
	client *sock.Socket
	srvAt  netip.AddrPort
	cliAt  netip.AddrPort
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv, err := sock.Open(loopback)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	client, err := sock.Open(loopback)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	h := &harness{srv: srv, client: client}
	h.srvAt, err = srv.LocalAddr()
	require.NoError(t, err)
	h.cliAt, err = client.LocalAddr()
	require.NoError(t, err)

	h.host = &testHost{Static: host.NewStatic(srv.Fd(), host.State{
		Name:       "test server",
		Map:        "gm_flatgrass",
		Folder:     "garrysmod",
		MaxClients: 16,
	}, "")}

	h.f, err = New(Config{Host: h.host, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { h.f.Close() })
	return h
}

func (h *harness) send(t *testing.T, b []byte) {
	t.Helper()
	require.NoError(t, h.client.SendTo(b, h.srvAt))
}

// recv waits for the server socket to become readable and calls Recv once.
func (h *harness) recv(t *testing.T) ([]byte, netip.AddrPort, error) {
	t.Helper()
	ready, err := h.srv.Wait(time.Second)
	require.NoError(t, err)
	require.True(t, ready, "datagram never arrived")

	buf := make([]byte, 2048)
	n, from, err := h.f.Recv(buf)
	return buf[:n], from, err
}

func (h *harness) reply(t *testing.T, wait time.Duration) ([]byte, bool) {
	t.Helper()
	ready, err := h.client.Wait(wait)
	require.NoError(t, err)
	if !ready {
		return nil, false
	}
	buf := make([]byte, 2048)
	n, _, err := h.client.RecvFrom(buf)
	require.NoError(t, err)
	return buf[:n], true
}

func infoMapAndClients(t *testing.T, b []byte) (string, byte) {
	t.Helper()
	hdr, err := a2s.ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, a2s.TypeInfoReply, hdr.Type)

	r := a2s.NewReader(hdr.Payload)
	_, _ = r.Uint8()
	_, _ = r.CString()
	mapName, err := r.CString()
	require.NoError(t, err)
	_, _ = r.CString()
	_, _ = r.CString()
	_, _ = r.Uint16()
	clients, err := r.Uint8()
	require.NoError(t, err)
	return mapName, clients
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrResourceInit)

	_, err = New(Config{Host: host.NewStatic(-1, host.State{}, "")})
	assert.ErrorIs(t, err, ErrResourceInit)
}

func TestModeDerivation(t *testing.T) {
	h := newHarness(t)
	f := h.f
	assert.Equal(t, ModePassthrough, f.Mode())

	f.EnableValidation(true)
	assert.Equal(t, ModeIntercepted, f.Mode())
	f.EnableQueue(true)
	assert.Equal(t, ModeQueued, f.Mode())
	f.EnableQueue(false)
	f.EnableValidation(false)
	assert.Equal(t, ModePassthrough, f.Mode())

	f.EnableBlacklist(true)
	assert.Equal(t, ModeIntercepted, f.Mode())
	f.EnableBlacklist(false)
	f.EnableWhitelist(true)
	assert.Equal(t, ModeIntercepted, f.Mode())
	f.EnableWhitelist(false)

	f.EnableInfoCache(true)
	f.EnableLimiter(true)
	assert.Equal(t, ModePassthrough, f.Mode(), "caches alone do not intercept")

	f.EnableQueue(true)
	require.NoError(t, f.Close())
	assert.Equal(t, ModePassthrough, f.Mode())
	assert.ErrorIs(t, f.Close(), ErrClosed)
}

func TestPassthrough(t *testing.T) {
	h := newHarness(t)

	h.send(t, gameBytes)
	data, from, err := h.recv(t)
	require.NoError(t, err)
	assert.Equal(t, gameBytes, data)
	assert.Equal(t, h.cliAt, from)

	_, _, err = h.f.Recv(make([]byte, 64))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestInterceptedAnswersInfo(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)
	h.f.EnableInfoCache(true)

	h.send(t, a2s.RequestInfo())
	_, _, err := h.recv(t)
	assert.ErrorIs(t, err, ErrWouldBlock)

	reply, ok := h.reply(t, time.Second)
	require.True(t, ok)
	mapName, clients := infoMapAndClients(t, reply)
	assert.Equal(t, "gm_flatgrass", mapName)
	assert.Equal(t, byte(0), clients)

	st := h.f.Stats()
	assert.Equal(t, uint64(1), st.Received)
	assert.Equal(t, uint64(1), st.InfoReplies)
	assert.Zero(t, st.Passed)
}

func TestInfoCacheDisabledPassesQuery(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)

	h.send(t, a2s.RequestInfo())
	data, _, err := h.recv(t)
	require.NoError(t, err)
	assert.Equal(t, a2s.RequestInfo(), data)
}

func TestBlacklistedInfoRequest(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)
	h.f.EnableInfoCache(true)
	require.NoError(t, h.f.AddBlacklist(h.cliAt.Addr()))
	h.f.EnableBlacklist(true)

	h.send(t, a2s.RequestInfo())
	_, _, err := h.recv(t)
	assert.ErrorIs(t, err, ErrWouldBlock)

	_, ok := h.reply(t, 50*time.Millisecond)
	assert.False(t, ok, "blacklisted source must not get a reply")
	assert.Equal(t, uint64(1), h.f.Stats().Firewalled)

	assert.ErrorIs(t, h.f.AddBlacklist(netip.MustParseAddr("2001:db8::1")), ErrAddress)
}

func TestWhitelist(t *testing.T) {
	h := newHarness(t)
	h.f.EnableWhitelist(true)

	h.send(t, gameBytes)
	_, _, err := h.recv(t)
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, h.f.AddWhitelist(h.cliAt.Addr()))
	h.send(t, gameBytes)
	data, _, err := h.recv(t)
	require.NoError(t, err)
	assert.Equal(t, gameBytes, data)
}

func TestListRemoveAndReset(t *testing.T) {
	h := newHarness(t)
	h.f.EnableWhitelist(true)
	require.NoError(t, h.f.AddWhitelist(h.cliAt.Addr()))
	h.f.RemoveWhitelist(h.cliAt.Addr())

	h.send(t, gameBytes)
	_, _, err := h.recv(t)
	assert.ErrorIs(t, err, ErrWouldBlock, "removed from whitelist")

	require.NoError(t, h.f.AddWhitelist(h.cliAt.Addr()))
	h.f.ResetWhitelist()
	h.send(t, gameBytes)
	_, _, err = h.recv(t)
	assert.ErrorIs(t, err, ErrWouldBlock, "whitelist reset")

	h.f.EnableWhitelist(false)
	h.f.EnableBlacklist(true)
	require.NoError(t, h.f.AddBlacklist(h.cliAt.Addr()))
	h.f.ResetBlacklist()
	h.send(t, gameBytes)
	data, _, err := h.recv(t)
	require.NoError(t, err)
	assert.Equal(t, gameBytes, data)

	assert.ErrorIs(t, h.f.AddBlacklist(netip.MustParseAddr("2001:db8::1")), ErrAddress)
}

func TestRejectsMalformed(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)

	for _, b := range [][]byte{
		{0xfe, 0xff, 0xff, 0xff, 'T', 0x00},
		{0xff, 0xff, 0xff, 0xff, 'Z'},
		append(a2s.RequestInfo(), 0x00),
	} {
		h.send(t, b)
		_, _, err := h.recv(t)
		assert.ErrorIs(t, err, ErrWouldBlock)
	}
	assert.Equal(t, uint64(3), h.f.Stats().Rejected)
}

func TestLimiter(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)
	h.f.EnableInfoCache(true)
	h.f.EnableLimiter(true)
	h.f.SetLimiterWindow(1)
	h.f.SetLimiterThreshold(1)

	query := func() bool {
		h.send(t, a2s.RequestInfo())
		_, _, err := h.recv(t)
		require.ErrorIs(t, err, ErrWouldBlock)
		_, ok := h.reply(t, 100*time.Millisecond)
		return ok
	}

	assert.True(t, query())
	assert.False(t, query(), "second query in the same window")
	h.host.advance(time.Second)
	assert.True(t, query(), "new window")
	assert.False(t, query())
	h.f.ResetLimiter()
	assert.True(t, query(), "after reset")

	st := h.f.Stats()
	assert.Equal(t, uint64(2), st.RateLimited)
	assert.Equal(t, uint64(3), st.InfoReplies)
}

func TestPlayerSpoofing(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)
	h.f.EnableInfoCache(true)
	h.f.EnablePlayerCache(true)
	h.f.EnablePlayerSpoofing(true)
	h.f.SetPlayerCount(7)
	h.f.AddPlayer("bot", 3, 90*time.Second)

	h.send(t, playerReq)
	_, _, err := h.recv(t)
	require.ErrorIs(t, err, ErrWouldBlock)
	reply, ok := h.reply(t, time.Second)
	require.True(t, ok)

	hdr, err := a2s.ParseHeader(reply)
	require.NoError(t, err)
	require.Equal(t, a2s.TypePlayerReply, hdr.Type)
	r := a2s.NewReader(hdr.Payload)
	count, _ := r.Uint8()
	assert.Equal(t, byte(1), count)
	_, _ = r.Uint8()
	name, _ := r.CString()
	assert.Equal(t, "bot", name)

	h.send(t, a2s.RequestInfo())
	_, _, err = h.recv(t)
	require.ErrorIs(t, err, ErrWouldBlock)
	reply, ok = h.reply(t, time.Second)
	require.True(t, ok)
	_, clients := infoMapAndClients(t, reply)
	assert.Equal(t, byte(7), clients)
	assert.Equal(t, uint64(1), h.f.Stats().PlayerReplies)
}

func TestMapOverrideAndRefresh(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)
	h.f.EnableInfoCache(true)
	h.f.SetInfoCacheTTL(time.Hour)

	queryMap := func() string {
		h.send(t, a2s.RequestInfo())
		_, _, err := h.recv(t)
		require.ErrorIs(t, err, ErrWouldBlock)
		reply, ok := h.reply(t, time.Second)
		require.True(t, ok)
		m, _ := infoMapAndClients(t, reply)
		return m
	}

	assert.Equal(t, "gm_flatgrass", queryMap())
	h.host.SetMap("gm_construct")
	assert.Equal(t, "gm_flatgrass", queryMap(), "cached within TTL")
	h.f.RefreshCaches()
	assert.Equal(t, "gm_construct", queryMap())

	h.f.SetMapDetection(false)
	h.f.SetMapName("de_dust2")
	assert.Equal(t, "de_dust2", queryMap())
}

func TestQueuedMode(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)
	h.f.EnableInfoCache(true)
	h.f.EnableQueue(true)

	h.send(t, a2s.RequestInfo())
	_, ok := h.reply(t, time.Second)
	assert.True(t, ok, "poller answers queries")

	h.send(t, gameBytes)
	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n, from, err := h.f.Recv(buf)
		return err == nil && string(buf[:n]) == string(gameBytes) && from == h.cliAt
	}, 2*time.Second, 5*time.Millisecond)

	_, _, err := h.f.Recv(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestQueueDrainedAfterDisable(t *testing.T) {
	h := newHarness(t)
	h.f.EnableQueue(true)

	h.send(t, gameBytes)
	require.Eventually(t, func() bool { return h.f.queue.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.f.EnableQueue(false)
	buf := make([]byte, 64)
	n, _, err := h.f.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, gameBytes, buf[:n])
}

func TestSampling(t *testing.T) {
	h := newHarness(t)
	h.f.EnableValidation(true)
	h.f.EnableSampling(true)

	for i := byte(1); i <= 3; i++ {
		h.send(t, []byte{i, 0, 0, 0, 0})
		_, _, err := h.recv(t)
		require.NoError(t, err)
	}

	for i := byte(1); i <= 3; i++ {
		d, ok := h.f.DrainSample()
		require.True(t, ok)
		assert.Equal(t, i, d.Data[0])
		assert.Equal(t, h.cliAt, d.From)
	}
	_, ok := h.f.DrainSample()
	assert.False(t, ok)
}
