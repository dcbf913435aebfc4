// Package relay runs the filter in front of a remote game server. It drains
// the filter once per frame, forwards accepted datagrams to the upstream
// server over one UDP session per client, and sends the server's replies
// back to each client from the public socket.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbmk-project/common/errclass"
	"golang.org/x/net/ipv4"

	"github.com/mojo333/queryguard/internal/logger"
	"github.com/mojo333/queryguard/internal/packet"
	"github.com/mojo333/queryguard/internal/sock"
)

const (
	DefaultIdleTimeout   = 30 * time.Second
	DefaultFrameInterval = 15 * time.Millisecond

	// maxPerFrame bounds the datagrams handled by one pump.
	maxPerFrame = 1024

	batchSize          = 8
	upstreamBufferSize = 8192
)

// Source yields datagrams accepted for the server. It returns
// sock.ErrWouldBlock when none is pending.
type Source interface {
	Recv(buf []byte) (int, netip.AddrPort, error)
}

// Sender writes replies from the public socket.
type Sender interface {
	SendTo(b []byte, to netip.AddrPort) error
}

// waiter is implemented by fronts that can report unread datagrams.
// *sock.Socket is one.
type waiter interface {
	Wait(timeout time.Duration) (bool, error)
}

// Config holds all configuration for the Relay.
type Config struct {
	Source        Source
	Front         Sender
	Upstream      netip.AddrPort
	IdleTimeout   time.Duration
	FrameInterval time.Duration
	TTL           int
	Logger        *logger.Logger
}

// session is the upstream leg of one client.
type session struct {
	id       string
	client   netip.AddrPort
	conn     *net.UDPConn
	pc       *ipv4.PacketConn
	lastSeen atomic.Int64
}

func (s *session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

func (s *session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// Relay is the upstream relay engine.
type Relay struct {
	source   Source
	front    Sender
	upstream netip.AddrPort
	idle     time.Duration
	frame    time.Duration
	ttl      int
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[netip.AddrPort]*session
	wg       sync.WaitGroup

	forwarded atomic.Uint64
	returned  atomic.Uint64
}

// New creates a relay. Nothing is started until Run.
func New(cfg Config) (*Relay, error) {
	if cfg.Source == nil || cfg.Front == nil {
		return nil, errors.New("relay needs a source and a front socket")
	}
	if !cfg.Upstream.IsValid() || !cfg.Upstream.Addr().Unmap().Is4() {
		return nil, fmt.Errorf("%w: upstream %s", sock.ErrAddressFamily, cfg.Upstream)
	}

	r := &Relay{
		source:   cfg.Source,
		front:    cfg.Front,
		upstream: netip.AddrPortFrom(cfg.Upstream.Addr().Unmap(), cfg.Upstream.Port()),
		idle:     cfg.IdleTimeout,
		frame:    cfg.FrameInterval,
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
		sessions: make(map[netip.AddrPort]*session),
	}
	if r.idle <= 0 {
		r.idle = DefaultIdleTimeout
	}
	if r.frame <= 0 {
		r.frame = DefaultFrameInterval
	}
	if r.logger == nil {
		r.logger = logger.Nop()
	}
	return r, nil
}

// Run pumps the source once per frame until ctx is done, then closes every
// session.
func (r *Relay) Run(ctx context.Context) error {
	frame := time.NewTicker(r.frame)
	defer frame.Stop()
	reap := time.NewTicker(max(min(r.idle/2, time.Second), time.Millisecond))
	defer reap.Stop()

	buf := make([]byte, packet.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			r.wg.Wait()
			return nil
		case <-frame.C:
			r.pump(buf)
		case now := <-reap.C:
			r.reap(now)
		}
	}
}

// pump drains the source and returns how many datagrams it forwarded.
// The filter reports answered and dropped datagrams as ErrWouldBlock, so a
// frame only ends early once the front socket has nothing left to read.
func (r *Relay) pump(buf []byte) int {
	forwarded := 0
	for i := 0; i < maxPerFrame; i++ {
		size, from, err := r.source.Recv(buf)
		if err != nil {
			if !errors.Is(err, sock.ErrWouldBlock) {
				r.logger.Throttled("Receive failed: %s (%s)", err, errclass.New(err))
				return forwarded
			}
			if !r.pending() {
				return forwarded
			}
			continue
		}
		r.forward(from, buf[:size])
		forwarded++
	}
	return forwarded
}

// pending reports whether the front socket still holds unread datagrams.
func (r *Relay) pending() bool {
	w, ok := r.front.(waiter)
	if !ok {
		return false
	}
	ready, err := w.Wait(0)
	return err == nil && ready
}

func (r *Relay) forward(from netip.AddrPort, data []byte) {
	s, err := r.session(from)
	if err != nil {
		r.logger.Throttled("Cannot open upstream session for %s: %s (%s)", from, err, errclass.New(err))
		return
	}
	s.touch(time.Now())
	if _, err := s.conn.Write(data); err != nil {
		r.logger.Throttled("Forwarding %d bytes from %s failed: %s", len(data), from, err)
		return
	}
	r.forwarded.Add(1)
}

func (r *Relay) session(client netip.AddrPort) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[client]; ok {
		return s, nil
	}

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(r.upstream))
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if r.ttl > 0 {
		if err := pc.SetTTL(r.ttl); err != nil {
			r.logger.Warning("Cannot set TTL %d on upstream session: %s", r.ttl, err)
		}
	}

	s := &session{id: uuid.NewString(), client: client, conn: conn, pc: pc}
	s.touch(time.Now())
	r.sessions[client] = s
	r.wg.Add(1)
	go r.readUpstream(s)

	r.logger.Info("Session %s opened for %s via %s", s.id, client, conn.LocalAddr())
	return s, nil
}

// readUpstream copies the server's replies for one session back to its
// client until the session is closed.
func (r *Relay) readUpstream(s *session) {
	defer r.wg.Done()

	msgs := make([]ipv4.Message, batchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, upstreamBufferSize)}
	}

	for {
		n, err := s.pc.ReadBatch(msgs, 0)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logger.Throttled("Session %s read failed: %s (%s)", s.id, err, errclass.New(err))
			}
			return
		}
		s.touch(time.Now())
		for i := 0; i < n; i++ {
			data := msgs[i].Buffers[0][:msgs[i].N]
			if err := r.front.SendTo(data, s.client); err != nil {
				r.logger.Throttled("Reply to %s failed: %s (%s)", s.client, err, errclass.New(err))
				continue
			}
			r.returned.Add(1)
		}
	}
}

// reap closes sessions idle for longer than the idle timeout.
func (r *Relay) reap(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := 0
	for client, s := range r.sessions {
		if s.idle(now) <= r.idle {
			continue
		}
		s.conn.Close()
		delete(r.sessions, client)
		closed++
		r.logger.Info("Session %s for %s closed after %s idle", s.id, client, r.idle)
	}
	return closed
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for client, s := range r.sessions {
		s.conn.Close()
		delete(r.sessions, client)
	}
}

// NumClients returns the number of open sessions.
func (r *Relay) NumClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Forwarded returns the number of datagrams sent upstream.
func (r *Relay) Forwarded() uint64 { return r.forwarded.Load() }

// Returned returns the number of upstream replies sent to clients.
func (r *Relay) Returned() uint64 { return r.returned.Load() }
