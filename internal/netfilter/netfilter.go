// Package netfilter sits between the game server's query socket and the
// server's own receive path. Every datagram is sampled, checked against the
// firewall, classified, and then passed on to the server, answered from a
// reply cache, or dropped.
//
// The host drives the filter by calling Recv in place of recvfrom. Dropped
// and answered datagrams look to the host exactly like an empty socket.
package netfilter

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mojo333/queryguard/internal/firewall"
	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/limiter"
	"github.com/mojo333/queryguard/internal/logger"
	"github.com/mojo333/queryguard/internal/queue"
	"github.com/mojo333/queryguard/internal/replycache"
	"github.com/mojo333/queryguard/internal/sampler"
	"github.com/mojo333/queryguard/internal/sock"
)

// DefaultPollInterval bounds every wait of the background poller.
const DefaultPollInterval = 100 * time.Millisecond

var (
	// ErrWouldBlock is returned by Recv when no datagram is available for
	// the host, including when one was dropped or answered.
	ErrWouldBlock = sock.ErrWouldBlock
	// ErrResourceInit is returned by New when the host cannot supply what
	// the filter needs.
	ErrResourceInit = errors.New("netfilter: required host resource unavailable")
	// ErrClosed is returned by Close on a closed filter.
	ErrClosed = errors.New("netfilter: filter closed")
	// ErrAddress is returned for addresses the firewall cannot hold.
	ErrAddress = errors.New("netfilter: only IPv4 addresses can be listed")
)

// Mode is how Recv obtains datagrams.
type Mode int32

const (
	// ModePassthrough reads the socket without analysis.
	ModePassthrough Mode = iota
	// ModeIntercepted reads and analyzes on the caller's goroutine.
	ModeIntercepted
	// ModeQueued serves datagrams analyzed by the background poller.
	ModeQueued
)

func (m Mode) String() string {
	switch m {
	case ModePassthrough:
		return "passthrough"
	case ModeIntercepted:
		return "intercepted"
	case ModeQueued:
		return "queued"
	}
	return fmt.Sprintf("Mode(%d)", int32(m))
}

// Config holds construction parameters for a Filter.
type Config struct {
	Host           host.Adapter
	Logger         *logger.Logger
	QueueCapacity  int
	SampleCapacity int
	PollInterval   time.Duration
}

// Filter is the packet interception pipeline. All methods are safe for
// concurrent use.
type Filter struct {
	id   string
	log  *logger.Logger
	host host.Adapter
	sock *sock.Socket

	firewall *firewall.Firewall
	sampler  *sampler.Sampler
	queue    *queue.Queue

	validation    atomic.Bool
	queued        atomic.Bool
	limiterOn     atomic.Bool
	infoCacheOn   atomic.Bool
	playerCacheOn atomic.Bool
	closed        atomic.Bool
	modeChanges   sync.Mutex

	// mu is the handling lock. The limiter and both caches are only used
	// while it is held.
	mu         sync.Mutex
	limiter    *limiter.Limiter
	info       *replycache.Info
	players    *replycache.Players
	spoofCount int

	pollInterval time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	stats counters
}

// New attaches a filter to the host's query socket and starts the poller.
// The filter starts in ModePassthrough with every feature disabled.
func New(cfg Config) (*Filter, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("%w: no host adapter", ErrResourceInit)
	}
	s, err := sock.FromFd(cfg.Host.Socket())
	if err != nil {
		return nil, errors.Join(ErrResourceInit, err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	id := uuid.NewString()
	log = log.With("filter", id[:8])

	f := &Filter{
		id:           id,
		log:          log,
		host:         cfg.Host,
		sock:         s,
		firewall:     firewall.New(),
		sampler:      sampler.New(cfg.SampleCapacity),
		queue:        queue.New(cfg.QueueCapacity),
		limiter:      limiter.New(),
		info:         replycache.NewInfo(cfg.Host, log),
		players:      replycache.NewPlayers(cfg.Host, log),
		spoofCount:   10,
		pollInterval: interval,
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go f.poll(ctx)

	f.log.Monitor("Filter %s attached to fd %d", id, s.Fd())
	return f, nil
}

// ID returns the filter's instance id.
func (f *Filter) ID() string { return f.id }

// Close stops the poller and restores ModePassthrough. Datagrams still
// queued are returned by later calls to Recv.
func (f *Filter) Close() error {
	if f.closed.Swap(true) {
		return ErrClosed
	}
	f.cancel()
	f.wg.Wait()
	f.log.Monitor("Filter %s detached", f.id)
	return nil
}

// Mode reports how Recv currently obtains datagrams.
func (f *Filter) Mode() Mode {
	switch {
	case f.closed.Load():
		return ModePassthrough
	case f.queued.Load():
		return ModeQueued
	case f.validation.Load() || f.firewall.Active():
		return ModeIntercepted
	}
	return ModePassthrough
}

// Recv returns the next datagram destined for the host. It returns
// ErrWouldBlock when there is none. Socket errors are returned unchanged.
func (f *Filter) Recv(buf []byte) (int, netip.AddrPort, error) {
	if d, ok := f.queue.Pop(); ok {
		return copy(buf, d.Data), d.From, nil
	}

	switch f.Mode() {
	case ModeQueued:
		return 0, netip.AddrPort{}, ErrWouldBlock

	case ModeIntercepted:
		n, from, err := f.sock.RecvFrom(buf)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		f.stats.received.Add(1)
		if !f.analyze(from, buf[:n]) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		f.stats.passed.Add(1)
		return n, from, nil
	}

	n, from, err := f.sock.RecvFrom(buf)
	if err == nil {
		f.stats.received.Add(1)
		f.stats.passed.Add(1)
	}
	return n, from, err
}

// setFlag stores v in flag and logs the resulting mode change, if any.
func (f *Filter) setFlag(flag *atomic.Bool, v bool) {
	f.modeChanges.Lock()
	defer f.modeChanges.Unlock()
	before := f.Mode()
	flag.Store(v)
	f.logMode(before)
}

func (f *Filter) logMode(before Mode) {
	if after := f.Mode(); after != before {
		f.log.Info("Mode changed from %s to %s", before, after)
	}
}
