package netfilter

import (
	"context"
	"errors"
	"time"

	"github.com/rbmk-project/common/errclass"

	"github.com/mojo333/queryguard/internal/packet"
)

// poll feeds the receive queue while the filter is in ModeQueued.
func (f *Filter) poll(ctx context.Context) {
	defer f.wg.Done()

	buf := make([]byte, packet.MaxDatagramSize)
	for ctx.Err() == nil {
		if f.Mode() != ModeQueued {
			sleep(ctx, f.pollInterval)
			continue
		}
		if f.queue.Full() {
			f.stats.queueBackoffs.Add(1)
			sleep(ctx, f.pollInterval)
			continue
		}

		ready, err := f.sock.Wait(f.pollInterval)
		if err != nil {
			f.log.Throttled("Waiting on fd %d failed: %s (%s)", f.sock.Fd(), err, errclass.New(err))
			sleep(ctx, f.pollInterval)
			continue
		}
		if !ready {
			continue
		}

		n, from, err := f.sock.RecvFrom(buf)
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				f.log.Throttled("Receiving on fd %d failed: %s (%s)", f.sock.Fd(), err, errclass.New(err))
			}
			continue
		}
		f.stats.received.Add(1)

		if !f.analyze(from, buf[:n]) {
			continue
		}
		f.stats.passed.Add(1)
		if !f.queue.Push(packet.Capture(from, buf[:n])) {
			f.stats.queueDrops.Add(1)
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
