package stack

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
)

// Loopback is a driver that completes every transmitted segment on the
// next poll: the segment is acked in order, its buffer goes back to its
// origin sub-pool, and the peer window slides forward. It stands in for
// a real NIC in the benchmark binary and in tests.
type Loopback struct {
	window uint32

	mu     sync.Mutex
	events []loopEvent
}

type loopEvent struct {
	ts *endpoint.State
	p  *pkt.Packet
}

func NewLoopback(window uint32) *Loopback {
	return &Loopback{window: window}
}

func (lb *Loopback) MayPoll() bool {
	return true
}

func (lb *Loopback) NeedPoll() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.events) > 0
}

func (lb *Loopback) Transmit(ctx context.Context, ts *endpoint.State, p *pkt.Packet) {
	lb.mu.Lock()
	lb.events = append(lb.events, loopEvent{ts: ts, p: p})
	lb.mu.Unlock()
}

// Poll acknowledges up to n transmitted segments. Runs under the stack
// lock, like any completion processing.
func (lb *Loopback) Poll(ctx context.Context, ni *Netif, n int) int {
	lb.mu.Lock()
	batch := lb.events
	if n < len(batch) {
		batch = batch[:n]
	}
	lb.events = lb.events[len(batch):]
	lb.mu.Unlock()

	for _, ev := range batch {
		ts, p := ev.ts, ev.p
		head := ts.Inflight.PopHead(ni.arena)
		if head != p {
			dlog.Errorf(ctx, "!! LBK %s acked out of order: pkt %d, inflight head %v",
				ts.ConnID, p.ID(), head)
		}
		ts.SndUna = p.TX.EndSeq
		ts.SndMax = ts.SndUna + lb.window
		ni.pool.FreeLocked(p)
		if ts.AdvertiseSpace() {
			ni.Wake(ts, endpoint.WakeTX)
		}
	}
	return len(batch)
}

// InitWindow primes a freshly installed endpoint's send window.
func (lb *Loopback) InitWindow(ts *endpoint.State) {
	ts.SndMax = ts.SndUna + lb.window
}
