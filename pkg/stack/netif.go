// Package stack provides the netif: the single lock serializing all
// send-queue and NIC-ring mutations, the poll/advance driver surface,
// and the deferred-work handoff that lets a sender who lost the lock
// race leave its prequeued packets with the current holder.
package stack

import (
	"context"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/clock"
	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/pool"
)

// Driver is the NIC-facing half of a netif. Poll processes at most n
// completion events and returns how many it handled; Transmit pushes one
// sequenced segment towards the wire.
type Driver interface {
	Poll(ctx context.Context, ni *Netif, n int) int
	NeedPoll() bool
	MayPoll() bool
	Transmit(ctx context.Context, ts *endpoint.State, p *pkt.Packet)
}

// Deferred is work a sender could not do because another goroutine held
// the stack lock; the holder runs it, with the lock, while unlocking.
type Deferred interface {
	OnStackUnlock(ctx context.Context)
}

const deferBacklog = 64

type Netif struct {
	arena *pkt.Arena
	pool  *pool.Pool
	clk   *clock.Clock
	drv   Driver

	lockCh  chan struct{}
	deferCh chan Deferred

	spinner int32 // atomic; a spinning sender is parked on this netif
}

func NewNetif(arena *pkt.Arena, p *pool.Pool, clk *clock.Clock, drv Driver) *Netif {
	return &Netif{
		arena:   arena,
		pool:    p,
		clk:     clk,
		drv:     drv,
		lockCh:  make(chan struct{}, 1),
		deferCh: make(chan Deferred, deferBacklog),
	}
}

func (ni *Netif) Arena() *pkt.Arena { return ni.arena }
func (ni *Netif) Pool() *pool.Pool  { return ni.pool }
func (ni *Netif) Clock() *clock.Clock {
	return ni.clk
}

// Lock acquires the stack lock, giving up with EINTR if the context is
// cancelled first.
func (ni *Netif) Lock(ctx context.Context) error {
	select {
	case ni.lockCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return unix.EINTR
	}
}

func (ni *Netif) TryLock() bool {
	select {
	case ni.lockCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock drains deferred work while still holding the lock, then
// releases it. If more work slipped in during the release window it
// re-acquires and drains again so no deferral is stranded.
func (ni *Netif) Unlock(ctx context.Context) {
	for {
		ni.drainDeferred(ctx)
		<-ni.lockCh
		if len(ni.deferCh) == 0 || !ni.TryLock() {
			return
		}
	}
}

func (ni *Netif) drainDeferred(ctx context.Context) {
	for {
		select {
		case d := <-ni.deferCh:
			d.OnStackUnlock(ctx)
		default:
			return
		}
	}
}

// LockOrDefer either acquires the lock (returns true) or hands d to the
// current holder (returns false). The handoff never strands work: after
// a successful handoff the lock is re-tried once, because the holder may
// have unlocked between our failed TryLock and the send; whoever wins
// that race drains the backlog. When the backlog is full this degrades
// to a blocking acquire.
func (ni *Netif) LockOrDefer(ctx context.Context, d Deferred) (locked bool) {
	if ni.TryLock() {
		return true
	}
	select {
	case ni.deferCh <- d:
		if ni.TryLock() {
			ni.drainDeferred(ctx)
			return true
		}
		return false
	default:
		dlog.Debugf(ctx, "   NIF defer backlog full, blocking for stack lock")
		ni.lockCh <- struct{}{}
		return true
	}
}

// MayPoll reports whether polling is allowed from this calling context.
func (ni *Netif) MayPoll() bool {
	return ni.drv.MayPoll()
}

// NeedPoll reports whether completion events are pending.
func (ni *Netif) NeedPoll() bool {
	return ni.drv.NeedPoll()
}

// Poll processes up to n pending events. The caller must hold the
// stack lock.
func (ni *Netif) Poll(ctx context.Context, n int) int {
	return ni.drv.Poll(ctx, ni, n)
}

// SetSpinner flags that a sender is busy-waiting on this netif.
func (ni *Netif) SetSpinner(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&ni.spinner, v)
}

func (ni *Netif) HasSpinner() bool {
	return atomic.LoadInt32(&ni.spinner) != 0
}

// Wake releases sleepers on the endpoint.
func (ni *Netif) Wake(ts *endpoint.State, flags endpoint.WakeFlag) {
	ts.Wake(flags)
}
