package tcpsend

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/stack"
)

// pushPrequeue hands the call's fill list to whichever actor next holds
// the stack lock. The raw pointer chain becomes an id chain first; after
// the CAS lands the packets belong to the stack.
func (sinf *sendInfo) pushPrequeue(ctx context.Context) {
	head, tail := pkt.ConvertPtrList(sinf.fillList)
	n := sinf.nFilled
	sinf.ts.PrequeuePush(sinf.ni.Arena(), head, tail, n)
	prequeuedPackets.Add(float64(n))
	dlog.Tracef(ctx, "   SND %s prequeued %d packets", sinf.ts.ConnID, n)
}

// freePrequeue empties the prequeue back into the pools. Another
// drainer may be racing us for it; the swap decides.
func freePrequeue(ni *stack.Netif, ts *endpoint.State, locked bool) {
	id := ts.PrequeueSwap()
	if id.IsNil() {
		return
	}
	n := ni.Pool().FreeList(id, locked)
	ni.Pool().AddAsync(-n)
	ts.PrequeueTaken(n)
}

// deferredDrain is the work a sender leaves with the stack-lock holder
// when it loses the lock race after prequeueing: drain the prequeue,
// advance, and wake anyone waiting for send-queue space. It runs with
// the lock held, in the holder's unlock path.
type deferredDrain struct {
	ni *stack.Netif
	ts *endpoint.State
}

func (d deferredDrain) OnStackUnlock(ctx context.Context) {
	ni, ts := d.ni, d.ts
	if ts.TxErrno() != 0 {
		// An error latched while the holder had the lock; nothing to
		// enqueue, just give the buffers back.
		dlog.Debugf(ctx, "   SND %s deferred drain with tx_errno=%d", ts.ConnID, ts.TxErrno())
		freePrequeue(ni, ts, true)
		return
	}
	enqueuePrequeue(ctx, ni, ts)
	if ts.SendQ.NotEmpty() {
		// The stack was polled on this holder's watch; advance without
		// polling again.
		ni.Advance(ctx, ts)
		if ts.AdvertiseSpace() {
			ni.Wake(ts, endpoint.WakeTX)
		}
	}
}
