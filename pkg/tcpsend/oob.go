package tcpsend

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/endpoint"
)

// slowpath handles the two cases the fast path refuses: zero-length
// writes (which still surface latched errors) and urgent data.
//
// Urgent data is a two-phase send. Holding off transmission entirely,
// set snd_up as if the whole write will land, re-enter the normal send
// with OOB stripped — it may only enqueue — then correct snd_up by what
// actually landed, release the hold, and advance. A concurrent plain
// send between the phases can leave snd_up stale; urgent senders that
// care must serialize their own calls.
func (sinf *sendInfo) slowpath(ctx context.Context, iov []Iovec) int {
	ni, ts := sinf.ni, sinf.ts

	if sinf.totalUnsent == 0 {
		sinf.rc = 0
		return waitDone
	}

	if err := ni.Lock(ctx); err != nil {
		sinf.rc = unix.EINTR
		return waitDone
	}

	// Poll first for an accurate view of send-queue space.
	if ni.MayPoll() {
		ni.Poll(ctx, sinf.opts.EvsPerPoll)
	}

	ts.SndUp = ts.EnqNxt + uint32(sinf.totalUnsent)
	enqNxtBefore := ts.EnqNxt
	ts.TcpFlags |= endpoint.FlagNoTxAdvance
	ni.Unlock(ctx)

	n, err := Send(ctx, ni, ts, iov, sinf.flags&^OOB)

	if lerr := ni.Lock(ctx); lerr != nil {
		// Can't correct snd_up without the lock; give up with what the
		// inner send reported.
		dlog.Errorf(ctx, "!! SND %s urgent fixup lost the lock: %v", ts.ConnID, lerr)
		sinf.retN, sinf.retErr = n, err
		return 0
	}
	if n > 0 {
		// The inner send may have landed less than everything.
		ts.SndUp = enqNxtBefore + uint32(n)
	}
	ts.TcpFlags &^= endpoint.FlagNoTxAdvance
	if n > 0 {
		ni.Advance(ctx, ts)
	}
	ni.Unlock(ctx)

	sinf.retN, sinf.retErr = n, err
	return 0
}

// notSynchronised blocks until the connection finishes its handshake,
// or reports why it cannot. A CLOSED endpoint falls through to the
// latched-error path; a non-blocking caller gets EAGAIN while SYN-SENT
// can still change under our feet.
func (sinf *sendInfo) notSynchronised(ctx context.Context) int {
	ts := sinf.ts

	if ts.ConnState() == endpoint.StateClosed {
		sinf.rc = 0 // surface so_error / tx_errno
		return waitDone
	}
	if sinf.flags&DontWait != 0 {
		sinf.rc = unix.EAGAIN
		return waitDone
	}

	if err := sinf.lock(ctx); err != nil {
		sinf.rc = errnoOf(err)
		return waitDone
	}
	for ts.ConnState() == endpoint.StateSynSent && ts.TxErrno() == 0 {
		seq, ch := ts.SleepPrepare(endpoint.WakeRX)
		if !(ts.ConnState() == endpoint.StateSynSent && ts.TxErrno() == 0) {
			break
		}
		sinf.unlock(ctx)
		rem, err := ts.Sleep(ctx, seq, ch, sinf.timeout)
		sinf.timeout = rem
		if err != nil {
			sinf.rc = errnoOf(err)
			return waitDone
		}
		if err := sinf.lock(ctx); err != nil {
			sinf.rc = errnoOf(err)
			return waitDone
		}
	}
	if ts.TxErrno() != 0 {
		sinf.rc = 0
		return waitDone
	}
	return 0
}
