package tcpsend

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
)

// Outcomes of the wait helpers.
const (
	waitRetry    = 0  // slack may be back, re-enter the pipeline
	waitFellback = 1  // spin budget spent, fall through to blocking
	waitDone     = -1 // result settled, return it
)

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EINTR
}

// sendSpin busy-waits for send-queue slack, polling the stack whenever
// events are pending and the lock is free. The budget is the per-call
// spin limit, further capped by SO_SNDTIMEO. The stack lock is not held
// while pausing.
func (sinf *sendInfo) sendSpin(ctx context.Context) int {
	ni, ts := sinf.ni, sinf.ts
	clk := ni.Clock()
	maxSpin := clk.UsecToCycles(sinf.opts.SpinUsec)
	spinLimitBySo := false
	if sinf.timeout > 0 {
		maxSo := clk.MsecToCycles(uint64(sinf.timeout / time.Millisecond))
		if maxSo <= maxSpin {
			maxSpin = maxSo
			spinLimitBySo = true
		}
	}

	now := clk.Cycles()
	for {
		if ni.MayPoll() && ni.NeedPoll() && sinf.trylock() {
			ni.Poll(ctx, sinf.opts.EvsPerPoll)
			if ts.SendqSlack() > 0 {
				ni.SetSpinner(false)
				spinOutcomes.WithLabelValues("success").Inc()
				return waitRetry
			}
			if ts.TxErrno() != 0 {
				ni.SetSpinner(false)
				sinf.handleTxErrno(ctx)
				return waitDone
			}
		} else {
			ni.SetSpinner(true)
		}
		sinf.unlock(ctx)
		select {
		case <-ctx.Done():
			ni.SetSpinner(false)
			spinOutcomes.WithLabelValues("interrupted").Inc()
			sinf.rc = unix.EINTR
			sinf.handleSentOrRc(ctx)
			return waitDone
		default:
		}
		runtime.Gosched()
		now = clk.Cycles()
		if now-sinf.startCycles >= maxSpin {
			break
		}
	}
	ni.SetSpinner(false)

	if spinLimitBySo {
		spinOutcomes.WithLabelValues("timeout").Inc()
		sinf.rc = unix.EAGAIN
		sinf.handleSentOrRc(ctx)
		return waitDone
	}

	if sinf.timeout > 0 {
		spent := time.Duration(sinf.opts.SpinUsec) * time.Microsecond
		if spent >= sinf.timeout {
			spinOutcomes.WithLabelValues("timeout").Inc()
			sinf.rc = unix.EAGAIN
			sinf.handleSentOrRc(ctx)
			return waitDone
		}
		sinf.timeout -= spent
	}
	spinOutcomes.WithLabelValues("fellback").Inc()
	return waitFellback
}

// sendBlock parks the sender on the TX wake. The wake sequence is
// sampled before the final slack check so a wake that lands in between
// cannot be lost.
func (sinf *sendInfo) sendBlock(ctx context.Context) int {
	ts := sinf.ts
	seq, ch := ts.SleepPrepare(endpoint.WakeTX)
	if ts.SendqSlack() > 0 {
		return waitRetry
	}
	if ts.TxErrno() != 0 {
		sinf.handleTxErrno(ctx)
		return waitDone
	}
	sinf.unlock(ctx)
	rem, err := ts.Sleep(ctx, seq, ch, sinf.timeout)
	sinf.timeout = rem
	if err != nil {
		sinf.rc = errnoOf(err)
		sinf.handleSentOrRc(ctx)
		return waitDone
	}
	if ts.TxErrno() != 0 {
		sinf.handleTxErrno(ctx)
		return waitDone
	}
	return waitRetry
}

// sendqFull is entered when the send queue (prequeue included) has no
// slack: poll if something is pending, then EAGAIN, spin, or block per
// the call's wait discipline.
func (sinf *sendInfo) sendqFull(ctx context.Context) int {
	ni, ts := sinf.ni, sinf.ts
	sinf.fillList = nil

	if ni.MayPoll() && ni.NeedPoll() && sinf.trylock() {
		ni.Poll(ctx, sinf.opts.EvsPerPoll)
		if ts.TxErrno() != 0 {
			sinf.handleTxErrno(ctx)
			return waitDone
		}
		if ts.SendqSlack() > 0 {
			return waitRetry
		}
	}

	if sinf.flags&DontWait != 0 {
		// tx_errno needs no check here: the queue was full when we
		// looked, so the error latched after we were already bound for
		// EAGAIN.
		sinf.rc = unix.EAGAIN
		sinf.handleSentOrRc(ctx)
		return waitDone
	}

	if sinf.spin {
		switch sinf.sendSpin(ctx) {
		case waitRetry:
			return waitRetry
		case waitDone:
			return waitDone
		}
		sinf.spin = false
	}

	return sinf.sendBlock(ctx)
}

// noPktBuf is the allocation slow path: the non-blocking pool ran dry.
// Try the TX pool under the lock; if the batch still cannot be started
// and nothing is allocated yet, wait for buffers to come back. A
// partially allocated batch is pushed out rather than waited on.
func (sinf *sendInfo) noPktBuf(ctx context.Context) int {
	ni, ts := sinf.ni, sinf.ts
	po := ni.Pool()
	nonbPoolEmpty.Inc()

	if !sinf.trylock() {
		if sinf.pf.stocked() > 0 {
			return waitFellback
		}
		if err := sinf.lock(ctx); err != nil {
			sinf.rc = errnoOf(err)
			sinf.handleSentOrRc(ctx)
			return waitDone
		}
	}

	if po.TXAvailable() == 0 {
		// Bring completions up to date before concluding the pool is
		// really empty.
		ni.Poll(ctx, sinf.opts.EvsPerPoll)
	}

	for {
		for sinf.nNeeded > 0 {
			p := po.AllocTX()
			if p == nil {
				break
			}
			// We would have preferred the non-blocking pool; arrange
			// for the buffer to be freed there.
			p.Flags |= pkt.FlagNonbPool
			po.AddAsync(1)
			sinf.pf.add(p)
			sinf.nNeeded--
		}
		if sinf.nNeeded == 0 {
			return waitRetry
		}
		if sinf.pf.stocked() > 0 {
			// Push what we have before blocking.
			return waitFellback
		}

		seq, ch := po.WaitSeq()
		sinf.unlock(ctx)
		if err := po.Wait(ctx, seq, ch, sinf.timeout); err != nil {
			sinf.rc = errnoOf(err)
			sinf.handleSentOrRc(ctx)
			return waitDone
		}

		for sinf.nNeeded > 0 {
			p := po.AllocNonb()
			if p == nil {
				break
			}
			po.AddAsync(1)
			sinf.pf.add(p)
			sinf.nNeeded--
		}
		if ts.TxErrno() != 0 {
			sinf.handleTxErrno(ctx)
			return waitDone
		}
		if sinf.nNeeded == 0 {
			return waitRetry
		}
		if !sinf.trylock() {
			if err := sinf.lock(ctx); err != nil {
				sinf.rc = errnoOf(err)
				sinf.handleSentOrRc(ctx)
				return waitDone
			}
		}
	}
}
