package tcpsend

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/stack"
)

// nPktsNeeded is how many packets one pipeline pass should allocate:
// enough for the unsent bytes at the current segment size, but never
// more than the batch limit or the send queue's slack.
func nPktsNeeded(effMSS, unsent, batch, slack int) int {
	n := (unsent + effMSS - 1) / effMSS
	if n > batch {
		n = batch
	}
	if n > slack {
		n = slack
	}
	return n
}

// Send copies the scatter list onto the connection's send queue and
// transmits as policy allows, returning the bytes accepted. A send that
// enqueued anything reports that count and no error, whatever happened
// afterwards; the error is latched for the next call. With nothing
// enqueued the error is one of EAGAIN, EINTR, EFAULT, ENOMEM or the
// connection's latched errno.
func Send(ctx context.Context, ni *stack.Netif, ts *endpoint.State, iov []Iovec, flags Flags) (int, error) {
	sinf := newSendInfo(ctx, ni, ts, flags)

	if !ts.ConnState().Synchronised() {
		if sinf.notSynchronised(ctx) == waitDone {
			sinf.handleRcOrTxErrno(ctx)
			return sinf.result()
		}
	}

	for i := range iov {
		if iov[i].Base == nil && iov[i].Len > 0 {
			sinf.rc = unix.EFAULT
			sinf.handleRcOrTxErrno(ctx)
			return sinf.result()
		}
		sinf.totalUnsent += iov[i].Len
	}

	if sinf.totalUnsent == 0 || sinf.flags&OOB != 0 {
		if sinf.slowpath(ctx, iov) == waitDone {
			sinf.handleRcOrTxErrno(ctx)
		}
		return sinf.result()
	}

	piov := newIovCursor(iov)
	effMSS := ts.EffMSS

	// A non-empty send queue usually means no window, but with
	// MSG_MORE/TCP_CORK there is a deliberately held-back tail with
	// slack to top up.
	if sinf.trylock() && ts.SendQ.NotEmpty() {
		sinf.fillSendqTail(&piov)
		if sinf.rc != 0 {
			sinf.handleSentOrRc(ctx)
			return sinf.result()
		}
		if sinf.totalUnsent == 0 {
			// That was the whole write. Mark the tail and let the
			// advance policy sort out window, cork and nagle in one
			// place.
			tail := ni.Arena().Get(ts.SendQ.Tail)
			if sinf.flags&More != 0 || ts.Cork() {
				tail.Flags |= pkt.FlagTxMore
			} else {
				tail.Flags &^= pkt.FlagTxMore
				h := tail.TCPHdr()
				h.SetFlags(h.Flags() | pkt.TCPFlagPSH)
			}
			advanceNagle(ctx, ni, ts)
			sinf.unlock(ctx)
			return sinf.totalSent, nil
		}
	}

	for {
		// Grab packet buffers and fill them with data.
		slack := ts.SendqSlack()
		if slack <= 0 {
			switch sinf.sendqFull(ctx) {
			case waitDone:
				return sinf.result()
			default:
				continue
			}
		}

		sinf.nNeeded = nPktsNeeded(effMSS, sinf.totalUnsent, sinf.opts.TCPTxBatch, slack)
		sinf.fillList = nil
		sinf.fillListBytes = 0
		sinf.nFilled = 0

		for sinf.nNeeded > 0 {
			p := ni.Pool().AllocNonb()
			if p == nil {
				break
			}
			ni.Pool().AddAsync(1)
			sinf.pf.add(p)
			sinf.nNeeded--
		}
		if sinf.nNeeded > 0 {
			switch sinf.noPktBuf(ctx) {
			case waitDone:
				return sinf.result()
			default:
				// Full batch or enough to push something.
			}
		}

		// Fill everything we managed to allocate.
		batch := sinf.pf.stocked()
		for i := 0; i < batch; i++ {
			n := sinf.fillPacket(&piov, ts.OutgoingHdrsLen, effMSS)
			if sinf.rc != 0 {
				// Source fault. The faulted packet and its bytes stay
				// with the filler; push what was filled before it and
				// let the short write shadow the fault.
				break
			}
			sinf.fillListBytes += n
			sinf.nFilled++
			last := i == batch-1
			if last && (sinf.flags&More != 0 || ts.Cork()) {
				// Do not send a trailing partial segment yet.
				sinf.pf.cur.Flags |= pkt.FlagTxMore
			}
			sinf.pf.cur.UserNext = sinf.fillList
			sinf.fillList = sinf.pf.cur
		}
		if sinf.fillList == nil {
			// Faulted on the very first byte of the batch.
			sinf.handleSentOrRc(ctx)
			return sinf.result()
		}
		fault := sinf.rc != 0

		// If we can take the lock, sequence and send; otherwise leave
		// the batch with whoever holds it.
		if sinf.trylock() {
			if ts.TxErrno() != 0 {
				sinf.handleTxErrno(ctx)
				return sinf.result()
			}

			// effMSS may now differ from ts.EffMSS; prep re-slots.
			sinf.enqueue(ctx)
			sinf.totalSent += sinf.fillListBytes
			sinf.totalUnsent -= sinf.fillListBytes

			if fault {
				sinf.fillList = nil
				sinf.handleSentOrRc(ctx)
				return sinf.result()
			}

			if sinf.totalUnsent == 0 {
				// The write is complete; the last segment gets PSH
				// unless it is being held for more data.
				h := sinf.fillList.TCPHdr()
				if sinf.fillList.Flags&pkt.FlagTxMore != 0 {
					h.SetFlags(pkt.TCPFlagACK)
				} else {
					h.SetFlags(pkt.TCPFlagACK | pkt.TCPFlagPSH)
				}
				advanceNagle(ctx, ni, ts)
				sinf.fillList = nil
				sinf.unlock(ctx)
				return sinf.totalSent, nil
			}

			// Stuff left to do; push out what we have first.
			ni.Poll(ctx, sinf.opts.EvsPerPoll)
			sinf.fillList = nil
			if ts.TxErrno() != 0 {
				sinf.handleTxErrno(ctx)
				return sinf.result()
			}
			if ts.SendQ.NotEmpty() {
				ni.Advance(ctx, ts)
			}
		} else {
			if ts.TxErrno() != 0 {
				sinf.handleTxErrno(ctx)
				return sinf.result()
			}

			if sinf.totalUnsent == sinf.fillListBytes && !fault {
				// The final segment still needs its PSH once a lock
				// holder sequences it.
				if sinf.fillList.Flags&pkt.FlagTxMore == 0 {
					sinf.fillList.Flags |= pkt.FlagTxPSH
				}
			}

			sinf.pushPrequeue(ctx)
			sinf.totalSent += sinf.fillListBytes
			sinf.totalUnsent -= sinf.fillListBytes
			sinf.fillList = nil

			if ni.LockOrDefer(ctx, deferredDrain{ni: ni, ts: ts}) {
				sinf.stackLocked = true
				if ts.TxErrno() != 0 {
					sinf.handleTxErrno(ctx)
					return sinf.result()
				}
				enqueuePrequeue(ctx, ni, ts)
				if ts.SendQ.NotEmpty() {
					if sinf.totalUnsent == 0 && !fault {
						advanceNagle(ctx, ni, ts)
					} else {
						ni.Advance(ctx, ts)
					}
				}
			}

			if fault {
				sinf.handleSentOrRc(ctx)
				return sinf.result()
			}
			if sinf.totalUnsent == 0 {
				sinf.unlock(ctx)
				return sinf.totalSent, nil
			}
			// More to send; keep filling buffers.
		}
	}
}
