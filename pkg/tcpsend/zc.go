package tcpsend

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/stack"
)

// ZCIovec describes payload the caller wrote straight into a packet it
// allocated from the pool: Len bytes at offset Off of the packet's
// buffer. The offset must leave room for the outgoing headers, and the
// payload may not exceed one segment.
type ZCIovec struct {
	Pkt *pkt.Packet
	Off int
	Len int
}

// ZCMessage is one zero-copy send. RC is set to the bytes accepted, or
// to a negated errno when the first buffer already failed.
type ZCMessage struct {
	Iov []ZCIovec
	RC  int
}

// ZCSend sequences pre-filled packets onto the send queue, reusing the
// regular engine's handoff, advance and wait machinery. The return
// value is always 1 — per-message status is in msg.RC — mirroring a
// multi-message interface of which this is the single-message case.
func ZCSend(ctx context.Context, ni *stack.Netif, ts *endpoint.State, msg *ZCMessage, flags Flags) int {
	if !ts.ConnState().Synchronised() {
		if txe := ts.TxErrno(); txe != 0 {
			msg.RC = -int(txe)
		} else {
			msg.RC = -int(unix.EPIPE)
		}
		return 1
	}

	sinf := newSendInfo(ctx, ni, ts, flags)
	effMSS := ts.EffMSS
	j := 0

	for {
		// try_again
		if ts.SendqSlack() <= 0 {
			switch sinf.zcSendqFull(ctx, msg, j) {
			case waitRetry:
				continue
			case waitDone:
				return 1
			}
		}

		for j < len(msg.Iov) {
			iv := msg.Iov[j]
			p := iv.Pkt
			if p == nil || iv.Len <= 0 || iv.Len > effMSS ||
				iv.Off < ts.OutgoingHdrsLen || iv.Off+iv.Len > p.BufSize() {
				return sinf.zcBadBuffer(ctx, msg, j)
			}

			maxlen := effMSS
			if iv.Off+maxlen > p.BufSize() {
				maxlen = p.BufSize() - iv.Off
			}
			p.InitTX(iv.Off, maxlen)
			p.MarkFilled(iv.Len)
			ni.Pool().AddAsync(1)

			p.UserNext = sinf.fillList
			sinf.fillList = p
			sinf.fillListBytes += iv.Len
			sinf.nFilled++

			if j == 0 {
				msg.RC = iv.Len
			} else {
				msg.RC += iv.Len
			}
			j++
		}

		if sinf.fillList == nil {
			// Empty message.
			msg.RC = 0
			sinf.unlock(ctx)
			return 1
		}

		if sinf.flags&More != 0 || ts.Cork() {
			sinf.fillList.Flags |= pkt.FlagTxMore
		}

		// Sequence under the lock if we can get it, else leave the
		// batch with the holder, exactly like the copying path.
		if sinf.trylock() {
			if ts.TxErrno() != 0 {
				return sinf.zcTxErrno(ctx, msg)
			}
			sinf.enqueue(ctx)
			h := sinf.fillList.TCPHdr()
			if sinf.fillList.Flags&pkt.FlagTxMore != 0 {
				h.SetFlags(pkt.TCPFlagACK)
			} else {
				h.SetFlags(pkt.TCPFlagACK | pkt.TCPFlagPSH)
			}
			advanceNagle(ctx, ni, ts)
			sinf.fillList = nil
			sinf.unlock(ctx)
			return 1
		}

		if ts.TxErrno() != 0 {
			return sinf.zcTxErrno(ctx, msg)
		}
		if sinf.fillList.Flags&pkt.FlagTxMore == 0 {
			sinf.fillList.Flags |= pkt.FlagTxPSH
		}
		sinf.pushPrequeue(ctx)
		sinf.fillList = nil

		if ni.LockOrDefer(ctx, deferredDrain{ni: ni, ts: ts}) {
			sinf.stackLocked = true
			if ts.TxErrno() != 0 {
				return sinf.zcTxErrno(ctx, msg)
			}
			enqueuePrequeue(ctx, ni, ts)
			if ts.SendQ.NotEmpty() {
				advanceNagle(ctx, ni, ts)
			}
		}
		sinf.unlock(ctx)
		return 1
	}
}

// zcSendqFull mirrors the copying path's full-queue handling, but the
// verdict lands in msg.RC and only when no buffer was accepted yet.
func (sinf *sendInfo) zcSendqFull(ctx context.Context, msg *ZCMessage, j int) int {
	ni, ts := sinf.ni, sinf.ts

	if ni.MayPoll() && ni.NeedPoll() && sinf.trylock() {
		ni.Poll(ctx, sinf.opts.EvsPerPoll)
		if ts.TxErrno() != 0 {
			sinf.zcTxErrno(ctx, msg)
			return waitDone
		}
		if ts.SendqSlack() > 0 {
			return waitRetry
		}
	}

	if sinf.flags&DontWait != 0 {
		if j == 0 {
			msg.RC = -int(unix.EAGAIN)
		}
		sinf.unlock(ctx)
		return waitDone
	}

	if sinf.spin {
		switch sinf.sendSpin(ctx) {
		case waitRetry:
			return waitRetry
		case waitDone:
			sinf.zcSettle(msg, j)
			return waitDone
		}
		sinf.spin = false
	}

	if sinf.sendBlock(ctx) == waitRetry {
		return waitRetry
	}
	sinf.zcSettle(msg, j)
	return waitDone
}

// zcSettle folds a wait failure into msg.RC unless buffers were already
// accepted.
func (sinf *sendInfo) zcSettle(msg *ZCMessage, j int) {
	if j != 0 {
		return
	}
	if sinf.retErr != nil {
		msg.RC = -int(errnoOf(sinf.retErr))
	} else if sinf.rc != 0 {
		msg.RC = -int(sinf.rc)
	}
}

// zcBadBuffer rejects an out-of-bounds buffer. Buffers accepted before
// it are flushed — enqueued directly or through the prequeue — and the
// message reports EINVAL only when the first buffer was the bad one.
func (sinf *sendInfo) zcBadBuffer(ctx context.Context, msg *ZCMessage, j int) int {
	ni, ts := sinf.ni, sinf.ts
	if sinf.fillList != nil {
		if sinf.trylock() {
			if ts.TxErrno() != 0 {
				return sinf.zcTxErrno(ctx, msg)
			}
			sinf.enqueue(ctx)
			sinf.fillList = nil
		} else {
			if ts.TxErrno() != 0 {
				return sinf.zcTxErrno(ctx, msg)
			}
			sinf.pushPrequeue(ctx)
			sinf.fillList = nil
			if ni.LockOrDefer(ctx, deferredDrain{ni: ni, ts: ts}) {
				sinf.stackLocked = true
				if ts.TxErrno() != 0 {
					return sinf.zcTxErrno(ctx, msg)
				}
				enqueuePrequeue(ctx, ni, ts)
			}
		}
		if ts.SendQ.NotEmpty() && sinf.stackLocked {
			ni.Advance(ctx, ts)
		}
	}
	if j == 0 {
		msg.RC = -int(unix.EINVAL)
	}
	sinf.unlock(ctx)
	return 1
}

// zcTxErrno unwinds a zero-copy send stopped by a latched error: the
// fill list and the prequeue go back to the pools and the message
// carries the errno.
func (sinf *sendInfo) zcTxErrno(ctx context.Context, msg *ZCMessage) int {
	sinf.freeFillList(ctx)
	freePrequeue(sinf.ni, sinf.ts, sinf.stackLocked)
	msg.RC = -int(sinf.ts.TxErrno())
	sinf.unlock(ctx)
	return 1
}
