package tcpsend

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/config"
	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/stack"
)

// sendInfo is the per-call state of one send: what is left to copy,
// what has been enqueued, the packets being prepared, and whether this
// call owns the stack lock. Every exit path runs through one of the
// handle* methods, which settle the cleanup obligations and the
// bytes-shadow-errno rule in one place.
type sendInfo struct {
	ni   *stack.Netif
	ts   *endpoint.State
	opts *config.Options

	flags Flags

	// rc is the pending errno; zero means none.
	rc unix.Errno

	// timeout is the residual SO_SNDTIMEO budget; zero means no limit.
	timeout time.Duration

	startCycles uint64
	spin        bool

	// stackLocked records whether THIS call acquired the stack lock,
	// not whether the lock is held.
	stackLocked bool

	totalUnsent   int
	totalSent     int
	nNeeded       int
	nFilled       int
	fillListBytes int

	// fillList is the LIFO of filled packets not yet handed over,
	// chained through UserNext.
	fillList *pkt.Packet

	pf filler

	// settled result.
	retN   int
	retErr error
}

func newSendInfo(ctx context.Context, ni *stack.Netif, ts *endpoint.State, flags Flags) *sendInfo {
	opts := config.GetOptions(ctx)
	sinf := &sendInfo{
		ni:      ni,
		ts:      ts,
		opts:    opts,
		flags:   flags & known,
		timeout: ts.SndTimeo(),
		spin:    opts.TCPSendSpin && opts.SpinUsec > 0,
	}
	if sinf.spin {
		sinf.startCycles = ni.Clock().Cycles()
	}
	return sinf
}

func (sinf *sendInfo) result() (int, error) {
	return sinf.retN, sinf.retErr
}

// trylock acquires the stack lock if it is free, remembering that this
// call took it.
func (sinf *sendInfo) trylock() bool {
	if sinf.stackLocked {
		return true
	}
	if sinf.ni.TryLock() {
		sinf.stackLocked = true
		return true
	}
	return false
}

// lock blocks for the stack lock; EINTR if the context dies first.
func (sinf *sendInfo) lock(ctx context.Context) error {
	if sinf.stackLocked {
		return nil
	}
	if err := sinf.ni.Lock(ctx); err != nil {
		return unix.EINTR
	}
	sinf.stackLocked = true
	lockContends.Inc()
	return nil
}

func (sinf *sendInfo) unlock(ctx context.Context) {
	if sinf.stackLocked {
		sinf.ni.Unlock(ctx)
		sinf.stackLocked = false
	}
}

// handleRcOrTxErrno settles the result when the call may have a pending
// rc and the connection may have latched errors. Bytes sent shadow any
// errno; with nothing sent, so_error outranks tx_errno outranks rc.
func (sinf *sendInfo) handleRcOrTxErrno(ctx context.Context) {
	var errno unix.Errno
	if sinf.rc != 0 {
		errno = sinf.rc
	}
	if sinf.totalSent > 0 {
		sinf.retN, sinf.retErr = sinf.totalSent, nil
	} else {
		if so := sinf.ts.TakeSoError(); so != 0 {
			errno = so
		} else if txe := sinf.ts.TxErrno(); txe != 0 {
			errno = txe
		}
		if errno != 0 {
			sinf.retN, sinf.retErr = 0, errno
		} else {
			sinf.retN, sinf.retErr = 0, nil
		}
	}
	sinf.freeUnusedPkts(ctx)
	sinf.unlock(ctx)
}

func (sinf *sendInfo) handleZeroOrTxErrno(ctx context.Context) {
	sinf.rc = 0
	sinf.handleRcOrTxErrno(ctx)
}

// handleTxErrno unwinds a send aborted by a latched transmit error:
// the fill list, the filler's spare packets, and the prequeue all go
// back to their pools.
func (sinf *sendInfo) handleTxErrno(ctx context.Context) {
	sinf.freeFillList(ctx)
	sinf.freeUnusedPkts(ctx)
	freePrequeue(sinf.ni, sinf.ts, sinf.stackLocked)
	sinf.handleZeroOrTxErrno(ctx)
}

// handleSentOrRc settles a send that ended with its own rc (EAGAIN,
// EINTR, EFAULT): bytes already enqueued win, otherwise the rc is the
// result.
func (sinf *sendInfo) handleSentOrRc(ctx context.Context) {
	sinf.freeFillList(ctx)
	sinf.freeUnusedPkts(ctx)
	sinf.unlock(ctx)
	if sinf.totalSent > 0 {
		sinf.retN, sinf.retErr = sinf.totalSent, nil
	} else {
		sinf.retN, sinf.retErr = 0, sinf.rc
	}
}

// freeFillList returns filled-but-never-sequenced packets to their
// origin pools.
func (sinf *sendInfo) freeFillList(ctx context.Context) {
	if sinf.fillList == nil {
		return
	}
	head, _ := pkt.ConvertPtrList(sinf.fillList)
	n := sinf.ni.Pool().FreeList(head, sinf.stackLocked)
	sinf.ni.Pool().AddAsync(-n)
	sinf.fillList = nil
}

// freeUnusedPkts returns the filler's pre-allocated stock.
func (sinf *sendInfo) freeUnusedPkts(ctx context.Context) {
	sinf.pf.freeUnused(sinf.ni.Pool(), sinf.stackLocked)
}
