// Package endpoint owns the per-connection TCP state the transmit
// engine operates on, and the table that maps 4-tuples to live
// endpoints. The state splits into three access classes: fields guarded
// by the stack lock (queues, sequence cursors), atomics senders may
// touch without the lock (errno latches, socket flags, prequeue head),
// and the sleep/wake protocol that closes the check-then-block race.
package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/pkt"
)

// Socket atomic flags.
const (
	AFlagNodelay uint32 = 1 << iota
	AFlagCork
)

// Transmit-path flags, guarded by the stack lock.
const (
	// FlagNoTxAdvance makes enqueue stop short of transmitting; the
	// urgent-data slow path sets it around its inner send.
	FlagNoTxAdvance uint32 = 1 << iota
)

type WakeFlag uint32

const (
	WakeTX WakeFlag = 1 << iota
	WakeRX
)

// State is the per-connection TCP state. Comments note which fields the
// stack lock guards; everything else is atomic or immutable after
// Install.
type State struct {
	ConnID uuid.UUID

	conn    int32  // atomic ConnState
	txErrno uint32 // atomic; sticky, set by receive/timer paths
	soError uint32 // atomic; delivered once on next send
	aflags  uint32 // atomic socket flags

	// TcpFlags is guarded by the stack lock.
	TcpFlags uint32

	// SendQ holds sequenced, ready-to-transmit packets; Inflight holds
	// transmitted, unacknowledged ones. Both guarded by the stack lock.
	SendQ    pkt.Queue
	Inflight pkt.Queue

	prequeue       int32 // atomic pkt.ID; CAS-only LIFO head
	sendPrequeueIn int32 // atomic count of packets on the prequeue

	// SendIn counts packets enqueued directly (not via prequeue).
	// Guarded by the stack lock, as are the cursors below.
	SendIn int

	EnqNxt uint32
	SndUna uint32
	SndNxt uint32
	SndUp  uint32
	SndMax uint32

	// Immutable for the duration of a send call.
	EffMSS          int
	OutgoingHdrsLen int
	SendMax         int
	LocalPeer       bool
	HdrTemplate     []byte

	sndTimeoMsec int64 // atomic

	sleepMu  sync.Mutex
	sleepSeq uint64
	txWake   chan struct{}
	rxWake   chan struct{}
}

func NewState(effMSS, hdrsLen, sendMax int) *State {
	ts := &State{
		ConnID:          uuid.New(),
		EffMSS:          effMSS,
		OutgoingHdrsLen: hdrsLen,
		SendMax:         sendMax,
		prequeue:        int32(pkt.NilID),
		txWake:          make(chan struct{}),
		rxWake:          make(chan struct{}),
	}
	ts.SendQ.Init()
	ts.Inflight.Init()
	return ts
}

func (ts *State) ConnState() ConnState {
	return ConnState(atomic.LoadInt32(&ts.conn))
}

func (ts *State) SetConnState(s ConnState) {
	atomic.StoreInt32(&ts.conn, int32(s))
}

// TxErrno is the latched terminal transmit error, or zero.
func (ts *State) TxErrno() unix.Errno {
	return unix.Errno(atomic.LoadUint32(&ts.txErrno))
}

// SetTxErrno latches a terminal error; the first one wins.
func (ts *State) SetTxErrno(errno unix.Errno) {
	atomic.CompareAndSwapUint32(&ts.txErrno, 0, uint32(errno))
}

// TakeSoError consumes the pending asynchronous error.
func (ts *State) TakeSoError() unix.Errno {
	return unix.Errno(atomic.SwapUint32(&ts.soError, 0))
}

func (ts *State) SetSoError(errno unix.Errno) {
	atomic.StoreUint32(&ts.soError, uint32(errno))
}

func (ts *State) AFlags() uint32 {
	return atomic.LoadUint32(&ts.aflags)
}

func (ts *State) SetAFlag(f uint32, on bool) {
	for {
		old := atomic.LoadUint32(&ts.aflags)
		nw := old | f
		if !on {
			nw = old &^ f
		}
		if atomic.CompareAndSwapUint32(&ts.aflags, old, nw) {
			return
		}
	}
}

func (ts *State) Nodelay() bool {
	return ts.AFlags()&AFlagNodelay != 0
}

func (ts *State) Cork() bool {
	return ts.AFlags()&AFlagCork != 0
}

func (ts *State) SndTimeo() time.Duration {
	return time.Duration(atomic.LoadInt64(&ts.sndTimeoMsec)) * time.Millisecond
}

func (ts *State) SetSndTimeo(d time.Duration) {
	atomic.StoreInt64(&ts.sndTimeoMsec, int64(d/time.Millisecond))
}

// InflightBytes is the unacknowledged byte count.
func (ts *State) InflightBytes() int {
	return SeqSub(ts.SndNxt, ts.SndUna)
}

// SendqNPkts is the packet count against which send_max is enforced:
// the send queue plus whatever is still parked on the prequeue.
func (ts *State) SendqNPkts() int {
	return ts.SendQ.Num + int(atomic.LoadInt32(&ts.sendPrequeueIn))
}

// SendqSlack is the number of packets a sender may still enqueue.
func (ts *State) SendqSlack() int {
	return ts.SendMax - ts.SendqNPkts()
}

// AdvertiseSpace reports whether enough slack reappeared to be worth
// waking a blocked sender.
func (ts *State) AdvertiseSpace() bool {
	return ts.SendqSlack() > 0
}

// PrequeuePush links an id-chained list (head..tail, n packets) onto
// the prequeue with a CAS loop. Safe without the stack lock.
func (ts *State) PrequeuePush(arena *pkt.Arena, head pkt.ID, tail *pkt.Packet, n int) {
	atomic.AddInt32(&ts.sendPrequeueIn, int32(n))
	for {
		old := atomic.LoadInt32(&ts.prequeue)
		tail.Next = pkt.ID(old)
		if atomic.CompareAndSwapInt32(&ts.prequeue, old, int32(head)) {
			return
		}
	}
}

// PrequeueSwap atomically claims the entire prequeue, returning its
// LIFO head. The caller owns the chain and must call PrequeueTaken with
// the packet count once known.
func (ts *State) PrequeueSwap() pkt.ID {
	for {
		old := atomic.LoadInt32(&ts.prequeue)
		if pkt.ID(old).IsNil() {
			return pkt.NilID
		}
		if atomic.CompareAndSwapInt32(&ts.prequeue, old, int32(pkt.NilID)) {
			return pkt.ID(old)
		}
	}
}

// PrequeueTaken adjusts the prequeue accounting after a swap.
func (ts *State) PrequeueTaken(n int) {
	atomic.AddInt32(&ts.sendPrequeueIn, -int32(n))
}

// SleepPrepare samples the wake sequence and the channel a wake will
// close. The caller re-checks its condition after sampling; a wake that
// raced in between bumps the sequence and Sleep returns immediately.
func (ts *State) SleepPrepare(flag WakeFlag) (uint64, <-chan struct{}) {
	ts.sleepMu.Lock()
	seq := ts.sleepSeq
	ch := ts.txWake
	if flag == WakeRX {
		ch = ts.rxWake
	}
	ts.sleepMu.Unlock()
	return seq, ch
}

// Sleep blocks until a wake arrives, the timeout expires, or the
// context is cancelled. The stack lock must not be held. Returns the
// residual timeout; err is nil on wake, EAGAIN on timeout, EINTR on
// cancellation. timeout <= 0 means no limit.
func (ts *State) Sleep(ctx context.Context, seq uint64, ch <-chan struct{}, timeout time.Duration) (time.Duration, error) {
	ts.sleepMu.Lock()
	moved := ts.sleepSeq != seq
	ts.sleepMu.Unlock()
	if moved {
		return timeout, nil
	}
	start := time.Now()
	var timer *time.Timer
	var expire <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		expire = timer.C
		defer timer.Stop()
	}
	select {
	case <-ch:
		if timeout > 0 {
			if rem := timeout - time.Since(start); rem > 0 {
				return rem, nil
			}
			return 0, unix.EAGAIN
		}
		return 0, nil
	case <-expire:
		return 0, unix.EAGAIN
	case <-ctx.Done():
		return timeout, unix.EINTR
	}
}

// Wake bumps the sleep sequence and releases every sleeper waiting on
// the named directions.
func (ts *State) Wake(flags WakeFlag) {
	ts.sleepMu.Lock()
	ts.sleepSeq++
	if flags&WakeTX != 0 {
		close(ts.txWake)
		ts.txWake = make(chan struct{})
	}
	if flags&WakeRX != 0 {
		close(ts.rxWake)
		ts.rxWake = make(chan struct{})
	}
	ts.sleepMu.Unlock()
}
