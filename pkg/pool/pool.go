// Package pool manages the packet buffers a netif hands to its senders.
// Two sub-pools share one arena: a lock-free non-blocking freelist that
// any goroutine may use, and a TX freelist that requires the stack lock.
// A sender that drains both registers with the pool's wait protocol and
// sleeps until a free comes back.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/pkt"
)

// The non-blocking freelist head packs a 32-bit generation tag with the
// id so a pop that races a free cannot see a stale link (ABA).
func packHead(id pkt.ID, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(uint32(id+1))
}

func unpackHead(h uint64) (pkt.ID, uint32) {
	return pkt.ID(uint32(h)) - 1, uint32(h >> 32)
}

type Pool struct {
	arena *pkt.Arena

	nonbHead uint64 // atomic; packed id+tag

	// TX freelist. Callers must hold the stack lock.
	txHead pkt.ID
	txN    int

	// nAsyncPkts counts packets handed to senders that have not yet
	// been enqueued or freed: fill lists, prequeues, unused filler
	// stock.
	nAsyncPkts int32 // atomic

	closed uint32 // atomic

	waitMu  sync.Mutex
	waitSeq uint64
	waitCh  chan struct{}
}

// New partitions an arena: the first nNonb packets seed the non-blocking
// freelist, the rest the TX freelist.
func New(arena *pkt.Arena, nNonb int) *Pool {
	p := &Pool{
		arena:  arena,
		txHead: pkt.NilID,
		waitCh: make(chan struct{}),
	}
	for i := 0; i < arena.Cap(); i++ {
		b := arena.Get(pkt.ID(i))
		if i < nNonb {
			p.FreeNonb(b)
		} else {
			p.freeTXLocked(b)
		}
	}
	return p
}

func (p *Pool) Arena() *pkt.Arena {
	return p.arena
}

// AllocNonb pops a packet from the non-blocking freelist, or nil.
func (p *Pool) AllocNonb() *pkt.Packet {
	for {
		old := atomic.LoadUint64(&p.nonbHead)
		id, tag := unpackHead(old)
		if id.IsNil() {
			return nil
		}
		b := p.arena.Get(id)
		next := b.Next
		if atomic.CompareAndSwapUint64(&p.nonbHead, old, packHead(next, tag+1)) {
			b.Next = pkt.NilID
			b.Refcount = 1
			b.Flags = pkt.FlagNonbPool
			return b
		}
	}
}

// FreeNonb pushes a packet onto the non-blocking freelist. Safe without
// any lock.
func (p *Pool) FreeNonb(b *pkt.Packet) {
	b.Refcount = 0
	b.UserNext = nil
	b.Flags = 0
	for {
		old := atomic.LoadUint64(&p.nonbHead)
		id, tag := unpackHead(old)
		b.Next = id
		if atomic.CompareAndSwapUint64(&p.nonbHead, old, packHead(b.ID(), tag+1)) {
			break
		}
	}
	p.wakeWaiters()
}

// AllocTX pops a packet from the TX freelist. The caller must hold the
// stack lock.
func (p *Pool) AllocTX() *pkt.Packet {
	if p.txHead.IsNil() {
		return nil
	}
	b := p.arena.Get(p.txHead)
	p.txHead = b.Next
	p.txN--
	b.Next = pkt.NilID
	b.Refcount = 1
	b.Flags = 0
	return b
}

// FreeLocked returns a packet to its origin sub-pool. The caller must
// hold the stack lock.
func (p *Pool) FreeLocked(b *pkt.Packet) {
	if b.Flags&pkt.FlagNonbPool != 0 {
		p.FreeNonb(b)
		return
	}
	p.freeTXLocked(b)
	p.wakeWaiters()
}

func (p *Pool) freeTXLocked(b *pkt.Packet) {
	b.Refcount = 0
	b.UserNext = nil
	b.Flags = 0
	b.Next = p.txHead
	p.txHead = b.ID()
	p.txN++
}

// AddAsync adjusts the count of sender-held packets.
func (p *Pool) AddAsync(n int) {
	atomic.AddInt32(&p.nAsyncPkts, int32(n))
}

// NAsync is the number of sender-held packets.
func (p *Pool) NAsync() int {
	return int(atomic.LoadInt32(&p.nAsyncPkts))
}

// TXAvailable reports the TX freelist depth. Caller must hold the stack
// lock.
func (p *Pool) TXAvailable() int {
	return p.txN
}

// FreeList frees an id-chained list. When the stack lock is not held
// every packet goes to the non-blocking freelist regardless of origin;
// grabbing the lock just to route a free is not worth the contention.
// Returns the number of packets freed.
func (p *Pool) FreeList(head pkt.ID, locked bool) int {
	n := 0
	for !head.IsNil() {
		b := p.arena.Get(head)
		head = b.Next
		if locked {
			p.FreeLocked(b)
		} else {
			p.FreeNonb(b)
		}
		n++
	}
	return n
}

// Close aborts all current and future waits.
func (p *Pool) Close() {
	atomic.StoreUint32(&p.closed, 1)
	p.wakeWaiters()
}

func (p *Pool) wakeWaiters() {
	p.waitMu.Lock()
	p.waitSeq++
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.waitMu.Unlock()
}

// WaitSeq samples the wait sequence before a final availability check,
// closing the check-then-sleep race the same way the endpoint sleep
// does.
func (p *Pool) WaitSeq() (uint64, <-chan struct{}) {
	p.waitMu.Lock()
	seq, ch := p.waitSeq, p.waitCh
	p.waitMu.Unlock()
	return seq, ch
}

// Wait blocks until a packet free bumps the wait sequence past seq. The
// caller must have released the stack lock. Returns ENOMEM if the pool
// is shut down, EINTR on context cancellation, EAGAIN on timeout.
// timeout <= 0 means no limit.
func (p *Pool) Wait(ctx context.Context, seq uint64, ch <-chan struct{}, timeout time.Duration) error {
	if atomic.LoadUint32(&p.closed) != 0 {
		return unix.ENOMEM
	}
	p.waitMu.Lock()
	moved := p.waitSeq != seq
	p.waitMu.Unlock()
	if moved {
		return nil
	}
	var timer *time.Timer
	var expire <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		expire = timer.C
		defer timer.Stop()
	}
	select {
	case <-ch:
		if atomic.LoadUint32(&p.closed) != 0 {
			return unix.ENOMEM
		}
		return nil
	case <-expire:
		return unix.EAGAIN
	case <-ctx.Done():
		return unix.EINTR
	}
}
