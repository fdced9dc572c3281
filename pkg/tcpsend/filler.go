package tcpsend

import (
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/pool"
)

// filler owns the packets a send call has allocated but not yet filled,
// plus the packet currently being filled. Stock is chained through
// UserNext; nothing here is visible to the stack yet.
type filler struct {
	// stock is the pre-allocated packet list, LIFO.
	stock *pkt.Packet

	// cur is the packet most recently handed out by next().
	cur *pkt.Packet

	nStock int
}

func (f *filler) add(p *pkt.Packet) {
	p.UserNext = f.stock
	f.stock = p
	f.nStock++
}

func (f *filler) next() *pkt.Packet {
	p := f.stock
	f.stock = p.UserNext
	p.UserNext = nil
	f.nStock--
	f.cur = p
	return p
}

func (f *filler) stocked() int {
	return f.nStock
}

// freeUnused returns the remaining stock to its pools.
func (f *filler) freeUnused(po *pool.Pool, locked bool) {
	if f.stock == nil {
		return
	}
	head, _ := pkt.ConvertPtrList(f.stock)
	n := po.FreeList(head, locked)
	po.AddAsync(-n)
	f.stock = nil
	f.nStock = 0
}

// fillPacket initialises the next stocked packet and copies user bytes
// into it: at most maxlen, at most what the call still owes. The bytes
// copied are returned even when the copy faults; the faulting packet
// stays with the filler so the unwind frees it.
func (sinf *sendInfo) fillPacket(piov *iovCursor, hdrlen, maxlen int) int {
	p := sinf.pf.next()
	p.InitTX(hdrlen, maxlen)

	n := sinf.totalUnsent - sinf.fillListBytes
	if n > maxlen {
		n = maxlen
	}
	m, err := piov.copyTo(p.TailBuffer()[:n])
	p.MarkFilled(m)
	if err != nil {
		// Bad user slice. Put the packet back; the caller unwinds.
		sinf.pf.add(p)
		sinf.pf.cur = nil
		sinf.rc = errnoOf(err)
	}
	return m
}

// fillSendqTail tops up the send-queue tail's slack before any new
// packet is allocated. The tail is already sequenced, so the bytes are
// enqueued the moment they are copied; there is no point trying to
// advance here — whatever is holding the queue back (window, cork,
// Nagle) is still holding it back.
func (sinf *sendInfo) fillSendqTail(piov *iovCursor) {
	ts := sinf.ts
	if ts.SendQ.IsEmpty() || ts.TxErrno() != 0 {
		return
	}
	p := sinf.ni.Arena().Get(ts.SendQ.Tail)
	room := p.TailRoom()
	if room <= 0 {
		return
	}
	n := sinf.totalUnsent
	if n > room {
		n = room
	}
	m, err := piov.copyTo(p.TailBuffer()[:n])
	p.MarkFilled(m)
	ts.EnqNxt += uint32(m)
	sinf.totalSent += m
	sinf.totalUnsent -= m
	if err != nil {
		sinf.rc = errnoOf(err)
	}
}
