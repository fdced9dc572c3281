package tcpsend

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/stack"
)

// prepPacket dresses a filled packet for the send queue: the cached
// header template goes into the header scratch, the byte counts become
// absolute sequence numbers, and a header-length change since fill time
// is fixed up by re-slotting the payload. Stack lock held.
func prepPacket(ni *stack.Netif, ts *endpoint.State, p *pkt.Packet, seq uint32) {
	// The header length the packet was initialised with may not match
	// the socket's current outgoing header length (options can appear
	// while a connect races a send). Re-slot before copying.
	if delta := ts.OutgoingHdrsLen - p.TX.HdrLen; delta != 0 {
		p.ReslotHeader(delta)
	}
	copy(p.HeaderBytes(), ts.HdrTemplate)

	p.Sequence(seq)
	h := p.TCPHdr()
	h.SetSequence(seq)
	h.SetFlags(pkt.TCPFlagACK)

	// The fill window may have been built against a different MSS.
	p.SetPayloadEnd(ts.EffMSS)
}

// enqueue sequences a fill list and appends it to the send queue. The
// list arrives in LIFO production order; sequence numbers are assigned
// back-to-front so the resulting queue segment is contiguous with
// enq_nxt. Stack lock held, tx_errno known zero.
func (sinf *sendInfo) enqueue(ctx context.Context) {
	ni, ts := sinf.ni, sinf.ts
	total := sinf.fillListBytes
	seq := ts.EnqNxt + uint32(total)
	tail := sinf.fillList
	sendHead := pkt.NilID
	n := 0

	p := sinf.fillList
	for p != nil {
		next := p.UserNext
		p.UserNext = nil
		seq -= uint32(p.TX.PayloadLen)
		prepPacket(ni, ts, p, seq)
		p.Next = sendHead
		sendHead = p.ID()
		n++
		p = next
	}
	if seq != ts.EnqNxt {
		dlog.Errorf(ctx, "!! SND %s fill list bytes %d disagree with enq_nxt %x (seq %x)",
			ts.ConnID, total, ts.EnqNxt, seq)
	}
	ts.EnqNxt += uint32(total)

	ni.Pool().AddAsync(-n)
	ts.SendIn += n
	ts.SendQ.AppendList(ni.Arena(), sendHead, tail.ID(), n)
	enqueuedPackets.WithLabelValues("direct").Add(float64(n))

	dlog.Tracef(ctx, "   SND %s sendq.num=%d enq_nxt=%x", ts.ConnID, ts.SendQ.Num, ts.EnqNxt)
}

// enqueuePrequeue drains the prequeue into the send queue: claim the
// whole LIFO with one swap, reverse it back to production order,
// sequence each packet, append, then coalesce small segments from the
// previous tail through the newly appended region. Stack lock held,
// tx_errno known zero.
func enqueuePrequeue(ctx context.Context, ni *stack.Netif, ts *endpoint.State) {
	arena := ni.Arena()
	id := ts.PrequeueSwap()
	if id.IsNil() {
		return
	}

	// Reverse into production order.
	sendHead := pkt.NilID
	n := 0
	var p *pkt.Packet
	for !id.IsNil() {
		p = arena.Get(id)
		id = p.Next
		p.Next = sendHead
		sendHead = p.ID()
		n++
	}

	// The join point for the coalescing pass: the old tail if there is
	// one, else the first drained packet.
	joinFrom := ts.SendQ.Tail

	// Sequence each packet in order.
	p = arena.Get(sendHead)
	var tail *pkt.Packet
	for {
		bytes := p.TX.PayloadLen
		prepPacket(ni, ts, p, ts.EnqNxt)
		if p.Flags&pkt.FlagTxPSH != 0 {
			h := p.TCPHdr()
			h.SetFlags(h.Flags() | pkt.TCPFlagPSH)
		}
		ts.EnqNxt += uint32(bytes)
		tail = p
		if p.Next.IsNil() {
			break
		}
		p = arena.Get(p.Next)
	}

	ni.Pool().AddAsync(-n)
	ts.PrequeueTaken(n)
	ts.SendQ.AppendList(arena, sendHead, tail.ID(), n)
	enqueuedPackets.WithLabelValues("prequeue").Add(float64(n))

	if joinFrom.IsNil() {
		joinFrom = sendHead
	}
	coalesceAppended(ctx, ni, ts, joinFrom)
}

// coalesceAppended merges small segments starting at from (the previous
// send-queue tail, or the first appended packet when the queue was
// empty): when a packet's tail slack can hold the whole next payload,
// the next packet is copied in and freed. Only data is copied — a
// packet that will not fit entirely is left alone, trading packing for
// cpu. Nothing beyond the appended region is touched, and neither byte
// totals nor absolute sequence numbers change.
func coalesceAppended(ctx context.Context, ni *stack.Netif, ts *endpoint.State, from pkt.ID) {
	arena := ni.Arena()
	p := arena.Get(from)
	for !p.Next.IsNil() {
		next := arena.Get(p.Next)
		if p.TailRoom() < next.SeqSpace() {
			p = next
			continue
		}
		dlog.Tracef(ctx, "   SND %s coalesce %d (bytes=%d) into %d (space=%d)",
			ts.ConnID, next.ID(), next.SeqSpace(), p.ID(), p.TailRoom())
		p.Append(next.Payload())
		p.TX.EndSeq = next.TX.EndSeq
		p.TX.PayloadLen = int(p.TX.EndSeq - p.TX.StartSeq)

		// The merged packet's push/hold markers move backwards.
		nh := next.TCPHdr()
		if nh.PSH() {
			h := p.TCPHdr()
			h.SetFlags(h.Flags() | pkt.TCPFlagPSH)
		}
		p.Flags |= next.Flags & pkt.FlagTxMore

		p.Next = next.Next
		if ts.SendQ.Tail == next.ID() {
			ts.SendQ.Tail = p.ID()
		}
		ts.SendQ.Num--
		ni.Pool().FreeLocked(next)
		coalescedPackets.Inc()
	}
}
