package stack

import (
	"context"

	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
)

// Advance transmits from the head of the send queue while the peer
// window allows, moving each packet to the inflight queue. It stops at
// a TX_MORE packet that is the only one left in the send queue (a later
// send releases it) and at the window edge; a TX_MORE packet with data
// queued behind it has the flag cleared and is sent. The caller must
// hold the stack lock.
func (ni *Netif) Advance(ctx context.Context, ts *endpoint.State) {
	if ts.TcpFlags&endpoint.FlagNoTxAdvance != 0 {
		return
	}
	for ts.SendQ.NotEmpty() {
		p := ni.arena.Get(ts.SendQ.Head)
		if p.Flags&pkt.FlagTxMore != 0 {
			if ts.SendQ.Num == 1 {
				break
			}
			// Data arrived behind a held segment; the "more coming"
			// promise was kept, so the hold is void.
			p.Flags &^= pkt.FlagTxMore
		}
		if !endpoint.SeqLE(p.TX.EndSeq, ts.SndMax) {
			break
		}
		ts.SendQ.PopHead(ni.arena)
		markUrgent(ts, p)
		ts.Inflight.Append(ni.arena, p)
		ts.SndNxt = p.TX.EndSeq
		ni.drv.Transmit(ctx, ts, p)
	}
}

// markUrgent sets the URG bit and urgent pointer on segments that carry
// bytes below snd_up.
func markUrgent(ts *endpoint.State, p *pkt.Packet) {
	if !endpoint.SeqLT(p.TX.StartSeq, ts.SndUp) {
		return
	}
	h := p.TCPHdr()
	h.SetFlags(h.Flags() | pkt.TCPFlagURG)
	up := endpoint.SeqSub(ts.SndUp, p.TX.StartSeq)
	if up > int(^uint16(0)) {
		up = int(^uint16(0))
	}
	h.SetUrgentPointer(uint16(up))
}
