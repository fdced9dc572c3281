// Package pkt holds the packet buffers that travel through the transmit
// pipeline. Packets live in a fixed arena and are linked into queues by
// arena id, never by pointer, so a queue link is valid no matter which
// goroutine or address space follows it. A fill list under construction
// is the one exception: it is private to the sending goroutine and is
// chained through raw pointers until ownership transfers to the stack.
package pkt

import "fmt"

// ID is an arena index. NilID terminates every chain.
type ID int32

const NilID ID = -1

func (id ID) IsNil() bool {
	return id == NilID
}

type Flags uint16

const (
	// FlagTxMore marks a partial segment that must not be transmitted
	// yet; the sender has promised more data (MSG_MORE or TCP_CORK).
	FlagTxMore Flags = 1 << iota

	// FlagTxPSH requests the PSH bit when the packet is sequenced by a
	// deferred drain rather than by the sender itself.
	FlagTxPSH

	// FlagNonbPool routes the packet back to the non-blocking sub-pool
	// when freed, regardless of which pool it was allocated from.
	FlagNonbPool

	// FlagRx marks a receive-path packet. Such packets never enter the
	// transmit pipeline.
	FlagRx
)

// TXMeta is the transmit metadata of a packet. A packet is first
// "filling": HdrLen and PayloadLen are byte counts and the sequence
// fields are unset. Sequence() is the single transition to "sequenced",
// after which StartSeq/EndSeq are absolute TCP sequence numbers.
type TXMeta struct {
	HdrLen     int
	PayloadLen int
	StartSeq   uint32
	EndSeq     uint32
	Sequenced  bool
}

type Packet struct {
	id   ID
	data []byte

	buf Offbuf
	TX  TXMeta

	// Next links queues (prequeue, send queue, inflight, freelists).
	Next ID

	// UserNext links a fill list that has not yet been handed to the
	// stack. Only the producing goroutine may follow it.
	UserNext *Packet

	Flags    Flags
	Refcount int32
}

func (p *Packet) ID() ID {
	return p.id
}

// InitTX prepares the packet for filling: hdrlen bytes of header scratch
// followed by at most maxlen bytes of payload.
func (p *Packet) InitTX(hdrlen, maxlen int) {
	if hdrlen+maxlen > len(p.data) {
		panic(fmt.Sprintf("pkt %d: init %d+%d exceeds buffer %d", p.id, hdrlen, maxlen, len(p.data)))
	}
	p.buf.Init(hdrlen, hdrlen+maxlen)
	p.TX = TXMeta{HdrLen: hdrlen}
	p.Next = NilID
	p.UserNext = nil
	p.Flags &= FlagNonbPool
}

// Append copies src into the packet's remaining payload space and
// advances the write cursor. Returns the number of bytes copied.
func (p *Packet) Append(src []byte) int {
	n := copy(p.data[p.buf.off:p.buf.end], src)
	p.buf.Advance(n)
	p.TX.PayloadLen += n
	return n
}

// MarkFilled records n payload bytes written in place by the caller,
// advancing the cursor without copying. On a sequenced packet (the
// send-queue tail top-up) the sequence range grows with the payload.
func (p *Packet) MarkFilled(n int) {
	p.buf.Advance(n)
	p.TX.PayloadLen += n
	if p.TX.Sequenced {
		p.TX.EndSeq += uint32(n)
	}
}

// TailBuffer is the writable payload slack at the end of the packet.
func (p *Packet) TailBuffer() []byte {
	return p.data[p.buf.off:p.buf.end]
}

// Payload is the bytes filled so far.
func (p *Packet) Payload() []byte {
	return p.data[p.TX.HdrLen:p.buf.off]
}

// TailRoom is the payload space still available.
func (p *Packet) TailRoom() int {
	return p.buf.Left()
}

// SeqSpace is the number of sequence-space bytes this packet consumes.
func (p *Packet) SeqSpace() int {
	if p.TX.Sequenced {
		return int(p.TX.EndSeq - p.TX.StartSeq)
	}
	return p.TX.PayloadLen
}

// HeaderBytes is the header scratch area.
func (p *Packet) HeaderBytes() []byte {
	return p.data[:p.TX.HdrLen]
}

// Sequence transitions the packet from filling to sequenced, assigning
// it the range [seq, seq+PayloadLen).
func (p *Packet) Sequence(seq uint32) {
	if p.TX.Sequenced {
		panic(fmt.Sprintf("pkt %d: sequenced twice", p.id))
	}
	p.TX.StartSeq = seq
	p.TX.EndSeq = seq + uint32(p.TX.PayloadLen)
	p.TX.Sequenced = true
}

// ReslotHeader grows or shrinks the header scratch by delta bytes,
// shifting the payload in place. Called when the outgoing header length
// changed between fill and enqueue (TCP options gained or lost).
func (p *Packet) ReslotHeader(delta int) {
	if delta == 0 {
		return
	}
	old := p.TX.HdrLen
	newHdr := old + delta
	if newHdr < 0 || newHdr+p.TX.PayloadLen > len(p.data) {
		panic(fmt.Sprintf("pkt %d: header reslot %d out of range", p.id, delta))
	}
	copy(p.data[newHdr:newHdr+p.TX.PayloadLen], p.data[old:old+p.TX.PayloadLen])
	p.TX.HdrLen = newHdr
	p.buf.Init(newHdr+p.TX.PayloadLen, p.buf.end+delta)
}

// SetPayloadEnd corrects the write window's right edge for the current
// effective MSS.
func (p *Packet) SetPayloadEnd(maxlen int) {
	end := p.TX.HdrLen + maxlen
	if end > len(p.data) {
		end = len(p.data)
	}
	p.buf.SetEnd(end)
}

func (p *Packet) BufSize() int {
	return len(p.data)
}

// Data exposes the raw buffer. Zero-copy callers fill payload bytes in
// place and must stay within [HdrLen, BufSize).
func (p *Packet) Data() []byte {
	return p.data
}
