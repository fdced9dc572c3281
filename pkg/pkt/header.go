package pkt

import "encoding/binary"

// The outgoing header template is an IPv4 header followed by a TCP
// header with options. Only the fields the transmit path rewrites per
// packet have accessors here; everything else is carried verbatim from
// the per-socket template.

const (
	IPv4HeaderLen = 20
	TCPHeaderLen  = 20
)

const (
	TCPFlagFIN = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
)

// TCPHeader is a view over the TCP portion of a packet's header scratch.
type TCPHeader []byte

// TCPHdr returns the TCP header view of a packet whose header scratch
// holds an IPv4+TCP template.
func (p *Packet) TCPHdr() TCPHeader {
	return TCPHeader(p.data[IPv4HeaderLen:p.TX.HdrLen])
}

func (h TCPHeader) Sequence() uint32 {
	return binary.BigEndian.Uint32(h[4:])
}

func (h TCPHeader) SetSequence(sq uint32) {
	binary.BigEndian.PutUint32(h[4:], sq)
}

func (h TCPHeader) AckNumber() uint32 {
	return binary.BigEndian.Uint32(h[8:])
}

func (h TCPHeader) SetAckNumber(an uint32) {
	binary.BigEndian.PutUint32(h[8:], an)
}

func (h TCPHeader) UrgentPointer() uint16 {
	return binary.BigEndian.Uint16(h[18:])
}

func (h TCPHeader) SetUrgentPointer(up uint16) {
	binary.BigEndian.PutUint16(h[18:], up)
}

func (h TCPHeader) Flags() uint8 {
	return h[13]
}

func (h TCPHeader) SetFlags(f uint8) {
	h[13] = f
}

func (h TCPHeader) PSH() bool {
	return h[13]&TCPFlagPSH != 0
}

func (h TCPHeader) ACK() bool {
	return h[13]&TCPFlagACK != 0
}

func (h TCPHeader) DataOffset() int {
	return int(h[12]>>4) * 4
}

func (h TCPHeader) SetDataOffset(words int) {
	h[12] = byte(words) << 4
}
