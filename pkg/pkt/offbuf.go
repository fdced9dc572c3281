package pkt

// Offbuf is a write cursor over a packet's fixed buffer. The window
// [off, end) is the space still available for payload; filling advances
// off towards end.
type Offbuf struct {
	off int
	end int
}

func (b *Offbuf) Init(off, end int) {
	b.off = off
	b.end = end
}

// Left is the number of payload bytes that still fit.
func (b *Offbuf) Left() int {
	return b.end - b.off
}

func (b *Offbuf) Ptr() int {
	return b.off
}

func (b *Offbuf) End() int {
	return b.end
}

func (b *Offbuf) Advance(n int) {
	b.off += n
}

// SetEnd moves the window's right edge. Used when the effective MSS
// changed between fill and enqueue.
func (b *Offbuf) SetEnd(end int) {
	b.end = end
}
