package pkt

import "fmt"

// Arena is a fixed pool of packet buffers addressed by ID. It mirrors a
// shared-memory packet region: links between packets are arena indices,
// and Get is the only way to turn an index back into a packet.
type Arena struct {
	pkts []Packet
}

func NewArena(n, bufSize int) *Arena {
	a := &Arena{pkts: make([]Packet, n)}
	backing := make([]byte, n*bufSize)
	for i := range a.pkts {
		p := &a.pkts[i]
		p.id = ID(i)
		p.data = backing[i*bufSize : (i+1)*bufSize]
		p.Next = NilID
	}
	return a
}

func (a *Arena) Cap() int {
	return len(a.pkts)
}

// Get panics on a nil or out-of-range id; a bad link is always a bug.
func (a *Arena) Get(id ID) *Packet {
	if id < 0 || int(id) >= len(a.pkts) {
		panic(fmt.Sprintf("arena: bad packet id %d", id))
	}
	return &a.pkts[int(id)]
}

// ConvertPtrList rewrites a fill list's raw pointer links into arena id
// links, returning the head id and the tail packet. After this the chain
// may be handed to another goroutine.
func ConvertPtrList(list *Packet) (ID, *Packet) {
	head := list.ID()
	for {
		next := list.UserNext
		if next == nil {
			list.Next = NilID
			return head, list
		}
		list.Next = next.ID()
		list.UserNext = nil
		list = next
	}
}
