package pkt

// Queue is an ordered packet list chained through arena ids. The send
// queue and the inflight queue are both Queues; every mutation requires
// the stack lock.
type Queue struct {
	Head ID
	Tail ID
	Num  int
}

func (q *Queue) Init() {
	q.Head = NilID
	q.Tail = NilID
	q.Num = 0
}

func (q *Queue) IsEmpty() bool {
	return q.Num == 0
}

func (q *Queue) NotEmpty() bool {
	return q.Num != 0
}

// Append links a single packet at the tail.
func (q *Queue) Append(a *Arena, p *Packet) {
	p.Next = NilID
	if q.Head.IsNil() {
		q.Head = p.ID()
	} else {
		a.Get(q.Tail).Next = p.ID()
	}
	q.Tail = p.ID()
	q.Num++
}

// AppendList links an already-chained list of n packets at the tail.
func (q *Queue) AppendList(a *Arena, head, tail ID, n int) {
	if q.Head.IsNil() {
		q.Head = head
	} else {
		a.Get(q.Tail).Next = head
	}
	q.Tail = tail
	q.Num += n
}

// PopHead unlinks and returns the head packet, or nil.
func (q *Queue) PopHead(a *Arena) *Packet {
	if q.Head.IsNil() {
		return nil
	}
	p := a.Get(q.Head)
	q.Head = p.Next
	if q.Head.IsNil() {
		q.Tail = NilID
	}
	p.Next = NilID
	q.Num--
	return p
}
