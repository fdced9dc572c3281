package pkt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTXAndAppend(t *testing.T) {
	a := NewArena(4, 2048)
	p := a.Get(0)
	p.InitTX(40, 1460)

	assert.Equal(t, 1460, p.TailRoom())
	assert.Equal(t, 40, p.TX.HdrLen)
	assert.Equal(t, 0, p.TX.PayloadLen)
	assert.False(t, p.TX.Sequenced)

	n := p.Append(bytes.Repeat([]byte{0xab}, 100))
	assert.Equal(t, 100, n)
	assert.Equal(t, 1360, p.TailRoom())
	assert.Equal(t, 100, p.TX.PayloadLen)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 100), p.Payload())
}

func TestAppendStopsAtWindow(t *testing.T) {
	a := NewArena(1, 256)
	p := a.Get(0)
	p.InitTX(40, 100)
	n := p.Append(make([]byte, 200))
	assert.Equal(t, 100, n)
	assert.Equal(t, 0, p.TailRoom())
}

func TestSequenceTransition(t *testing.T) {
	a := NewArena(1, 2048)
	p := a.Get(0)
	p.InitTX(40, 1460)
	p.Append(make([]byte, 500))

	p.Sequence(1000)
	assert.True(t, p.TX.Sequenced)
	assert.Equal(t, uint32(1000), p.TX.StartSeq)
	assert.Equal(t, uint32(1500), p.TX.EndSeq)
	assert.Equal(t, 500, p.SeqSpace())

	assert.Panics(t, func() { p.Sequence(2000) })
}

func TestMarkFilledExtendsSequencedRange(t *testing.T) {
	a := NewArena(1, 2048)
	p := a.Get(0)
	p.InitTX(40, 1460)
	p.Append(make([]byte, 100))
	p.Sequence(0)

	copy(p.TailBuffer(), []byte("xy"))
	p.MarkFilled(2)
	assert.Equal(t, uint32(102), p.TX.EndSeq)
	assert.Equal(t, 102, p.SeqSpace())
}

func TestReslotHeader(t *testing.T) {
	a := NewArena(1, 2048)
	p := a.Get(0)
	p.InitTX(40, 1460)
	payload := []byte("some payload bytes")
	p.Append(payload)

	p.ReslotHeader(12)
	assert.Equal(t, 52, p.TX.HdrLen)
	assert.Equal(t, payload, p.Payload())

	p.ReslotHeader(-12)
	assert.Equal(t, 40, p.TX.HdrLen)
	assert.Equal(t, payload, p.Payload())
}

func TestConvertPtrList(t *testing.T) {
	a := NewArena(3, 256)
	p0, p1, p2 := a.Get(0), a.Get(1), a.Get(2)

	// LIFO construction: p2 is the head, p0 the tail.
	p0.UserNext = nil
	p1.UserNext = p0
	p2.UserNext = p1

	head, tail := ConvertPtrList(p2)
	require.Equal(t, ID(2), head)
	require.Equal(t, p0, tail)

	assert.Equal(t, ID(1), p2.Next)
	assert.Equal(t, ID(0), p1.Next)
	assert.Equal(t, NilID, p0.Next)
	assert.Nil(t, p2.UserNext)
	assert.Nil(t, p1.UserNext)
}

func TestQueueAppendPop(t *testing.T) {
	a := NewArena(3, 256)
	var q Queue
	q.Init()
	assert.True(t, q.IsEmpty())

	q.Append(a, a.Get(0))
	q.Append(a, a.Get(1))
	q.Append(a, a.Get(2))
	assert.Equal(t, 3, q.Num)
	assert.Equal(t, ID(0), q.Head)
	assert.Equal(t, ID(2), q.Tail)

	assert.Equal(t, ID(0), q.PopHead(a).ID())
	assert.Equal(t, ID(1), q.PopHead(a).ID())
	assert.Equal(t, ID(2), q.PopHead(a).ID())
	assert.Nil(t, q.PopHead(a))
	assert.True(t, q.IsEmpty())
	assert.Equal(t, NilID, q.Tail)
}

func TestQueueAppendList(t *testing.T) {
	a := NewArena(4, 256)
	var q Queue
	q.Init()
	q.Append(a, a.Get(0))

	a.Get(1).Next = ID(2)
	a.Get(2).Next = ID(3)
	a.Get(3).Next = NilID
	q.AppendList(a, ID(1), ID(3), 3)

	assert.Equal(t, 4, q.Num)
	assert.Equal(t, ID(3), q.Tail)
	assert.Equal(t, ID(1), a.Get(0).Next)
}

func TestTCPHeaderAccessors(t *testing.T) {
	a := NewArena(1, 2048)
	p := a.Get(0)
	p.InitTX(IPv4HeaderLen+TCPHeaderLen, 1000)

	h := p.TCPHdr()
	h.SetSequence(0xdeadbeef)
	h.SetAckNumber(0x01020304)
	h.SetFlags(TCPFlagACK | TCPFlagPSH)
	h.SetUrgentPointer(77)

	assert.Equal(t, uint32(0xdeadbeef), h.Sequence())
	assert.Equal(t, uint32(0x01020304), h.AckNumber())
	assert.True(t, h.ACK())
	assert.True(t, h.PSH())
	assert.Equal(t, uint16(77), h.UrgentPointer())
}
