package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ulstack/ulstack/pkg/pkt"
)

func TestNonbAllocFree(t *testing.T) {
	arena := pkt.NewArena(8, 256)
	p := New(arena, 4)

	var got []*pkt.Packet
	for {
		b := p.AllocNonb()
		if b == nil {
			break
		}
		assert.Equal(t, pkt.FlagNonbPool, b.Flags&pkt.FlagNonbPool)
		assert.Equal(t, int32(1), b.Refcount)
		got = append(got, b)
	}
	require.Len(t, got, 4)

	for _, b := range got {
		p.FreeNonb(b)
	}
	assert.NotNil(t, p.AllocNonb())
}

func TestTXAllocRequiresNothingButOrder(t *testing.T) {
	arena := pkt.NewArena(8, 256)
	p := New(arena, 4)

	require.Equal(t, 4, p.TXAvailable())
	b := p.AllocTX()
	require.NotNil(t, b)
	assert.Equal(t, 3, p.TXAvailable())
	assert.Zero(t, b.Flags&pkt.FlagNonbPool)

	p.FreeLocked(b)
	assert.Equal(t, 4, p.TXAvailable())
}

func TestFreeLockedRoutesByOrigin(t *testing.T) {
	arena := pkt.NewArena(8, 256)
	p := New(arena, 4)

	// A TX packet destined for the non-blocking pool keeps that
	// routing on free.
	b := p.AllocTX()
	require.NotNil(t, b)
	b.Flags |= pkt.FlagNonbPool
	txBefore := p.TXAvailable()
	p.FreeLocked(b)
	assert.Equal(t, txBefore, p.TXAvailable())
}

func TestFreeListUnlockedGoesNonb(t *testing.T) {
	arena := pkt.NewArena(8, 256)
	p := New(arena, 0) // everything in the TX pool

	b0 := p.AllocTX()
	b1 := p.AllocTX()
	require.NotNil(t, b0)
	require.NotNil(t, b1)
	b0.Next = b1.ID()
	b1.Next = pkt.NilID

	n := p.FreeList(b0.ID(), false)
	assert.Equal(t, 2, n)

	// Without the lock both went to the non-blocking side.
	assert.NotNil(t, p.AllocNonb())
	assert.NotNil(t, p.AllocNonb())
	assert.Nil(t, p.AllocNonb())
}

func TestWaitWakesOnFree(t *testing.T) {
	arena := pkt.NewArena(2, 256)
	p := New(arena, 2)
	b := p.AllocNonb()
	require.NotNil(t, b)

	seq, ch := p.WaitSeq()
	done := make(chan error, 1)
	go func() {
		done <- p.Wait(context.Background(), seq, ch, time.Second)
	}()
	p.FreeNonb(b)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake on free")
	}
}

func TestWaitTimeoutAndCancel(t *testing.T) {
	arena := pkt.NewArena(1, 256)
	p := New(arena, 1)

	seq, ch := p.WaitSeq()
	err := p.Wait(context.Background(), seq, ch, 10*time.Millisecond)
	assert.Equal(t, unix.EAGAIN, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	seq, ch = p.WaitSeq()
	err = p.Wait(ctx, seq, ch, time.Second)
	assert.Equal(t, unix.EINTR, err)
}

func TestWaitClosedPool(t *testing.T) {
	arena := pkt.NewArena(1, 256)
	p := New(arena, 1)
	seq, ch := p.WaitSeq()
	p.Close()
	err := p.Wait(context.Background(), seq, ch, time.Second)
	assert.Equal(t, unix.ENOMEM, err)
}

func TestWaitSkipsSleepWhenSeqMoved(t *testing.T) {
	arena := pkt.NewArena(2, 256)
	p := New(arena, 2)
	b := p.AllocNonb()
	require.NotNil(t, b)

	seq, ch := p.WaitSeq()
	p.FreeNonb(b) // bumps the sequence before we sleep
	err := p.Wait(context.Background(), seq, ch, time.Second)
	assert.NoError(t, err)
}

func TestConcurrentNonbChurn(t *testing.T) {
	arena := pkt.NewArena(64, 256)
	p := New(arena, 64)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b := p.AllocNonb()
				if b != nil {
					p.FreeNonb(b)
				}
			}
		}()
	}
	wg.Wait()

	// Every buffer must be back on the freelist exactly once.
	n := 0
	for p.AllocNonb() != nil {
		n++
	}
	assert.Equal(t, 64, n)
}

func TestAsyncAccounting(t *testing.T) {
	arena := pkt.NewArena(4, 256)
	p := New(arena, 4)
	assert.Equal(t, 0, p.NAsync())
	p.AddAsync(3)
	p.AddAsync(-1)
	assert.Equal(t, 2, p.NAsync())
}
