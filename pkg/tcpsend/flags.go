// Package tcpsend is the TCP transmit engine: it segments user data
// into MTU-sized packets, sequences them under the stack lock (or hands
// them to the lock holder through the prequeue), applies the Nagle
// advance policy, and blocks, spins or bails out when the send queue is
// full. One call's bytes always land as one contiguous sequence range,
// however many goroutines are sending on the same connection.
package tcpsend

import "golang.org/x/sys/unix"

type Flags uint32

const (
	// DontWait turns every internal wait into EAGAIN.
	DontWait Flags = 1 << iota

	// More promises further data; the final partial segment is held
	// back the same way TCP_CORK holds it.
	More

	// OOB sends the bytes as urgent data.
	OOB
)

// known masks off flag bits this engine does not recognise; unknown
// flags are ignored, not rejected.
const known = DontWait | More | OOB

// Iovec is one element of a sender's scatter list. Len may legally
// exceed len(Base) only in the sense that the engine will report the
// overrun as EFAULT when the copy reaches it, the way a bad user
// pointer would fault mid-copy.
type Iovec struct {
	Base []byte
	Len  int
}

// iovCursor walks a scatter list across successive packet fills.
type iovCursor struct {
	iov []Iovec
	idx int
	off int
}

func newIovCursor(iov []Iovec) iovCursor {
	c := iovCursor{iov: iov}
	c.skipEmpty()
	return c
}

func (c *iovCursor) skipEmpty() {
	for c.idx < len(c.iov) && c.off >= c.iov[c.idx].Len {
		c.idx++
		c.off = 0
	}
}

func (c *iovCursor) empty() bool {
	return c.idx >= len(c.iov)
}

// copyTo fills dst from the cursor position, advancing it. A short
// backing slice surfaces as EFAULT once the copy reaches the missing
// bytes; whatever was copied before the fault still counts.
func (c *iovCursor) copyTo(dst []byte) (int, error) {
	total := 0
	for len(dst) > 0 && !c.empty() {
		iv := &c.iov[c.idx]
		want := iv.Len - c.off
		if want > len(dst) {
			want = len(dst)
		}
		readable := len(iv.Base) - c.off
		if readable < want {
			if readable > 0 {
				copy(dst, iv.Base[c.off:])
				c.off += readable
				total += readable
			}
			return total, unix.EFAULT
		}
		copy(dst, iv.Base[c.off:c.off+want])
		c.off += want
		total += want
		dst = dst[want:]
		c.skipEmpty()
	}
	return total, nil
}
