package endpoint

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ulstack/ulstack/pkg/pkt"
)

// FourTuple identifies a connection.
type FourTuple struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (t FourTuple) String() string {
	return t.Local.String() + "->" + t.Remote.String()
}

// Filter is a redirect the table installs for each endpoint; hardware
// and software filter layers both implement it.
type Filter interface {
	Add(ctx context.Context, t FourTuple) error
	Del(ctx context.Context, t FourTuple) error
}

// Params are the per-connection knobs fixed at install time.
type Params struct {
	EffMSS  int
	SendMax int

	// LocalPeer marks a loopback connection; the advance policy sends
	// such traffic immediately.
	LocalPeer bool
}

// Table is the endpoint table of one netif: a bounded set of slots plus
// the 4-tuple lookup that validates sends against live endpoints.
type Table struct {
	mu      sync.Mutex
	filters []Filter
	byTuple map[FourTuple]*State
	slots   map[*State]FourTuple
	max     int
}

func NewTable(max int, filters ...Filter) *Table {
	return &Table{
		filters: filters,
		byTuple: make(map[FourTuple]*State, max),
		slots:   make(map[*State]FourTuple, max),
		max:     max,
	}
}

// Install claims a slot, builds the connection state with its outgoing
// header template, and installs the tuple in every filter layer. The
// connection starts in SYN-SENT; the handshake driver moves it on.
func (t *Table) Install(ctx context.Context, tuple FourTuple, pr Params) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.slots) >= t.max {
		return nil, errors.New("endpoint table full")
	}
	if _, dup := t.byTuple[tuple]; dup {
		return nil, errors.Errorf("endpoint %s already installed", tuple)
	}
	ts := NewState(pr.EffMSS, pkt.IPv4HeaderLen+pkt.TCPHeaderLen, pr.SendMax)
	ts.LocalPeer = pr.LocalPeer
	ts.HdrTemplate = buildTemplate(tuple)
	ts.SetConnState(StateSynSent)
	for i, f := range t.filters {
		if err := f.Add(ctx, tuple); err != nil {
			for _, g := range t.filters[:i] {
				_ = g.Del(ctx, tuple)
			}
			return nil, errors.Wrapf(err, "install filter for %s", tuple)
		}
	}
	t.byTuple[tuple] = ts
	t.slots[ts] = tuple
	dlog.Debugf(ctx, "   EP  %s installed as %s", tuple, ts.ConnID)
	return ts, nil
}

// Lookup returns the endpoint for a tuple, or nil.
func (t *Table) Lookup(tuple FourTuple) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byTuple[tuple]
}

// Valid reports whether the endpoint is still installed.
func (t *Table) Valid(ts *State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[ts]
	return ok
}

// Drop removes the endpoint and clears its filters. Filter failures are
// collected rather than short-circuited; the slot is reclaimed either
// way.
func (t *Table) Drop(ctx context.Context, ts *State) error {
	t.mu.Lock()
	tuple, ok := t.slots[ts]
	if !ok {
		t.mu.Unlock()
		return errors.New("endpoint not installed")
	}
	delete(t.slots, ts)
	delete(t.byTuple, tuple)
	t.mu.Unlock()

	var result *multierror.Error
	for _, f := range t.filters {
		if err := f.Del(ctx, tuple); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "clear filter for %s", tuple))
		}
	}
	dlog.Debugf(ctx, "   EP  %s dropped", tuple)
	return result.ErrorOrNil()
}

// Len is the number of installed endpoints.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// buildTemplate lays out the IPv4+TCP header copied into every outgoing
// packet. Checksums and the total-length field are finalised at
// transmit time.
func buildTemplate(tuple FourTuple) []byte {
	h := make([]byte, pkt.IPv4HeaderLen+pkt.TCPHeaderLen)
	h[0] = 0x45 // version 4, ihl 5
	h[8] = 64   // ttl
	h[9] = 6    // protocol TCP
	src := tuple.Local.Addr().As4()
	dst := tuple.Remote.Addr().As4()
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	tcp := h[pkt.IPv4HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:], tuple.Local.Port())
	binary.BigEndian.PutUint16(tcp[2:], tuple.Remote.Port())
	pkt.TCPHeader(tcp).SetDataOffset(pkt.TCPHeaderLen / 4)
	return h
}
