package endpoint

import (
	"context"
	"net/netip"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulstack/ulstack/pkg/pkt"
)

func testTuple(port uint16) FourTuple {
	return FourTuple{
		Local:  netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 1}), port),
		Remote: netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 2}), 80),
	}
}

type recordingFilter struct {
	added   []FourTuple
	deleted []FourTuple
	addErr  error
	delErr  error
}

func (f *recordingFilter) Add(_ context.Context, t FourTuple) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, t)
	return nil
}

func (f *recordingFilter) Del(_ context.Context, t FourTuple) error {
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, t)
	return nil
}

func TestInstallLookupDrop(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	fl := &recordingFilter{}
	tbl := NewTable(2, fl)

	tuple := testTuple(1234)
	ts, err := tbl.Install(ctx, tuple, Params{EffMSS: 1460, SendMax: 32})
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, StateSynSent, ts.ConnState())
	assert.Equal(t, 1460, ts.EffMSS)
	assert.Equal(t, pkt.IPv4HeaderLen+pkt.TCPHeaderLen, ts.OutgoingHdrsLen)
	assert.Len(t, ts.HdrTemplate, ts.OutgoingHdrsLen)
	assert.Equal(t, []FourTuple{tuple}, fl.added)

	assert.Same(t, ts, tbl.Lookup(tuple))
	assert.True(t, tbl.Valid(ts))
	assert.Equal(t, 1, tbl.Len())

	require.NoError(t, tbl.Drop(ctx, ts))
	assert.Nil(t, tbl.Lookup(tuple))
	assert.False(t, tbl.Valid(ts))
	assert.Equal(t, []FourTuple{tuple}, fl.deleted)
}

func TestInstallDuplicateAndFull(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	tbl := NewTable(1)

	tuple := testTuple(1)
	_, err := tbl.Install(ctx, tuple, Params{EffMSS: 1460, SendMax: 32})
	require.NoError(t, err)

	_, err = tbl.Install(ctx, tuple, Params{EffMSS: 1460, SendMax: 32})
	assert.Error(t, err)

	_, err = tbl.Install(ctx, testTuple(2), Params{EffMSS: 1460, SendMax: 32})
	assert.Error(t, err)
}

func TestInstallFilterFailureUnwinds(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	good := &recordingFilter{}
	bad := &recordingFilter{addErr: errors.New("no hw slots")}
	tbl := NewTable(4, good, bad)

	_, err := tbl.Install(ctx, testTuple(5), Params{EffMSS: 1460, SendMax: 32})
	require.Error(t, err)
	// The successfully added layer was rolled back.
	assert.Len(t, good.deleted, 1)
	assert.Equal(t, 0, tbl.Len())
}

func TestDropCollectsFilterErrors(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	bad := &recordingFilter{delErr: errors.New("hw gone")}
	good := &recordingFilter{}
	tbl := NewTable(4, bad, good)

	ts, err := tbl.Install(ctx, testTuple(6), Params{EffMSS: 1460, SendMax: 32})
	require.NoError(t, err)

	err = tbl.Drop(ctx, ts)
	assert.Error(t, err)
	// The slot is reclaimed regardless, and the healthy layer was
	// still cleared.
	assert.False(t, tbl.Valid(ts))
	assert.Len(t, good.deleted, 1)
}

func TestHeaderTemplateLayout(t *testing.T) {
	tuple := testTuple(0x1234)
	h := buildTemplate(tuple)
	require.Len(t, h, 40)
	assert.Equal(t, byte(0x45), h[0])
	assert.Equal(t, byte(6), h[9])
	assert.Equal(t, []byte{10, 0, 0, 1}, h[12:16])
	assert.Equal(t, []byte{10, 0, 0, 2}, h[16:20])
	assert.Equal(t, []byte{0x12, 0x34}, h[20:22]) // source port
	assert.Equal(t, 20, pkt.TCPHeader(h[20:]).DataOffset())
}
