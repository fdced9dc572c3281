package tcpsend

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/ulstack/ulstack/pkg/config"
	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/stack"
)

// advanceNagle decides whether the freshly appended tail may go out now
// (rfc896: when the user pushes data, hold a sub-MSS segment while
// unacknowledged data is in the network). Urgent data always goes.
// Stack lock held, send queue non-empty.
func advanceNagle(ctx context.Context, ni *stack.Netif, ts *endpoint.State) {
	opts := config.GetOptions(ctx)

	if ts.TcpFlags&endpoint.FlagNoTxAdvance != 0 {
		// The urgent slow path is mid-flight; it will advance once
		// snd_up is settled.
		return
	}

	if ts.SendQ.Num != 1 || ts.InflightBytes() == 0 || ts.LocalPeer {
		advanceAndPoll(ctx, ni, ts, opts)
		return
	}

	// A SYN can't be here (connection is synchronised, so it is acked)
	// and a FIN can't be here (tx_errno would have stopped the
	// enqueue), so the head is plain data.
	head := ni.Arena().Get(ts.SendQ.Head)
	if head.SeqSpace() >= ts.EffMSS || endpoint.SeqLT(ts.SndUna, ts.SndUp) {
		advanceAndPoll(ctx, ni, ts, opts)
		return
	}

	if ts.Nodelay() {
		// With nagle off a sender can push zillions of tiny packets
		// onto the network. Don't advance when many packets are
		// already inflight and on average they are less than half
		// full; [NonagleInflightMax] large disables this.
		if ts.Inflight.Num < opts.NonagleInflightMax ||
			ts.EffMSS*ts.Inflight.Num <= ts.InflightBytes()*2 {
			advanceAndPoll(ctx, ni, ts, opts)
			return
		}
	}

	dlog.Tracef(ctx, "   SND %s nagle snd=%08x-%08x-%08x enq=%08x",
		ts.ConnID, ts.SndUna, ts.SndNxt, ts.SndMax, ts.EnqNxt)
	nagleWithheld.Inc()

	if ni.MayPoll() && ni.NeedPoll() {
		ni.Poll(ctx, opts.EvsPerPoll)
	}
}

// advanceAndPoll advances first for best latency, then polls once if
// events are pending.
func advanceAndPoll(ctx context.Context, ni *stack.Netif, ts *endpoint.State, opts *config.Options) {
	ni.Advance(ctx, ts)
	if ni.MayPoll() && ni.NeedPoll() {
		ni.Poll(ctx, opts.EvsPerPoll)
	}
}
