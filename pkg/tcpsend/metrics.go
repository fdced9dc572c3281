// Prometheus metric types for the transmit engine.
//
// When extending this, the useful things to count are pipeline
// decisions that are otherwise invisible: which path a fill list took,
// why a segment was withheld, and how often a sender had to fall back.
package tcpsend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// enqueuedPackets counts packets sequenced onto a send queue.
	// Provides metrics:
	//    ulstack_tcp_send_enqueued_packets_total
	enqueuedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ulstack_tcp_send_enqueued_packets_total",
		Help: "Packets sequenced onto the send queue, by path.",
	}, []string{"path"})

	// nagleWithheld counts appends the Nagle policy chose not to
	// transmit.
	nagleWithheld = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ulstack_tcp_send_nagle_withheld_total",
		Help: "Send-queue appends withheld by Nagle's algorithm.",
	})

	// nonbPoolEmpty counts allocation shortfalls of the non-blocking
	// packet sub-pool.
	nonbPoolEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ulstack_tcp_send_nonb_pool_empty_total",
		Help: "Times the non-blocking packet pool could not satisfy a batch.",
	})

	// lockContends counts blocking stack-lock acquisitions on the send
	// path.
	lockContends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ulstack_tcp_send_lock_contends_total",
		Help: "Times a sender had to block for the stack lock.",
	})

	// prequeuedPackets counts packets handed off through the prequeue.
	prequeuedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ulstack_tcp_send_prequeued_packets_total",
		Help: "Packets pushed onto the lock-free prequeue.",
	})

	// coalescedPackets counts packets merged away by the drain's
	// coalescing pass.
	coalescedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ulstack_tcp_send_coalesced_packets_total",
		Help: "Packets merged into a predecessor's tail slack after a prequeue drain.",
	})

	// spinOutcomes counts how spin waits ended.
	spinOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ulstack_tcp_send_spin_outcomes_total",
		Help: "Spin-wait outcomes: success, timeout, interrupted, fellback.",
	}, []string{"outcome"})
)
