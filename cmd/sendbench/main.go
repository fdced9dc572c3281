// sendbench drives the transmit engine against a loopback driver: a
// configurable number of goroutines each push a byte budget through
// their own connection, with engine metrics exposed for prometheus.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"

	"github.com/ulstack/ulstack/pkg/clock"
	"github.com/ulstack/ulstack/pkg/config"
	"github.com/ulstack/ulstack/pkg/endpoint"
	"github.com/ulstack/ulstack/pkg/pkt"
	"github.com/ulstack/ulstack/pkg/pool"
	"github.com/ulstack/ulstack/pkg/stack"
	"github.com/ulstack/ulstack/pkg/tcpsend"
)

const processName = "sendbench"

type benchArgs struct {
	conns       int
	totalBytes  int64
	msgSize     int
	pkts        int
	bufSize     int
	effMSS      int
	sendMax     int
	window      uint32
	metricsAddr string
	logLevel    string
}

func main() {
	cmd := command()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", processName, err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	ba := benchArgs{}
	c := &cobra.Command{
		Use:   processName,
		Short: "Benchmark the TCP transmit engine over a loopback driver",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, ba)
		},
		SilenceUsage: true,
	}
	flags := c.Flags()
	flags.IntVar(&ba.conns, "conns", 4, "concurrent connections")
	flags.Int64Var(&ba.totalBytes, "bytes", 64<<20, "bytes to send per connection")
	flags.IntVar(&ba.msgSize, "msg-size", 8192, "bytes per send call")
	flags.IntVar(&ba.pkts, "pkts", 2048, "packet arena size")
	flags.IntVar(&ba.bufSize, "buf-size", 2048, "packet buffer size")
	flags.IntVar(&ba.effMSS, "mss", 1460, "effective MSS")
	flags.IntVar(&ba.sendMax, "send-max", 128, "send queue limit in packets")
	flags.Uint32Var(&ba.window, "window", 1<<20, "loopback peer window")
	flags.StringVar(&ba.metricsAddr, "metrics-addr", "", "prometheus listen address (empty disables)")
	flags.StringVar(&ba.logLevel, "log-level", "info", "log level")
	return c
}

func run(cmd *cobra.Command, ba benchArgs) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(ba.logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	c := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

	c, err = config.Bootstrap(c)
	if err != nil {
		return err
	}
	c = dgroup.WithGoroutineName(c, "/"+processName)

	arena := pkt.NewArena(ba.pkts, ba.bufSize)
	po := pool.New(arena, ba.pkts/2)
	lb := stack.NewLoopback(ba.window)
	ni := stack.NewNetif(arena, po, clock.New(), lb)
	table := endpoint.NewTable(ba.conns)

	dlog.Infof(c, "%s starting: %d conns x %d bytes, mss %d, arena %d x %d",
		processName, ba.conns, ba.totalBytes, ba.effMSS, ba.pkts, ba.bufSize)

	g := dgroup.NewGroup(c, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	if ba.metricsAddr != "" {
		g.Go("metrics-server", func(c context.Context) error {
			lis, err := net.Listen("tcp", ba.metricsAddr)
			if err != nil {
				return err
			}
			dlog.Infof(c, "metrics on %s", ba.metricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			sc := &dhttp.ServerConfig{Handler: mux}
			return sc.Serve(c, lis)
		})
	}

	for i := 0; i < ba.conns; i++ {
		i := i
		g.Go(fmt.Sprintf("sender-%d", i), func(c context.Context) error {
			return runSender(c, ni, lb, table, ba, i)
		})
	}

	return g.Wait()
}

func runSender(c context.Context, ni *stack.Netif, lb *stack.Loopback, table *endpoint.Table, ba benchArgs, idx int) (err error) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			dlog.Error(c, perr)
			err = perr
		}
	}()
	tuple := endpoint.FourTuple{
		Local:  netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(40000+idx)),
		Remote: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 9000),
	}
	ts, err := table.Install(c, tuple, endpoint.Params{
		EffMSS:    ba.effMSS,
		SendMax:   ba.sendMax,
		LocalPeer: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := table.Drop(c, ts); err != nil {
			dlog.Errorf(c, "drop %s: %v", tuple, err)
		}
	}()
	ts.SetConnState(endpoint.StateEstablished)
	lb.InitWindow(ts)

	payload := make([]byte, ba.msgSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	var sent int64
	for sent < ba.totalBytes {
		n, err := tcpsend.Send(c, ni, ts, []tcpsend.Iovec{{Base: payload, Len: len(payload)}}, 0)
		if err != nil {
			if c.Err() != nil {
				return nil // interrupted, normal shutdown
			}
			return fmt.Errorf("send on %s after %d bytes: %w", tuple, sent, err)
		}
		sent += int64(n)
	}
	elapsed := time.Since(start)
	dlog.Infof(c, "%s: %d bytes in %s (%.1f MB/s)",
		tuple, sent, elapsed, float64(sent)/elapsed.Seconds()/1e6)
	return nil
}
