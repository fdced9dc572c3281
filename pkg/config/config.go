// Package config carries the engine options. Options are resolved once
// at bootstrap — environment over file over defaults — and travel in
// the context from there; nothing in the transmit path reads a process
// global.
package config

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Options are the engine knobs. The zero value is not useful; defaults
// come from defaults(), the yaml file layers on top, and the
// environment wins.
type Options struct {
	// TCPSendSpin enables the busy-wait phase before a sender blocks.
	TCPSendSpin bool `env:"ULSTACK_TCP_SEND_SPIN,overwrite" yaml:"tcpSendSpin"`

	// SpinUsec bounds the busy-wait phase, per send call.
	SpinUsec uint64 `env:"ULSTACK_SPIN_USEC,overwrite" yaml:"spinUsec"`

	// NonagleInflightMax is the inflight packet count above which even
	// NODELAY sockets hold back mostly-empty segments.
	NonagleInflightMax int `env:"ULSTACK_NONAGLE_INFLIGHT_MAX,overwrite" yaml:"nonagleInflightMax"`

	// TCPTxBatch caps the packets segmented per pipeline pass.
	TCPTxBatch int `env:"ULSTACK_TCP_TX_BATCH,overwrite" yaml:"tcpTxBatch"`

	// EvsPerPoll caps the completion events handled per poll.
	EvsPerPoll int `env:"ULSTACK_EVS_PER_POLL,overwrite" yaml:"evsPerPoll"`
}

func defaults() *Options {
	return &Options{
		NonagleInflightMax: 50,
		TCPTxBatch:         32,
		EvsPerPoll:         64,
	}
}

// Load resolves options from ULSTACK_CONFIG_FILE (if set) and then the
// environment, which wins.
func Load(ctx context.Context) (*Options, error) {
	o := defaults()
	if file := os.Getenv("ULSTACK_CONFIG_FILE"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", file)
		}
		if err := yaml.Unmarshal(data, o); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", file)
		}
	}
	if err := envconfig.ProcessWith(ctx, o, envconfig.OsLookuper()); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	return o, nil
}

type optionsKey struct{}

func WithOptions(ctx context.Context, o *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, o)
}

// GetOptions returns the context's options, or the defaults when the
// caller skipped bootstrap.
func GetOptions(ctx context.Context) *Options {
	if o, ok := ctx.Value(optionsKey{}).(*Options); ok {
		return o
	}
	return defaults()
}

var (
	bootOnce sync.Once
	bootOpts *Options
	bootErr  error
)

// Bootstrap loads options exactly once per process and returns a
// context carrying them. Safe to call from multiple entry points.
func Bootstrap(ctx context.Context) (context.Context, error) {
	bootOnce.Do(func() {
		bootOpts, bootErr = Load(ctx)
	})
	if bootErr != nil {
		return ctx, bootErr
	}
	return WithOptions(ctx, bootOpts), nil
}
