package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o, err := Load(context.Background())
	require.NoError(t, err)
	assert.False(t, o.TCPSendSpin)
	assert.Equal(t, uint64(0), o.SpinUsec)
	assert.Equal(t, 50, o.NonagleInflightMax)
	assert.Equal(t, 32, o.TCPTxBatch)
	assert.Equal(t, 64, o.EvsPerPoll)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ULSTACK_TCP_SEND_SPIN", "true")
	t.Setenv("ULSTACK_SPIN_USEC", "250")
	t.Setenv("ULSTACK_TCP_TX_BATCH", "8")

	o, err := Load(context.Background())
	require.NoError(t, err)
	assert.True(t, o.TCPSendSpin)
	assert.Equal(t, uint64(250), o.SpinUsec)
	assert.Equal(t, 8, o.TCPTxBatch)
	assert.Equal(t, 50, o.NonagleInflightMax) // untouched
}

func TestFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ulstack.yaml")
	require.NoError(t, os.WriteFile(file, []byte("spinUsec: 100\ntcpTxBatch: 16\n"), 0o600))
	t.Setenv("ULSTACK_CONFIG_FILE", file)
	t.Setenv("ULSTACK_SPIN_USEC", "999")

	o, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(999), o.SpinUsec) // env wins
	assert.Equal(t, 16, o.TCPTxBatch)        // file survives
}

func TestBadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte(":\n  - not yaml"), 0o600))
	t.Setenv("ULSTACK_CONFIG_FILE", file)

	_, err := Load(context.Background())
	assert.Error(t, err)
}

func TestContextCarry(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 32, GetOptions(ctx).TCPTxBatch) // defaults when absent

	o := &Options{TCPTxBatch: 7}
	ctx = WithOptions(ctx, o)
	assert.Same(t, o, GetOptions(ctx))
}
