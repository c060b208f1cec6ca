package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultnet/pkg/devnet"
)

func newTestHarness(t *testing.T) (*harness, *bytes.Buffer) {
	t.Helper()
	opts := devnet.DefaultOptions(t.TempDir())
	opts.Vaults = 6
	opts.Logger = zaptest.NewLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	net, err := devnet.Start(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, net.Stop(context.Background())) })

	sm, err := net.NewClient(ctx)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return newHarness(net, sm, out), out
}

func TestHarnessStoreLoadDelete(t *testing.T) {
	h, out := newTestHarness(t)
	ctx := context.Background()

	for _, line := range []string{
		"create a 4KiB",
		"create b",
		"store a b",
		"load a",
		"delete b",
	} {
		require.False(t, h.Execute(ctx, line), line)
	}

	text := out.String()
	assert.Contains(t, text, "Chunk 'a'")
	assert.Contains(t, text, "Stored chunk 'a'")
	assert.Contains(t, text, "Stored chunk 'b'")
	assert.Contains(t, text, "Successfully verified chunk 'a'")
	assert.Contains(t, text, "Chunk 'b'")
	assert.Equal(t, []string{"a"}, h.names())
}

func TestHarnessPutGet(t *testing.T) {
	h, out := newTestHarness(t)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "notes.txt")
	content := []byte(strings.Repeat("replicated across the vaults\n", 5000))
	require.NoError(t, os.WriteFile(src, content, 0o644))

	dst := filepath.Join(dir, "copy.txt")
	require.False(t, h.Execute(ctx, "put "+src))
	require.False(t, h.Execute(ctx, "get notes.txt "+dst))
	assert.Contains(t, out.String(), "Uploaded 'notes.txt'")
	assert.Contains(t, out.String(), "Downloaded 'notes.txt'")

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	h.Execute(ctx, "get nothing "+dst)
	assert.Contains(t, out.String(), "neither an uploaded file nor a manifest key")
}

func TestHarnessReportsBadCommands(t *testing.T) {
	h, out := newTestHarness(t)
	ctx := context.Background()

	h.Execute(ctx, "store")
	assert.Contains(t, out.String(), "requires 1 arguments")
	h.Execute(ctx, "load missing")
	assert.Contains(t, out.String(), "does not exist")
	h.Execute(ctx, "frobnicate")
	assert.Contains(t, out.String(), "Unknown command: frobnicate")

	h.Execute(ctx, "create dup 1KiB")
	h.Execute(ctx, "create dup 1KiB")
	assert.Contains(t, out.String(), "already exists")
}

func TestHarnessRunStopsOnQuit(t *testing.T) {
	h, out := newTestHarness(t)

	in := strings.NewReader("help\nvaults\nstats\nquit\ncreate never 1KiB\n")
	require.NoError(t, h.Run(context.Background(), in))
	assert.Contains(t, out.String(), "Available commands")
	assert.Empty(t, h.names())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "-", formatDuration(0))
	assert.Equal(t, "250µs", formatDuration(250*time.Microsecond))
	assert.Equal(t, "12.5ms", formatDuration(12500*time.Microsecond))
	assert.Equal(t, "1.50s", formatDuration(1500*time.Millisecond))
}
