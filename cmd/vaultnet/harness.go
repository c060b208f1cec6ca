package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vaultnet/pkg/client"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/devnet"
	"vaultnet/pkg/storage"
	"vaultnet/pkg/types"
	"vaultnet/pkg/utils"
)

const harnessHelp = `Available commands:
  list                  show the chunks created in this session
  create <name> [size]  generate a random chunk (default 1KiB to 512KiB)
  rm <name>             delete the named chunk locally
  store <name>...       store chunks on the network concurrently
  load [<name>]         load a chunk, or every known chunk, and verify it
  delete <name>         withdraw the chunk from the network
  put <path> [<name>]   upload a file as chunks plus a manifest
  get <name|key> <path> download a file by name or manifest key
  account               show the client's account status
  stats                 show timing statistics for executed RPCs
  vaults                show the running vaults
  help                  display this information
  exit, quit, q         terminate the devnet
`

const fileWorkers = 4

// harness drives a devnet client from line-oriented commands. Chunks are
// referred to by a user-chosen name instead of their hash.
type harness struct {
	net    *devnet.Network
	client *client.StoreManager
	files  *storage.FileTransfer
	out    io.Writer

	mu        sync.Mutex
	chunks    map[string]types.ChunkName
	manifests map[string]string
}

func newHarness(net *devnet.Network, sm *client.StoreManager, out io.Writer) *harness {
	return &harness{
		net:       net,
		client:    sm,
		files:     storage.NewFileTransfer(storage.NewChunkManagerWithOptions(0, true, -1), sm, fileWorkers, nil),
		out:       out,
		chunks:    make(map[string]types.ChunkName),
		manifests: make(map[string]string),
	}
}

// Run reads commands until quit, end of input or ctx is done.
func (h *harness) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		fmt.Fprint(h.out, promptStyle.Render("vaultnet> "))
		select {
		case <-ctx.Done():
			fmt.Fprintln(h.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if h.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute runs one command line and reports whether the harness should stop.
func (h *harness) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help":
		fmt.Fprint(h.out, harnessHelp)
	case "list":
		h.list()
	case "create":
		err = h.requireArgs(cmd, args, 1, func() error {
			size := ""
			if len(args) > 1 {
				size = args[1]
			}
			return h.create(args[0], size)
		})
	case "rm", "remove":
		err = h.requireArgs(cmd, args, 1, func() error { return h.remove(args[0]) })
	case "store":
		err = h.requireArgs(cmd, args, 1, func() error { return h.store(ctx, args) })
	case "load":
		names := args
		if len(names) == 0 {
			names = h.names()
			if len(names) == 0 {
				fmt.Fprintln(h.out, "No chunks in list.")
			}
		}
		for _, name := range names {
			if lerr := h.load(ctx, name); lerr != nil {
				fmt.Fprintln(h.out, errorStyle.Render(lerr.Error()))
			}
		}
	case "delete":
		err = h.requireArgs(cmd, args, 1, func() error { return h.delete(ctx, args[0]) })
	case "put":
		err = h.requireArgs(cmd, args, 1, func() error {
			name := filepath.Base(args[0])
			if len(args) > 1 {
				name = args[1]
			}
			return h.put(ctx, args[0], name)
		})
	case "get":
		err = h.requireArgs(cmd, args, 2, func() error { return h.get(ctx, args[0], args[1]) })
	case "account":
		err = h.account(ctx)
	case "stats", "rpc":
		fmt.Fprintln(h.out, renderRPCStats(h.net.Stats().Snapshot()))
	case "vaults":
		fmt.Fprintln(h.out, renderVaults(h.net.Vaults()))
	default:
		fmt.Fprintf(h.out, "Unknown command: %s\nType 'help' to see a list of commands.\n", cmd)
	}
	if err != nil {
		fmt.Fprintln(h.out, errorStyle.Render(err.Error()))
	}
	return false
}

func (h *harness) requireArgs(cmd string, args []string, n int, fn func() error) error {
	if len(args) < n {
		return fmt.Errorf("command '%s' requires %d arguments, got %d", cmd, n, len(args))
	}
	return fn()
}

func (h *harness) lookup(name string) (types.ChunkName, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chunk, ok := h.chunks[name]
	if !ok {
		return "", fmt.Errorf("a chunk with name '%s' does not exist", name)
	}
	return chunk, nil
}

func (h *harness) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.chunks))
	for name := range h.chunks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *harness) list() {
	names := h.names()
	if len(names) == 0 {
		fmt.Fprintln(h.out, "No chunks in list.")
		return
	}
	rows := make([][]string, 0, len(names))
	local := h.client.LocalStore()
	for _, name := range names {
		chunk, _ := h.lookup(name)
		where := "network"
		size := "-"
		if state, err := local.State(chunk); err == nil {
			where = state.String()
			if n, err := local.Size(chunk); err == nil {
				size = utils.FormatDataSize(n)
			}
		}
		rows = append(rows, []string{name, chunk.Short(), size, where})
	}
	fmt.Fprintln(h.out, renderChunks(rows))
}

// create generates random content of size bytes, or a random power of two
// between 1KiB and 512KiB when size is empty.
func (h *harness) create(name, size string) error {
	if _, err := h.lookup(name); err == nil {
		return fmt.Errorf("a chunk with name '%s' already exists", name)
	}
	var n int64
	if size == "" {
		shift, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return err
		}
		n = 1024 << shift.Int64()
	} else {
		parsed, err := utils.ParseDataSize(size)
		if err != nil {
			return err
		}
		if parsed <= 0 {
			return fmt.Errorf("chunk size must be positive")
		}
		n = parsed
	}

	content := make([]byte, n)
	if _, err := rand.Read(content); err != nil {
		return fmt.Errorf("failed to generate content: %w", err)
	}
	chunk, err := h.client.AddChunk(content)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.chunks[name] = chunk
	h.mu.Unlock()
	fmt.Fprintf(h.out, "Chunk '%s' (%s) of size %s created locally.\n", name, chunk.Short(), utils.FormatDataSize(n))
	return nil
}

func (h *harness) remove(name string) error {
	chunk, err := h.lookup(name)
	if err != nil {
		return err
	}
	local := h.client.LocalStore()
	if local.Has(chunk) {
		if err := local.Delete(chunk); err != nil {
			return err
		}
	}
	h.mu.Lock()
	delete(h.chunks, name)
	h.mu.Unlock()
	fmt.Fprintf(h.out, "Chunk '%s' (%s) removed locally.\n", name, chunk.Short())
	return nil
}

// store pushes every named chunk at once and reports each outcome. One
// failure does not cancel the others.
func (h *harness) store(ctx context.Context, names []string) error {
	chunks := make([]types.ChunkName, len(names))
	for i, name := range names {
		chunk, err := h.lookup(name)
		if err != nil {
			return err
		}
		chunks[i] = chunk
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for i := range names {
		name, chunk := names[i], chunks[i]
		g.Go(func() error {
			start := time.Now()
			err := h.client.StoreChunk(ctx, client.StoreTask{Key: chunk, Visibility: types.Private})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Fprintln(h.out, errorStyle.Render(fmt.Sprintf("Could not store chunk '%s' (%s): %v", name, chunk.Short(), err)))
				return err
			}
			fmt.Fprintf(h.out, "Stored chunk '%s' (%s) in %.2fs.\n", name, chunk.Short(), time.Since(start).Seconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("not every chunk was stored")
	}
	return nil
}

// load drops any local copy first so the chunk really comes from the network.
func (h *harness) load(ctx context.Context, name string) error {
	chunk, err := h.lookup(name)
	if err != nil {
		return err
	}
	local := h.client.LocalStore()
	if local.Has(chunk) {
		_ = local.Delete(chunk)
	}

	start := time.Now()
	content, err := h.client.LoadChunk(ctx, chunk)
	if err != nil {
		return fmt.Errorf("could not load chunk '%s' (%s): %w", name, chunk.Short(), err)
	}
	fmt.Fprintf(h.out, "Successfully loaded chunk '%s' (%s) in %.2fs.\n", name, chunk.Short(), time.Since(start).Seconds())
	if crypto.NameOf(content) != chunk {
		return fmt.Errorf("could not verify chunk '%s'", name)
	}
	fmt.Fprintf(h.out, "Successfully verified chunk '%s'.\n", name)
	return nil
}

func (h *harness) delete(ctx context.Context, name string) error {
	chunk, err := h.lookup(name)
	if err != nil {
		return err
	}
	if err := h.client.DeleteChunk(ctx, chunk, types.Private, ""); err != nil {
		return fmt.Errorf("could not delete chunk '%s' (%s): %w", name, chunk.Short(), err)
	}
	h.mu.Lock()
	delete(h.chunks, name)
	h.mu.Unlock()
	fmt.Fprintf(h.out, "Chunk '%s' (%s) deleted from the network.\n", name, chunk.Short())
	return nil
}

func (h *harness) put(ctx context.Context, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	start := time.Now()
	key, err := h.files.Upload(ctx, name, data, types.Private)
	if err != nil {
		return fmt.Errorf("could not upload '%s': %w", name, err)
	}
	h.mu.Lock()
	h.manifests[name] = key
	h.mu.Unlock()
	fmt.Fprintf(h.out, "Uploaded '%s' (%s) in %.2fs.\nManifest: %s\n", name, utils.FormatDataSize(int64(len(data))), time.Since(start).Seconds(), key)
	return nil
}

// get accepts a name given to put in this session or a raw manifest key.
func (h *harness) get(ctx context.Context, ref, path string) error {
	h.mu.Lock()
	key, ok := h.manifests[ref]
	h.mu.Unlock()
	if !ok {
		key = ref
	}
	if !types.ChunkName(key).Valid() {
		return fmt.Errorf("'%s' is neither an uploaded file nor a manifest key", ref)
	}

	start := time.Now()
	m, data, err := h.files.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("could not download '%s': %w", ref, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(h.out, "Downloaded '%s' (%d chunks, %s) to %s in %.2fs.\n", m.Name, len(m.Chunks), utils.FormatDataSize(m.Size), path, time.Since(start).Seconds())
	return nil
}

func (h *harness) account(ctx context.Context) error {
	status, err := h.client.AccountStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(h.out, renderAccount(status))
	return nil
}
