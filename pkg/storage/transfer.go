package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vaultnet/pkg/client"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

// ChunkClient is the part of client.StoreManager a FileTransfer needs.
type ChunkClient interface {
	AddChunk(content []byte) (types.ChunkName, error)
	StoreChunk(ctx context.Context, task client.StoreTask) error
	LoadChunk(ctx context.Context, name types.ChunkName) ([]byte, error)
	StorePacket(ctx context.Context, key string, value []byte, opts client.PacketOptions) error
	LoadPacket(ctx context.Context, key string) ([][]byte, error)
}

// FileTransfer uploads files as chunks plus a hashable manifest packet and
// downloads them again by manifest key.
type FileTransfer struct {
	chunks  *ChunkManager
	client  ChunkClient
	workers int
	logger  *zap.Logger
}

func NewFileTransfer(cm *ChunkManager, c ChunkClient, workers int, logger *zap.Logger) *FileTransfer {
	if cm == nil {
		cm = NewChunkManager()
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileTransfer{
		chunks:  cm,
		client:  c,
		workers: workers,
		logger:  logger,
	}
}

// Upload stores every chunk of data, then the manifest, and returns the
// manifest key. Chunks already on the network only gain a watcher.
func (ft *FileTransfer) Upload(ctx context.Context, name string, data []byte, visibility types.Visibility) (string, error) {
	start := time.Now()
	manifest, pieces, err := ft.chunks.Split(name, data)
	if err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ft.workers)
	for _, p := range pieces {
		p := p
		g.Go(func() error {
			chunk, err := ft.client.AddChunk(p.Data)
			if err != nil {
				return err
			}
			if err := ft.client.StoreChunk(gctx, client.StoreTask{Key: chunk, Visibility: visibility}); err != nil {
				return fmt.Errorf("failed to store chunk %s: %w", chunk.Short(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	encoded, err := EncodeManifest(manifest)
	if err != nil {
		return "", err
	}
	key := string(crypto.NameOf(encoded))
	if err := ft.client.StorePacket(ctx, key, encoded, client.PacketOptions{
		Mode:       types.Hashable,
		Visibility: visibility,
	}); err != nil {
		return "", fmt.Errorf("failed to store manifest: %w", err)
	}

	ft.logger.Info("File uploaded",
		zap.String("file", name),
		zap.String("manifest", types.ChunkName(key).Short()),
		zap.Int64("size", manifest.Size),
		zap.Int("chunks", len(manifest.Chunks)),
		zap.Int("unique_chunks", len(pieces)),
		zap.Duration("duration", time.Since(start)))
	return key, nil
}

// Download loads the manifest under key and rebuilds its file, fetching
// distinct chunks concurrently.
func (ft *FileTransfer) Download(ctx context.Context, key string) (Manifest, []byte, error) {
	values, err := ft.client.LoadPacket(ctx, key)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	if len(values) == 0 {
		return Manifest{}, nil, fmt.Errorf("%w: manifest %s is empty", types.ErrNotFound, types.ChunkName(key).Short())
	}
	encoded := values[0]
	if string(crypto.NameOf(encoded)) != key {
		return Manifest{}, nil, fmt.Errorf("%w: manifest does not hash to %s", types.ErrIntegrity, types.ChunkName(key).Short())
	}
	manifest, err := DecodeManifest(encoded)
	if err != nil {
		return Manifest{}, nil, err
	}

	fetched := make(map[types.ChunkName][]byte, len(manifest.Chunks))
	results := make(chan Piece, len(manifest.Chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ft.workers)
	queued := make(map[types.ChunkName]bool)
	for _, ref := range manifest.Chunks {
		if queued[ref.Name] {
			continue
		}
		queued[ref.Name] = true
		ref := ref
		g.Go(func() error {
			data, err := ft.client.LoadChunk(gctx, ref.Name)
			if err != nil {
				return err
			}
			results <- Piece{Ref: ref, Data: data}
			return nil
		})
	}
	err = g.Wait()
	close(results)
	if err != nil {
		return Manifest{}, nil, err
	}
	for p := range results {
		fetched[p.Ref.Name] = p.Data
	}

	data, err := ft.chunks.Reassemble(manifest, func(name types.ChunkName) ([]byte, error) {
		data, ok := fetched[name]
		if !ok {
			return nil, types.ErrNotFound
		}
		return data, nil
	})
	if err != nil {
		return Manifest{}, nil, err
	}
	return manifest, data, nil
}
