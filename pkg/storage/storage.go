// Package storage splits files into content-addressed chunks and describes
// them with a manifest, so a file can be rebuilt from chunks loaded off the
// vault network.
package storage

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

const (
	DefaultChunkSize = 1024 * 1024     // 1MB chunks
	SmallChunkSize   = 64 * 1024       // 64KB for small files
	LargeChunkSize   = 4 * 1024 * 1024 // 4MB for large files

	SmallFileThreshold = 1024 * 1024       // Files < 1MB
	LargeFileThreshold = 100 * 1024 * 1024 // Files > 100MB
)

// ChunkRef locates one piece of a file. Size is what is stored on the
// network; OriginalSize is the piece before compression.
type ChunkRef struct {
	Name         types.ChunkName
	Size         int64
	OriginalSize int64
	Compressed   bool
}

// Manifest lists the chunks of a file in order.
type Manifest struct {
	Name   string
	Size   int64
	Chunks []ChunkRef
}

// Piece is a chunk ready to be stored.
type Piece struct {
	Ref  ChunkRef
	Data []byte
}

type ChunkManager struct {
	chunkSize         int
	enableCompression bool
	compressionLevel  int
}

// NewChunkManager picks chunk sizes by file size and does not compress.
func NewChunkManager() *ChunkManager {
	return &ChunkManager{
		compressionLevel: gzip.DefaultCompression,
	}
}

// NewChunkManagerWithOptions fixes the chunk size when chunkSize is positive.
func NewChunkManagerWithOptions(chunkSize int, enableCompression bool, compressionLevel int) *ChunkManager {
	if chunkSize < 0 {
		chunkSize = 0
	}
	if compressionLevel < gzip.HuffmanOnly || compressionLevel > gzip.BestCompression {
		compressionLevel = gzip.DefaultCompression
	}
	return &ChunkManager{
		chunkSize:         chunkSize,
		enableCompression: enableCompression,
		compressionLevel:  compressionLevel,
	}
}

// GetOptimalChunkSize determines the best chunk size for a given file size
func (cm *ChunkManager) GetOptimalChunkSize(fileSize int64) int {
	if fileSize < SmallFileThreshold {
		return SmallChunkSize
	} else if fileSize > LargeFileThreshold {
		return LargeChunkSize
	}
	return DefaultChunkSize
}

func (cm *ChunkManager) sizeFor(fileSize int64) int {
	if cm.chunkSize > 0 {
		return cm.chunkSize
	}
	return cm.GetOptimalChunkSize(fileSize)
}

// Split cuts data into pieces named by the hash of their stored bytes. An
// empty file has a manifest with no chunks. Identical pieces appear once in
// the returned slice but every time in the manifest.
func (cm *ChunkManager) Split(name string, data []byte) (Manifest, []Piece, error) {
	m := Manifest{Name: name, Size: int64(len(data))}
	size := cm.sizeFor(m.Size)

	var pieces []Piece
	seen := make(map[types.ChunkName]bool)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		raw := data[off:end]
		stored := append([]byte(nil), raw...)
		compressed := false
		if cm.enableCompression {
			// Only use the compressed form when it is actually smaller.
			packed, err := cm.compressData(raw)
			if err == nil && len(packed) < len(raw) {
				stored, compressed = packed, true
			}
		}

		ref := ChunkRef{
			Name:         crypto.NameOf(stored),
			Size:         int64(len(stored)),
			OriginalSize: int64(len(raw)),
			Compressed:   compressed,
		}
		m.Chunks = append(m.Chunks, ref)
		if !seen[ref.Name] {
			seen[ref.Name] = true
			pieces = append(pieces, Piece{Ref: ref, Data: stored})
		}
	}
	return m, pieces, nil
}

// Reassemble fetches every chunk of m in order, verifies it against its name
// and rebuilds the file.
func (cm *ChunkManager) Reassemble(m Manifest, fetch func(types.ChunkName) ([]byte, error)) ([]byte, error) {
	var result bytes.Buffer
	result.Grow(int(m.Size))
	for i, ref := range m.Chunks {
		data, err := fetch(ref.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk %d (%s): %w", i, ref.Name.Short(), err)
		}
		if !VerifyChunk(ref, data) {
			return nil, fmt.Errorf("%w: chunk %d (%s) does not match the manifest", types.ErrIntegrity, i, ref.Name.Short())
		}
		if ref.Compressed {
			data, err = cm.decompressData(data)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress chunk %s: %w", ref.Name.Short(), err)
			}
		}
		if int64(len(data)) != ref.OriginalSize {
			return nil, fmt.Errorf("%w: chunk %d expands to %d bytes, manifest says %d", types.ErrIntegrity, i, len(data), ref.OriginalSize)
		}
		result.Write(data)
	}
	if int64(result.Len()) != m.Size {
		return nil, fmt.Errorf("%w: rebuilt %d bytes, manifest says %d", types.ErrIntegrity, result.Len(), m.Size)
	}
	return result.Bytes(), nil
}

// VerifyChunk validates chunk integrity using its name
func VerifyChunk(ref ChunkRef, data []byte) bool {
	return int64(len(data)) == ref.Size && crypto.NameOf(data) == ref.Name
}

func EncodeManifest(m Manifest) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: malformed manifest: %v", types.ErrInvalidRequest, err)
	}
	for _, ref := range m.Chunks {
		if !ref.Name.Valid() {
			return Manifest{}, fmt.Errorf("%w: manifest names malformed chunk %q", types.ErrInvalidRequest, ref.Name)
		}
	}
	return m, nil
}

// compressData compresses data using gzip
func (cm *ChunkManager) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, cm.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write compressed data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// decompressData decompresses gzip-compressed data
func (cm *ChunkManager) decompressData(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed data: %w", err)
	}

	return decompressed, nil
}
