// Package cache implements the content-addressed build-artifact cache
// (spec.md §4.6). Grounded on cmd/distri/initrd.go's own archive pipeline:
// a cpio.Writer payload, compressed and atomically renamed into place.
// internal/cache repurposes that exact shape for one cache entry = one
// node's primary + secondary outputs.
package cache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cavaliercoder/go-cpio"
	"github.com/cespare/xxhash/v2"
	"github.com/fastbuild/fbuild/internal/exec"
	"github.com/fastbuild/fbuild/internal/graph"
	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/orcaman/writerseeker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

const (
	formatStore byte = 0
	formatZstd  byte = 1
)

// Store is a directory-backed cache of node output archives (spec.md
// §4.6: "Cache is a content-addressed directory; writers stage to a
// temporary name and rename atomically"). The zero value is not usable;
// construct with NewStore.
type Store struct {
	Dir string

	// CompressionLevel selects zstd encoder effort per spec.md §4.6
	// `cachecompressionlevel` ∈ [-128, 12]; 0 disables compression
	// entirely (entries are stored verbatim).
	CompressionLevel int

	group singleflight.Group
}

func NewStore(dir string, compressionLevel int) *Store {
	return &Store{Dir: dir, CompressionLevel: compressionLevel}
}

var _ exec.Cache = (*Store)(nil)

func (s *Store) path(k Key) string {
	hex := k.String()
	return filepath.Join(s.Dir, hex[:2], hex+".cache")
}

// Lookup implements internal/exec.Cache: on a hit, it materializes n's
// Job's declared outputs from the cached archive and reports true.
// Concurrent Lookups for the same key are collapsed onto one filesystem
// read via singleflight (spec.md §4.6's "idempotent lookup").
func (s *Store) Lookup(ctx context.Context, n *graph.Node) (bool, error) {
	out, ok := n.Job.(graph.Outputter)
	if !ok {
		return false, nil
	}
	var cmdLine string
	if cl, ok := n.Job.(graph.CommandLiner); ok {
		cmdLine = cl.CommandLine()
	}
	key := NewKey(n, cmdLine)
	path := s.path(key)

	v, err, _ := s.group.Do(key.String(), func() (interface{}, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, xerrors.Errorf("fbuild: cache read %s: %w", path, err)
		}
		return b, nil
	})
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	raw, err := decodeEntry(v.([]byte))
	if err != nil {
		// Corrupt or truncated entry: treat as a miss rather than failing
		// the build (spec.md §4.6: "verify the embedded hash, and fall
		// back to a build on mismatch").
		return false, nil
	}
	if err := materialize(raw); err != nil {
		return false, err
	}
	_ = out // outputs already embedded in the archive by Store
	return true, nil
}

// Store implements internal/exec.Cache: it archives n.Job's declared
// outputs and writes them under n's cache key.
func (s *Store) Store(ctx context.Context, n *graph.Node) error {
	out, ok := n.Job.(graph.Outputter)
	if !ok {
		return nil
	}
	outputs := out.Outputs()
	if len(outputs) == 0 {
		return nil
	}
	var cmdLine string
	if cl, ok := n.Job.(graph.CommandLiner); ok {
		cmdLine = cl.CommandLine()
	}
	key := NewKey(n, cmdLine)

	raw, err := archive(outputs)
	if err != nil {
		return err
	}
	entry := encodeEntry(raw, s.CompressionLevel)

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Errorf("fbuild: cache: prepare dir: %w", err)
	}
	return renameio.WriteFile(path, entry, 0o644)
}

// archive packs every output path into a cpio payload, using a
// writerseeker.WriterSeeker as the in-memory buffer (avoids a temp-file
// round trip for small entries, mirroring pb/readbuild.go's bytes.Buffer
// pooling for small in-memory payloads).
func archive(outputs []string) ([]byte, error) {
	var ws writerseeker.WriterSeeker
	wr := cpio.NewWriter(&ws)
	for _, path := range outputs {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, xerrors.Errorf("fbuild: cache: stat output %s: %w", path, err)
		}
		if fi.IsDir() {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("fbuild: cache: read output %s: %w", path, err)
		}
		hdr := &cpio.Header{
			Name: path,
			Mode: cpio.FileMode(fi.Mode().Perm()),
			Size: int64(len(b)),
		}
		if err := wr.WriteHeader(hdr); err != nil {
			return nil, xerrors.Errorf("fbuild: cache: write header: %w", err)
		}
		if _, err := wr.Write(b); err != nil {
			return nil, xerrors.Errorf("fbuild: cache: write body: %w", err)
		}
	}
	if err := wr.Close(); err != nil {
		return nil, xerrors.Errorf("fbuild: cache: close archive: %w", err)
	}
	b, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, xerrors.Errorf("fbuild: cache: read back archive: %w", err)
	}
	return b, nil
}

// materialize extracts a cpio payload back onto disk at each entry's
// recorded (absolute) name.
func materialize(raw []byte) error {
	rd := cpio.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("fbuild: cache: read archive entry: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(hdr.Name), 0o755); err != nil {
			return xerrors.Errorf("fbuild: cache: prepare %s: %w", hdr.Name, err)
		}
		f, err := os.OpenFile(hdr.Name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return xerrors.Errorf("fbuild: cache: create %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(f, rd); err != nil {
			f.Close()
			return xerrors.Errorf("fbuild: cache: write %s: %w", hdr.Name, err)
		}
		if err := f.Close(); err != nil {
			return xerrors.Errorf("fbuild: cache: close %s: %w", hdr.Name, err)
		}
	}
}

// encodeEntry prefixes raw (an uncompressed cpio archive) with a format
// byte and an xxhash checksum, optionally zstd-compressing the body
// (spec.md §4.6 `cachecompressionlevel`).
func encodeEntry(raw []byte, level int) []byte {
	sum := xxhash.Sum64(raw)
	body := raw
	format := formatStore
	if level != 0 {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstdLevel(level)))
		if err == nil {
			if _, err := enc.Write(raw); err == nil && enc.Close() == nil {
				body = buf.Bytes()
				format = formatZstd
			}
		}
	}
	out := make([]byte, 0, 1+8+len(body))
	out = append(out, format)
	out = appendUint64(out, sum)
	out = append(out, body...)
	return out
}

func decodeEntry(entry []byte) ([]byte, error) {
	if len(entry) < 9 {
		return nil, xerrors.New("fbuild: cache: truncated entry")
	}
	format := entry[0]
	sum := readUint64(entry[1:9])
	body := entry[9:]

	var raw []byte
	switch format {
	case formatStore:
		raw = body
	case formatZstd:
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, xerrors.Errorf("fbuild: cache: zstd reader: %w", err)
		}
		defer dec.Close()
		raw, err = io.ReadAll(dec)
		if err != nil {
			return nil, xerrors.Errorf("fbuild: cache: zstd decode: %w", err)
		}
	default:
		return nil, xerrors.Errorf("fbuild: cache: unknown entry format %d", format)
	}
	if xxhash.Sum64(raw) != sum {
		return nil, xerrors.New("fbuild: cache: checksum mismatch")
	}
	return raw, nil
}

// zstdLevel collapses spec.md §4.6's fine-grained [-128, 12] effort range
// onto klauspost/compress/zstd's four discrete encoder-level buckets --
// a deliberate simplification; FASTBuild's native cache talks to zstd's
// own C API, which exposes every integer level, where this package does
// not.
func zstdLevel(n int) zstd.EncoderLevel {
	switch {
	case n <= 3:
		return zstd.SpeedFastest
	case n <= 6:
		return zstd.SpeedDefault
	case n <= 9:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func readUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
