package graph

import (
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/mmap"
)

// mmapThreshold is the file size above which FileStamp memory-maps the
// content instead of copying it through a buffered read, following
// distr1/distri's cmd/distri/install.go and internal/install/install.go
// precedent of using golang.org/x/exp/mmap for large package images.
const mmapThreshold = 1 << 20 // 1 MiB

// FileStamp computes the 64-bit content stamp for an on-disk file
// (spec.md §3 Node.stamp: "their stamp is their content hash ... must be
// deterministic across runs"). Filesystem primitives themselves (path
// cleanup, mtime I/O) are an external collaborator (spec.md §1); this is
// the hashing step that consumes an already-resolved path.
func FileStamp(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.Size() < mmapThreshold {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		h := xxhash.New()
		if _, err := io.Copy(h, f); err != nil {
			return 0, err
		}
		return h.Sum64(), nil
	}

	r, err := mmap.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	h := xxhash.New()
	buf := make([]byte, 1<<20)
	for off := 0; off < r.Len(); off += len(buf) {
		n := len(buf)
		if off+n > r.Len() {
			n = r.Len() - off
		}
		if _, err := r.ReadAt(buf[:n], int64(off)); err != nil && err != io.EOF {
			return 0, err
		}
		h.Write(buf[:n])
	}
	return h.Sum64(), nil
}

// AggregateStamp folds child stamps into a single deterministic 64-bit
// value for a synthetic (non-file-backed) node, e.g. an Alias or
// ObjectList (spec.md §3: "aggregated child-stamp for synthetic nodes").
func AggregateStamp(childStamps []uint64) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	for _, s := range childStamps {
		for i := 0; i < 8; i++ {
			buf[i] = byte(s >> (8 * i))
		}
		h.Write(buf)
	}
	return h.Sum64()
}

// CommandLineStamp hashes the command line and compiler-identity strings
// that, when changed, dirty a node even if all its dependencies' content is
// unchanged (spec.md §4.5 "Change detection", condition 3).
func CommandLineStamp(parts ...string) uint64 {
	h := xxhash.New()
	for _, p := range parts {
		h.WriteString(p)
		h.Write([]byte{0})
	}
	return h.Sum64()
}
