package lock

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"
)

// regionSize is {ready byte}{4-byte little-endian exit code}.
const regionSize = 5

// WrapperRegion is the named shared-memory region spec.md §4.10's
// wrapper mode uses to convey the build child's final exit code back to
// the long-lived wrapper process. golang.org/x/exp/mmap is read-only by
// design, so the writer side uses a plain *os.File and the reader side
// mmaps it -- matching SPEC_FULL.md §4.10's resolution of this without
// inventing a new dependency.
type WrapperRegion struct {
	Path string
}

func NewWrapperRegion(path string) *WrapperRegion {
	return &WrapperRegion{Path: path}
}

// WriteExitCode publishes code for a waiting wrapper process to observe.
func (w *WrapperRegion) WriteExitCode(code int32) error {
	var buf [regionSize]byte
	buf[0] = 1
	binary.LittleEndian.PutUint32(buf[1:], uint32(code))

	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Errorf("fbuild: lock: create wrapper region %s: %w", w.Path, err)
	}
	defer f.Close()
	if _, err := f.Write(buf[:]); err != nil {
		return xerrors.Errorf("fbuild: lock: write wrapper region: %w", err)
	}
	return f.Sync()
}

// WaitExitCode polls w.Path until the build child has published an exit
// code or ctx is cancelled.
func (w *WrapperRegion) WaitExitCode(ctx context.Context, pollInterval time.Duration) (int32, error) {
	for {
		code, ready, err := w.tryRead()
		if err != nil {
			return 0, err
		}
		if ready {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return 0, xerrors.Errorf("fbuild: lock: wait for wrapper exit code: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (w *WrapperRegion) tryRead() (code int32, ready bool, err error) {
	r, err := mmap.Open(w.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, xerrors.Errorf("fbuild: lock: open wrapper region: %w", err)
	}
	defer r.Close()

	if r.Len() < regionSize {
		return 0, false, nil
	}
	var buf [regionSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return 0, false, xerrors.Errorf("fbuild: lock: read wrapper region: %w", err)
	}
	if buf[0] == 0 {
		return 0, false, nil
	}
	return int32(binary.LittleEndian.Uint32(buf[1:])), true, nil
}
