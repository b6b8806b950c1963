package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"
)

// Stats summarizes the cache directory for the cacheinfo CLI operation
// (spec.md §4.6 "cacheinfo reports entry count and total size").
type Stats struct {
	Entries int
	Bytes   int64
}

// Info walks the content-addressed directory and reports its size.
func (s *Store) Info() (Stats, error) {
	var st Stats
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		st.Entries++
		st.Bytes += fi.Size()
		return nil
	})
	if err != nil {
		return Stats{}, xerrors.Errorf("fbuild: cacheinfo: %w", err)
	}
	return st, nil
}

// Trim evicts least-recently-modified entries until the cache's total size
// is at or below budgetBytes (spec.md §4.6 "cachetrim ... LRU by mtime").
// It reports how many entries were removed.
func (s *Store) Trim(budgetBytes int64) (removed int, err error) {
	type entry struct {
		path  string
		size  int64
		mtime int64
	}
	var entries []entry
	var total int64

	walkErr := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()})
		total += fi.Size()
		return nil
	})
	if walkErr != nil {
		return 0, xerrors.Errorf("fbuild: cachetrim: %w", walkErr)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime < entries[j].mtime })

	for _, e := range entries {
		if total <= budgetBytes {
			break
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return removed, xerrors.Errorf("fbuild: cachetrim: remove %s: %w", e.path, err)
		}
		total -= e.size
		removed++
	}
	return removed, nil
}
