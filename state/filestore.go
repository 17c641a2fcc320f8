package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const snapshotExt = ".json"

// FileStore keeps one JSON snapshot per symbol in dir. Writes go to a
// temp file in the same directory which is synced and renamed over the
// old snapshot, so a crash leaves either the old or the new file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) Dir() string { return fs.dir }

func (fs *FileStore) path(symbol string) string {
	return filepath.Join(fs.dir, symbol+snapshotExt)
}

func (fs *FileStore) Load(ctx context.Context, symbol string) (*SymbolState, error) {
	if symbol == "" {
		return nil, ErrNoSymbol
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadLocked(symbol)
}

func (fs *FileStore) loadLocked(symbol string) (*SymbolState, error) {
	data, err := os.ReadFile(fs.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return NewSymbolState(symbol), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", symbol, err)
	}
	st, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", symbol, err)
	}
	return st, nil
}

func (fs *FileStore) Save(ctx context.Context, st *SymbolState) error {
	if st == nil || st.Symbol == "" {
		return ErrNoSymbol
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur, err := fs.loadLocked(st.Symbol)
	if err != nil {
		return err
	}
	if cur.Version != st.Version-1 {
		return fmt.Errorf("%w: %s stored v%d, writing v%d", ErrVersionConflict, st.Symbol, cur.Version, st.Version)
	}

	data, err := encode(st)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", st.Symbol, err)
	}
	return writeAtomic(fs.path(st.Symbol), data)
}

func (fs *FileStore) Symbols(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(out)
	return out, nil
}

func (fs *FileStore) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot: %w", err)
	}

	// Persist the rename itself. Not every platform supports syncing a
	// directory, so failures here are ignored.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
