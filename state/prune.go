package state

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ulikunitz/xz"
)

// Prune removes terminal records last updated before cutoff. Records tied
// to the current position are kept whatever their age. The removed
// records are returned oldest first.
func Prune(st *SymbolState, cutoff time.Time) []*OrderRecord {
	var removed []*OrderRecord
	for key, r := range st.Orders {
		if !r.Status.Terminal() || !r.UpdatedAt.Before(cutoff) || st.Referenced(key) {
			continue
		}
		removed = append(removed, r)
		delete(st.Orders, key)
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].UpdatedAt.Before(removed[j].UpdatedAt)
	})
	return removed
}

// Archive appends pruned records to daily xz-compressed JSON-lines files,
// one per symbol. Each call writes one complete xz stream; readers accept
// the concatenation.
type Archive struct {
	dir string
}

func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archive{dir: dir}, nil
}

func (a *Archive) Path(symbol string, at time.Time) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s-%s.jsonl.xz", symbol, at.UTC().Format("20060102")))
}

func (a *Archive) Write(symbol string, at time.Time, recs []*OrderRecord) error {
	if len(recs) == 0 {
		return nil
	}
	f, err := os.OpenFile(a.Path(symbol, at), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := xz.NewWriter(f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = w.Close()
			return fmt.Errorf("archive %s: %w", r.Key, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadArchive decodes every record in an archive file.
func ReadArchive(path string) ([]*OrderRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var out []*OrderRecord
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec := &OrderRecord{}
		if err := json.Unmarshal(line, rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
