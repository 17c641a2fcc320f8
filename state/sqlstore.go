package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS symbol_state (
	symbol TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	payload BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// SQLStore keeps snapshots as rows keyed by symbol. Every save is a
// single statement guarded by the expected version, which gives the same
// all-or-nothing replacement as the file store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) a SQLite database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLStoreDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreDB wraps an open database and ensures the schema exists.
func NewSQLStoreDB(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context, symbol string) (*SymbolState, error) {
	if symbol == "" {
		return nil, ErrNoSymbol
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM symbol_state WHERE symbol = ?`, symbol).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSymbolState(symbol), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", symbol, err)
	}
	st, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode state %s: %w", symbol, err)
	}
	return st, nil
}

func (s *SQLStore) Save(ctx context.Context, st *SymbolState) error {
	if st == nil || st.Symbol == "" {
		return ErrNoSymbol
	}
	payload, err := encode(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.Symbol, err)
	}

	if st.Version == 1 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO symbol_state (symbol, version, payload, updated_at)
			VALUES (?, ?, ?, ?)`,
			st.Symbol, st.Version, payload, st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("%w: insert %s: %v", ErrVersionConflict, st.Symbol, err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE symbol_state
		SET version = ?, payload = ?, updated_at = ?
		WHERE symbol = ? AND version = ?`,
		st.Version, payload, st.UpdatedAt, st.Symbol, st.Version-1,
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.Symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s expected v%d", ErrVersionConflict, st.Symbol, st.Version-1)
	}
	return nil
}

func (s *SQLStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol FROM symbol_state ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
