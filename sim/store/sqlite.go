package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/inference-sim/market-sim/sim"
)

// SQLite is a sim.Store over a single-file SQLite database. Documents are
// kept as JSON bodies next to the indexed columns the market queries on.
//
// The market runs on one goroutine, so the pool is pinned to a single
// connection and every statement is serialized by SQLite itself.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			kind  TEXT NOT NULL,
			id    TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			seq   INTEGER NOT NULL,
			body  TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		);`,
		`CREATE INDEX IF NOT EXISTS entities_owner_state ON entities(kind, owner, state, seq);`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key, value) VALUES ('seq', 0);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Save inserts or overwrites e.
func (s *SQLite) Save(ctx context.Context, e sim.Entity) error {
	return s.upsert(ctx, s.db, e)
}

// FindByID loads and decodes one document.
func (s *SQLite) FindByID(ctx context.Context, kind sim.EntityKind, id sim.ID) (sim.Entity, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM entities WHERE kind = ? AND id = ?`, string(kind), string(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sim.NewError(sim.KindNotFound, "find", kind, id, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", kind, id, err)
	}
	return decode(kind, body)
}

// UpdateIfState writes e with state next guarded by WHERE state = expected.
func (s *SQLite) UpdateIfState(ctx context.Context, e sim.Stateful, expected, next string) (bool, error) {
	prev := e.CurrentState()
	e.SetState(next)
	body, err := json.Marshal(e)
	if err != nil {
		e.SetState(prev)
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		e.SetState(prev)
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		e.SetState(prev)
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE entities SET state = ?, owner = ?, seq = ?, body = ? WHERE kind = ? AND id = ? AND state = ?`,
		next, string(e.Owner()), seq, string(body), string(e.EntityKind()), string(e.EntityID()), expected)
	if err != nil {
		e.SetState(prev)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		e.SetState(prev)
		return false, err
	}
	if n == 0 {
		e.SetState(prev)
		// The pool holds a single connection, so the lookup must go through tx.
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE kind = ? AND id = ?`,
			string(e.EntityKind()), string(e.EntityID())).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, sim.NewError(sim.KindNotFound, "update", e.EntityKind(), e.EntityID(), nil)
		}
		if err != nil {
			return false, fmt.Errorf("update %s %s: %w", e.EntityKind(), e.EntityID(), err)
		}
		return false, nil
	}
	return true, tx.Commit()
}

// DeleteAll drops every document of kind.
func (s *SQLite) DeleteAll(ctx context.Context, kind sim.EntityKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = ?`, string(kind))
	return err
}

// BulkInsert writes all entities in one transaction.
func (s *SQLite) BulkInsert(ctx context.Context, entities []sim.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range entities {
		if err := s.upsert(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AcceptedPrices returns the provider's ACCEPTED offer prices, oldest write first.
func (s *SQLite) AcceptedPrices(ctx context.Context, provider sim.ID) ([]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM entities WHERE kind = ? AND owner = ? AND state = ? ORDER BY seq`,
		string(sim.KindOffer), string(provider), string(sim.OfferAccepted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var prices []decimal.Decimal
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var o sim.Offer
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
		prices = append(prices, o.Price)
	}
	return prices, rows.Err()
}

// Count returns the number of stored documents of kind.
func (s *SQLite) Count(ctx context.Context, kind sim.EntityKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE kind = ?`, string(kind)).Scan(&n)
	return n, err
}

func (s *SQLite) upsert(ctx context.Context, ex execer, e sim.Entity) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", e.EntityKind(), e.EntityID(), err)
	}
	state := ""
	if st, ok := e.(sim.Stateful); ok {
		state = st.CurrentState()
	}
	seq, err := nextSeq(ctx, ex)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO entities(kind, id, state, owner, seq, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET state = excluded.state, owner = excluded.owner, seq = excluded.seq, body = excluded.body`,
		string(e.EntityKind()), string(e.EntityID()), state, string(e.Owner()), seq, string(body))
	return err
}

func nextSeq(ctx context.Context, ex execer) (int64, error) {
	var seq int64
	err := ex.QueryRowContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'seq' RETURNING value`).Scan(&seq)
	return seq, err
}

func decode(kind sim.EntityKind, body string) (sim.Entity, error) {
	var e sim.Entity
	switch kind {
	case sim.KindAccount:
		e = &sim.Account{}
	case sim.KindProvider:
		e = &sim.Provider{}
	case sim.KindConsumer:
		e = &sim.Consumer{}
	case sim.KindPool:
		e = &sim.Pool{}
	case sim.KindService:
		e = &sim.Service{}
	case sim.KindOffer:
		e = &sim.Offer{}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err := json.Unmarshal([]byte(body), e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}
