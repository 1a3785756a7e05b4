// Package indexer keeps an off-chain index of committed receipts, keyed by
// the opaque reference key the marketplace attached to each order.
package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"konnect/internal/domain"
	"konnect/internal/event"
)

// ErrGap means a receipt arrived out of order. The feed worker reconnects
// and resumes from the last indexed seq.
var ErrGap = errors.New("receipt sequence gap")

// Indexer stores receipts in SQLite. It implements infra.WebSocketHandler.
type Indexer struct {
	db      *sql.DB
	feedURL string

	mu      sync.Mutex
	lastSeq uint64
}

// Open opens (or creates) the index at dbPath. feedURL is the hub endpoint
// the indexer subscribes to; it may be empty when only querying.
func Open(ctx context.Context, dbPath, feedURL string) (*Indexer, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS receipts (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		caller TEXT NOT NULL,
		account TEXT NOT NULL,
		reference_key TEXT,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_ref ON receipts(reference_key);
	CREATE INDEX IF NOT EXISTS idx_receipts_account ON receipts(account);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(seq) FROM receipts").Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last seq: %w", err)
	}

	return &Indexer{db: db, feedURL: feedURL, lastSeq: uint64(last.Int64)}, nil
}

// Close closes the database.
func (ix *Indexer) Close() error {
	return ix.db.Close()
}

// LastSeq is the newest indexed seq.
func (ix *Indexer) LastSeq() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastSeq
}

// Index stores one committed receipt. Receipts already indexed are ignored,
// so a replayed backlog is harmless; a receipt past the next seq is ErrGap.
func (ix *Indexer) Index(ctx context.Context, r *event.Receipt) error {
	if !r.Committed() || r.Seq == 0 {
		return nil // Rejections are never broadcast; nothing to index
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	switch {
	case r.Seq <= ix.lastSeq:
		return nil
	case r.Seq != ix.lastSeq+1:
		return fmt.Errorf("%w: have %d, got %d", ErrGap, ix.lastSeq, r.Seq)
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}

	var ref sql.NullString
	if r.ReferenceKey != "" {
		ref = sql.NullString{String: r.ReferenceKey, Valid: true}
	}

	_, err = ix.db.ExecContext(ctx,
		"INSERT INTO receipts (seq, id, kind, caller, account, reference_key, payload) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.Seq, r.ID.String(), r.Kind, string(r.Caller), r.Account.String(), ref, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to index seq %d: %w", r.Seq, err)
	}
	ix.lastSeq = r.Seq
	return nil
}

// ByReference returns every receipt carrying key, oldest first.
func (ix *Indexer) ByReference(ctx context.Context, key string) ([]*event.Receipt, error) {
	return ix.query(ctx, "SELECT payload FROM receipts WHERE reference_key = ? ORDER BY seq ASC", key)
}

// ByAccount returns every receipt whose primary record is addr.
func (ix *Indexer) ByAccount(ctx context.Context, addr domain.Address) ([]*event.Receipt, error) {
	return ix.query(ctx, "SELECT payload FROM receipts WHERE account = ? ORDER BY seq ASC", addr.String())
}

// Get returns the receipt committed at seq, or nil.
func (ix *Indexer) Get(ctx context.Context, seq uint64) (*event.Receipt, error) {
	rs, err := ix.query(ctx, "SELECT payload FROM receipts WHERE seq = ?", seq)
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return rs[0], nil
}

func (ix *Indexer) query(ctx context.Context, q string, args ...any) ([]*event.Receipt, error) {
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []*event.Receipt
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		var r event.Receipt
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- infra.WebSocketHandler ---

func (ix *Indexer) ID() string { return "indexer" }

// URL resumes the feed right after the last indexed receipt.
func (ix *Indexer) URL() string {
	u, err := url.Parse(ix.feedURL)
	if err != nil {
		return ix.feedURL
	}
	q := u.Query()
	q.Set("from", strconv.FormatUint(ix.LastSeq()+1, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// OnMessage indexes one feed frame.
func (ix *Indexer) OnMessage(ctx context.Context, msg []byte) error {
	var r event.Receipt
	if err := json.Unmarshal(msg, &r); err != nil {
		return fmt.Errorf("failed to decode feed message: %w", err)
	}
	if err := ix.Index(ctx, &r); err != nil {
		return err
	}
	if r.ReferenceKey != "" {
		slog.Debug("Indexed receipt", "seq", r.Seq, "kind", r.Kind, "reference_key", r.ReferenceKey)
	}
	return nil
}
