package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"konnect/internal/event"
)

// SchemaVersion is written to metadata when a WAL is created.
const SchemaVersion = 1

const metaSchemaVersion = "schema_version"

var (
	// ErrSchemaTooNew means the WAL was written by a newer build.
	ErrSchemaTooNew = errors.New("wal schema is newer than this build")
	// ErrStopScan ends a Scan early without error.
	ErrStopScan = errors.New("stop scan")
)

// EventStore is the write-ahead log: every committed command, in sequence
// order, in SQLite. Rejected commands never reach it.
type EventStore struct {
	db *sql.DB
}

var walSchema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	// payload is authoritative; caller and reference_key are denormalised
	// for ad-hoc audits with the sqlite shell.
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY,
		type INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		caller TEXT NOT NULL,
		reference_key TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_reference ON events(reference_key) WHERE reference_key != '';`,
}

// NewEventStore opens (or creates) the WAL at dbPath.
func NewEventStore(dbPath string) (*EventStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection: the sequencer is the only writer and PRAGMAs are per connection.
	db.SetMaxOpenConns(1)

	s := &EventStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *EventStore) migrate(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;", // a commit acknowledged to the caller must survive power loss
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	for _, stmt := range walSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create wal schema: %w", err)
		}
	}

	v, err := s.GetMetadata(ctx, metaSchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if v == "" {
		return s.UpsertMetadata(ctx, metaSchemaVersion, strconv.Itoa(SchemaVersion), time.Now().Unix())
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("corrupt schema version %q: %w", v, err)
	}
	if n > SchemaVersion {
		return fmt.Errorf("%w: wal=%d build=%d", ErrSchemaTooNew, n, SchemaVersion)
	}
	return nil
}

// SaveEvent appends a stamped event. A seq that already exists is an error.
func (s *EventStore) SaveEvent(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	var ref string
	if r, ok := ev.(event.Referenced); ok {
		ref = r.GetReferenceKey()
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (seq, type, ts, caller, reference_key, payload) VALUES (?, ?, ?, ?, ?, ?)",
		ev.GetSeq(), ev.GetType(), ev.GetTs(), string(ev.GetCaller()), ref, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append seq %d: %w", ev.GetSeq(), err)
	}
	return nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (s *EventStore) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata returns "" for a missing key.
func (s *EventStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// GetLastSeq returns the highest committed seq, 0 for an empty WAL.
func (s *EventStore) GetLastSeq(ctx context.Context) (uint64, error) {
	var lastSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM events").Scan(&lastSeq); err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !lastSeq.Valid {
		return 0, nil
	}
	return uint64(lastSeq.Int64), nil
}

// Scan streams events with seq >= fromSeq in order. fn returning an error
// stops the scan; ErrStopScan stops it without error.
func (s *EventStore) Scan(ctx context.Context, fromSeq uint64, fn func(event.Event) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, type, payload FROM events WHERE seq >= ? ORDER BY seq ASC",
		fromSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int64
			evType  int
			payload []byte
		)
		if err := rows.Scan(&seq, &evType, &payload); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}

		ev, err := event.Decode(event.Type(evType), payload)
		if err != nil {
			return fmt.Errorf("failed to decode event %d: %w", seq, err)
		}
		if ev.GetSeq() != uint64(seq) {
			return fmt.Errorf("row %d carries seq %d", seq, ev.GetSeq())
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// LoadEvents returns every event with seq >= fromSeq.
func (s *EventStore) LoadEvents(ctx context.Context, fromSeq uint64) ([]event.Event, error) {
	var events []event.Event
	err := s.Scan(ctx, fromSeq, func(ev event.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Close closes the database connection.
func (s *EventStore) Close() error {
	return s.db.Close()
}
