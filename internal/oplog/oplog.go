// Package oplog is the host's durable, totally ordered log of sequenced ops.
//
// The log is an append-only SQLite table keyed by seq, plus a table of
// record-set snapshots keyed by the seq they were taken at. Only the current
// host writes to its log; replicas never open one.
package oplog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lansync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on ops.record_id
const currentSchemaVersion = 1

// Log is the host op log.
//
// Thread-safety: AssignSeqAndAppend is serialized internally; reads may run
// concurrently with it.
type Log struct {
	db  *sql.DB
	mu  sync.Mutex // serializes sequencing
	seq *seqCounter
}

// Open creates or opens the log at path and resumes the sequence counter from
// the highest stored seq.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open op log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to op log: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var latest sql.NullInt64
	if err := db.QueryRow("SELECT MAX(seq) FROM ops").Scan(&latest); err != nil {
		db.Close()
		return nil, fmt.Errorf("read latest seq: %w", err)
	}

	return &Log{db: db, seq: newSeqCounterAt(uint64(latest.Int64))}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_ops_record ON ops(record_id, seq)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// AssignSeqAndAppend stamps op with the next seq and epoch and appends it.
//
// If an op with the same opId is already in the log, nothing is appended: op
// is restamped with the stored seq and epoch and that seq is returned. The
// counter advances only after a successful insert; on error op is left as it
// was passed in.
func (l *Log) AssignSeqAndAppend(ctx context.Context, op *model.Op, epoch uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		existingSeq   uint64
		existingEpoch uint64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT seq, epoch FROM ops WHERE op_id = ?`, op.OpID.String(),
	).Scan(&existingSeq, &existingEpoch)
	switch {
	case err == nil:
		*op = op.WithSeq(existingSeq, existingEpoch)
		return existingSeq, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("append %s: lookup: %w", op.OpID, err)
	}

	next := l.seq.Next()
	stamped := op.WithSeq(next, epoch)
	body, err := json.Marshal(stamped)
	if err != nil {
		return 0, fmt.Errorf("append %s: marshal: %w", op.OpID, err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ops (seq, op_id, epoch, kind, record_id, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		next,
		stamped.OpID.String(),
		epoch,
		string(stamped.Kind),
		stamped.RecordID.String(),
		string(body),
	)
	if err != nil {
		return 0, fmt.Errorf("append %s at seq %d: %w", op.OpID, next, err)
	}

	l.seq.Advance(next)
	*op = stamped
	return next, nil
}

// LatestSeq returns the highest appended seq, 0 for an empty log.
func (l *Log) LatestSeq() uint64 {
	return l.seq.Current()
}

// Ops returns up to limit ops with seq > sinceSeq in ascending seq order.
// limit <= 0 means no limit. Returns an empty slice (not nil) when there is
// nothing to return.
func (l *Log) Ops(ctx context.Context, sinceSeq uint64, limit int) ([]model.Op, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT body FROM ops
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	return scanOps(rows)
}

// RecordOps returns every op touching recordID in seq order.
func (l *Log) RecordOps(ctx context.Context, recordID uuid.UUID) ([]model.Op, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT body FROM ops
		WHERE record_id = ?
		ORDER BY seq ASC
	`, recordID.String())
	if err != nil {
		return nil, fmt.Errorf("query record ops: %w", err)
	}
	return scanOps(rows)
}

func scanOps(rows *sql.Rows) ([]model.Op, error) {
	defer rows.Close()

	ops := []model.Op{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		var op model.Op
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("decode op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return ops, nil
}

// Count returns the number of ops in the log.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ops: %w", err)
	}
	return n, nil
}

// WriteSnapshot stores units as the record set at seq. Writing a second
// snapshot at the same seq replaces the first.
func (l *Log) WriteSnapshot(ctx context.Context, units []model.Unit, seq uint64) error {
	if units == nil {
		units = []model.Unit{}
	}
	body, err := json.Marshal(model.Snapshot{Seq: seq, Units: units})
	if err != nil {
		return fmt.Errorf("write snapshot: marshal: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO snapshots (seq, taken_at, body)
		VALUES (?, ?, ?)
		ON CONFLICT(seq) DO UPDATE SET taken_at = excluded.taken_at, body = excluded.body
	`, seq, time.Now().UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("write snapshot at seq %d: %w", seq, err)
	}
	return nil
}

// ReadLatestSnapshot returns the snapshot with the highest seq. The boolean is
// false if no snapshot has been written.
func (l *Log) ReadLatestSnapshot(ctx context.Context) (model.Snapshot, bool, error) {
	var body string
	err := l.db.QueryRowContext(ctx,
		`SELECT body FROM snapshots ORDER BY seq DESC LIMIT 1`,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}
