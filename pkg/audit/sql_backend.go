package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	sequence_no BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	signer_key_id TEXT NOT NULL,
	signature TEXT NOT NULL
);
`

const entryColumns = `sequence_no, entry_id, ts, kind, subject, payload, payload_hash, previous_hash, entry_hash, signer_key_id, signature`

// SQLBackend stores entries in a single table. It works with SQLite
// (modernc.org/sqlite) and Postgres (lib/pq).
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

// Init creates the table if needed.
func (s *SQLBackend) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for Postgres.
func (s *SQLBackend) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLBackend) Head(ctx context.Context) (uint64, string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT sequence_no, entry_hash FROM audit_entries ORDER BY sequence_no DESC LIMIT 1`)
	var (
		seq  int64
		hash string
	)
	if err := row.Scan(&seq, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, GenesisHash, nil
		}
		return 0, "", err
	}
	return uint64(seq), hash, nil
}

func (s *SQLBackend) Insert(ctx context.Context, e *Entry) error {
	query := s.rebind(`INSERT INTO audit_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sequence_no) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Kind), e.Subject,
		string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash, e.SignerKeyID, e.Signature,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSequenceConflict
	}
	return nil
}

func (s *SQLBackend) Range(ctx context.Context, from, to uint64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	query := s.rebind(`SELECT ` + entryColumns + ` FROM audit_entries
		WHERE sequence_no >= ? AND sequence_no <= ?
		ORDER BY sequence_no ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, int64(from), int64(to), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Entry, 0, limit)
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			ts      string
			kind    string
			payload string
		)
		if err := rows.Scan(&seq, &e.ID, &ts, &kind, &e.Subject, &payload,
			&e.PayloadHash, &e.PreviousHash, &e.EntryHash, &e.SignerKeyID, &e.Signature); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("entry %d: bad timestamp: %w", seq, err)
		}
		e.Sequence = uint64(seq)
		e.Kind = Kind(kind)
		e.Payload = []byte(payload)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
