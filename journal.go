package tributary

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"

	"github.com/tributary-db/tributary/internal/encoding"
)

// Journal is the durable log of accepted base-table writes, backed by SQLite.
// One row per write, keyed by token, so Replay reproduces the checktable's
// total order. Record batches are stored as the same framed blobs the
// transport uses, which keeps value types intact across a restart.
type Journal struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool

	appendStmt *sql.Stmt
}

func openJournal(path string) (*Journal, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS journal (
			token      INTEGER PRIMARY KEY,
			tbl        TEXT NOT NULL,
			data       BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_journal_tbl ON journal(tbl);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{db: db}
	j.appendStmt, err = db.Prepare(`INSERT INTO journal (token, tbl, data, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare journal append: %w", err)
	}
	return j, nil
}

// Append logs one accepted write. Tokens are unique, so a duplicate append
// (a retried call that already landed) is ignored rather than doubled.
func (j *Journal) Append(table string, tok Token, recs []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	data, err := encodeEnvelope(&Envelope{Kind: EnvDelta, Records: recs})
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	_, err = j.appendStmt.Exec(int64(tok), table, data, time.Now().UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the message; the
	// driver does not export a typed error for them.
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("UNIQUE constraint failed"))
}

// Replay streams journaled writes to fn in token order.
func (j *Journal) Replay(ctx context.Context, fn func(table string, tok Token, recs []Record) error) error {
	rows, err := j.db.QueryContext(ctx, `SELECT token, tbl, data FROM journal ORDER BY token`)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tok int64
		var table string
		var data []byte
		if err := rows.Scan(&tok, &table, &data); err != nil {
			return fmt.Errorf("scan journal entry: %w", err)
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			return fmt.Errorf("journal entry %d: %w", tok, err)
		}
		if err := fn(table, Token(tok), env.Records); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Export serializes the whole journal into a single portable segment:
// length-framed (table, token, blob) triples, snappy-compressed.
func (j *Journal) Export(ctx context.Context) ([]byte, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT token, tbl, data FROM journal ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	buf := &bytes.Buffer{}
	for rows.Next() {
		var tok int64
		var table string
		var data []byte
		if err := rows.Scan(&tok, &table, &data); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if err := encoding.WriteString(buf, table); err != nil {
			return nil, err
		}
		_ = binary.Write(buf, binary.LittleEndian, uint64(tok))
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(data)))
		buf.Write(data)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// journalEntry is one decoded segment element.
type journalEntry struct {
	Table   string
	Token   Token
	Records []Record
}

// decodeSegment parses a segment produced by Export.
func decodeSegment(data []byte) ([]journalEntry, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decode segment: %w", err)
	}
	r := bytes.NewReader(raw)
	var out []journalEntry
	for r.Len() > 0 {
		table, err := encoding.ReadString(r)
		if err != nil {
			return nil, err
		}
		var tok uint64
		if err := binary.Read(r, binary.LittleEndian, &tok); err != nil {
			return nil, fmt.Errorf("decode segment: %w", err)
		}
		var blobLen uint32
		if err := binary.Read(r, binary.LittleEndian, &blobLen); err != nil {
			return nil, fmt.Errorf("decode segment: %w", err)
		}
		if int(blobLen) > r.Len() {
			return nil, fmt.Errorf("decode segment: blob length %d exceeds remaining %d", blobLen, r.Len())
		}
		blob := make([]byte, blobLen)
		if _, err := r.Read(blob); err != nil {
			return nil, fmt.Errorf("decode segment: %w", err)
		}
		env, err := decodeEnvelope(blob)
		if err != nil {
			return nil, fmt.Errorf("decode segment entry %d: %w", tok, err)
		}
		out = append(out, journalEntry{Table: table, Token: Token(tok), Records: env.Records})
	}
	return out, nil
}

// Truncate drops journal entries at or below tok. Used after a successful
// archive export to keep the live journal bounded.
func (j *Journal) Truncate(ctx context.Context, tok Token) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	_, err := j.db.ExecContext(ctx, `DELETE FROM journal WHERE token <= ?`, int64(tok))
	if err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	return nil
}

// Close releases the journal's database handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.appendStmt != nil {
		j.appendStmt.Close()
	}
	return j.db.Close()
}
