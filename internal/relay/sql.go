package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/strandhq/strand/internal/db"
)

// SQLRelay is a database-backed Relay. Backing the mailbox with the shared
// database lets a worker in one process feed a stream handler in another
// without shared memory; retention is best-effort (spec'd fallback is the
// terminal output persisted on the execution record).
type SQLRelay struct {
	writer *sqlx.DB
}

// NewSQLRelay creates a relay on the given pool and initializes the schema.
func NewSQLRelay(pool *db.Pool) (*SQLRelay, error) {
	r := &SQLRelay{writer: pool.Writer()}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize relay schema: %w", err)
	}
	return r, nil
}

func (r *SQLRelay) initSchema() error {
	_, err := r.writer.Exec(`
		CREATE TABLE IF NOT EXISTS relay_events (
			id TEXT PRIMARY KEY,
			relay_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			final INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return err
	}
	// Unique, not just indexed: the sequence is minted with MAX(seq)+1 on the
	// single-writer-per-key assumption, and the constraint turns a violation
	// of that assumption into an insert error instead of a silent FIFO break.
	_, err = r.writer.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_relay_events_key_seq
		ON relay_events (relay_key, seq)`)
	return err
}

// Publish appends an envelope to the key's queue. The per-key sequence
// number is assigned inside the insert so arrival order is preserved.
func (r *SQLRelay) Publish(ctx context.Context, key string, env *Envelope) error {
	dataJSON := "{}"
	if env.Data != nil {
		raw, err := json.Marshal(env.Data)
		if err != nil {
			return fmt.Errorf("failed to serialize relay event data: %w", err)
		}
		dataJSON = string(raw)
	}

	final := 0
	if env.Final {
		final = 1
	}

	query := r.writer.Rebind(`
		INSERT INTO relay_events (id, relay_key, seq, event_type, final, data, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(e.seq), 0) + 1 FROM relay_events e WHERE e.relay_key = ?), ?, ?, ?, ?)`)
	_, err := r.writer.ExecContext(ctx, query,
		env.ID, key, key, env.Type, final, dataJSON, env.Timestamp)
	return err
}

// Drain pops all queued envelopes for the key in a single transaction, so a
// concurrent publish lands entirely before or entirely after the boundary.
func (r *SQLRelay) Drain(ctx context.Context, key string) ([]*Envelope, error) {
	tx, err := r.writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, tx.Rebind(`
		SELECT id, seq, event_type, final, data, created_at
		FROM relay_events WHERE relay_key = ? ORDER BY seq ASC`), key)
	if err != nil {
		return nil, err
	}

	var drained []*Envelope
	var maxSeq int64
	for rows.Next() {
		var (
			env      Envelope
			seq      int64
			final    int
			dataJSON string
		)
		if err := rows.Scan(&env.ID, &seq, &env.Type, &final, &dataJSON, &env.Timestamp); err != nil {
			_ = rows.Close()
			return nil, err
		}
		env.Final = final != 0
		if seq > maxSeq {
			maxSeq = seq
		}
		if dataJSON != "" && dataJSON != "{}" {
			if err := json.Unmarshal([]byte(dataJSON), &env.Data); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to deserialize relay event data: %w", err)
			}
		}
		drained = append(drained, &env)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Delete only the rows observed by the SELECT: an envelope published
	// after the read but before the delete must survive for the next drain.
	if len(drained) > 0 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM relay_events WHERE relay_key = ? AND seq <= ?`), key, maxSeq); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return drained, nil
}
