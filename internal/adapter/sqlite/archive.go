// Package sqlite archives emitted alerts in a local SQLite database so the
// alert history survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"

	_ "modernc.org/sqlite" // pure-Go driver
)

// Archive is an alerting.Sink that stores every alert it is handed.
// Publishing the same alert twice is a no-op.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the archive at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open alert archive: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	a := &Archive{db: db, logger: logger}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate alert archive: %w", err)
	}
	logger.Info("alert archive opened", "path", path)
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		level TEXT NOT NULL,
		emitted_at TEXT NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_sequence ON alerts(sequence);
	CREATE INDEX IF NOT EXISTS idx_alerts_subscriber ON alerts(subscriber_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_alerts_event ON alerts(event_id);
	`
	_, err := a.db.Exec(schema)
	return err
}

func (a *Archive) Name() string { return "sqlite" }

// Publish stores alerts in one transaction.
func (a *Archive) Publish(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alerts (id, sequence, event_id, subscriber_id, kind, level, emitted_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, alert := range alerts {
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("encode alert %s: %w", alert.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			alert.ID,
			int64(alert.Sequence),
			alert.EventID,
			alert.SubscriberID,
			string(alert.Kind),
			string(alert.Level),
			alert.EmittedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
			string(payload),
		); err != nil {
			return fmt.Errorf("insert alert %s: %w", alert.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	a.logger.Debug("alerts archived", "count", len(alerts))
	return nil
}

// Since returns up to limit archived alerts with a sequence greater than
// after, oldest first. A non-positive limit returns everything.
func (a *Archive) Since(ctx context.Context, after uint64, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	return a.query(ctx, `
		SELECT payload FROM alerts WHERE sequence > ? ORDER BY sequence LIMIT ?
	`, int64(after), limit)
}

// LastSequence returns the highest archived sequence, or 0 when empty.
func (a *Archive) LastSequence(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM alerts`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func (a *Archive) query(ctx context.Context, q string, args ...any) ([]domain.Alert, error) {
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var alert domain.Alert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

func (a *Archive) Close() error {
	return a.db.Close()
}
