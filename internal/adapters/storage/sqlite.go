package storage

// sqlite.go — journal de actividad de pujas, eficiente y sin ruido.
//
// Estrategia:
//   - `cycles`: resumen ligero por ciclo programado. Siempre 1 fila.
//   - `bid_events`: UNA fila por (colección, token) con la última acción
//     (UPSERT). El histórico fila-a-fila no aporta señal y engorda el fichero.
//   - Prune automático al arrancar: cycles > 30d, bid_events no vistos en 14d.

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/ordbot/internal/ports"
)

const schema = `
-- Resumen ligero por ciclo programado
CREATE TABLE IF NOT EXISTS cycles (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at  DATETIME NOT NULL,
    collections INTEGER  NOT NULL DEFAULT 0,
    bids_placed INTEGER  NOT NULL DEFAULT 0,
    bids_skipped INTEGER NOT NULL DEFAULT 0,
    errors      INTEGER  NOT NULL DEFAULT 0,
    queue_depth INTEGER  NOT NULL DEFAULT 0
);

-- Última acción por (colección, token), sin duplicados
CREATE TABLE IF NOT EXISTS bid_events (
    collection_symbol TEXT NOT NULL,
    token_id          TEXT NOT NULL DEFAULT '',
    action            TEXT NOT NULL,
    price             INTEGER NOT NULL DEFAULT 0,
    detail            TEXT,
    first_seen        DATETIME NOT NULL,
    last_seen         DATETIME NOT NULL,
    PRIMARY KEY (collection_symbol, token_id)
);

CREATE INDEX IF NOT EXISTS idx_cycles_at     ON cycles(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_last   ON bid_events(last_seen DESC);
CREATE INDEX IF NOT EXISTS idx_events_action ON bid_events(action);
`

const (
	retentionCycles = 30 * 24 * time.Hour
	retentionEvents = 14 * 24 * time.Hour
)

// SQLiteJournal implementa ports.BidJournal usando SQLite (pure Go, sin CGo).
type SQLiteJournal struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteJournal abre (o crea) la base de datos en la ruta dada, aplica el
// schema y limpia datos antiguos.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteJournal: apply schema: %w", err)
	}

	j := &SQLiteJournal{db: db}
	j.pruneOld(context.Background())
	return j, nil
}

// RecordBidEvent hace upsert de la última acción sobre (colección, token).
func (j *SQLiteJournal) RecordBidEvent(ctx context.Context, ev ports.BidEventRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	at := ev.At.UTC()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO bid_events
			(collection_symbol, token_id, action, price, detail, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_symbol, token_id) DO UPDATE SET
			action    = excluded.action,
			price     = excluded.price,
			detail    = excluded.detail,
			last_seen = excluded.last_seen
	`, ev.CollectionSymbol, ev.TokenID, ev.Action, ev.Price, ev.Detail, at, at)
	if err != nil {
		return fmt.Errorf("storage.RecordBidEvent: %w", err)
	}
	return nil
}

// SaveCycle añade una fila de resumen de ciclo — pesa ~50 bytes.
func (j *SQLiteJournal) SaveCycle(ctx context.Context, c ports.CycleRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO cycles (started_at, collections, bids_placed, bids_skipped, errors, queue_depth)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.StartedAt.UTC(), c.Collections, c.BidsPlaced, c.BidsSkipped, c.Errors, c.QueueDepth)
	if err != nil {
		return fmt.Errorf("storage.SaveCycle: %w", err)
	}
	return nil
}

// RecentCycles devuelve los últimos n resúmenes de ciclo, más reciente primero.
func (j *SQLiteJournal) RecentCycles(ctx context.Context, n int) ([]ports.CycleRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT started_at, collections, bids_placed, bids_skipped, errors, queue_depth
		FROM cycles ORDER BY started_at DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentCycles: %w", err)
	}
	defer rows.Close()

	var out []ports.CycleRecord
	for rows.Next() {
		var c ports.CycleRecord
		if err := rows.Scan(&c.StartedAt, &c.Collections, &c.BidsPlaced, &c.BidsSkipped, &c.Errors, &c.QueueDepth); err != nil {
			return nil, fmt.Errorf("storage.RecentCycles: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close cierra la base de datos.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// pruneOld borra ciclos y eventos fuera de retención. Best effort.
func (j *SQLiteJournal) pruneOld(ctx context.Context) {
	now := time.Now().UTC()
	if _, err := j.db.ExecContext(ctx,
		`DELETE FROM cycles WHERE started_at < ?`, now.Add(-retentionCycles),
	); err != nil {
		slog.Warn("journal prune cycles failed", "err", err)
	}
	if _, err := j.db.ExecContext(ctx,
		`DELETE FROM bid_events WHERE last_seen < ?`, now.Add(-retentionEvents),
	); err != nil {
		slog.Warn("journal prune events failed", "err", err)
	}
}
