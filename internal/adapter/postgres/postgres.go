// Package postgres implements the repository ports on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"nutrisync/internal/domain"
)

// DB wraps a *sqlx.DB and implements domain repository interfaces.
type DB struct {
	db *sqlx.DB
}

// Ensure interfaces are met.
var (
	_ domain.WeighInRepository      = (*DB)(nil)
	_ domain.FoodRepository         = (*DB)(nil)
	_ domain.SyncRepository         = (*DB)(nil)
	_ domain.UserRepository         = (*DB)(nil)
	_ domain.RefreshTokenRepository = (*DB)(nil)
)

// Open connects to PostgreSQL, pings, and runs migrations.
func Open(ctx context.Context, connStr string, maxOpen int) (*DB, error) {
	s, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	s.SetMaxOpenConns(maxOpen)
	s.SetMaxIdleConns(maxOpen / 2)
	s.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.PingContext(pingCtx); err != nil {
		_ = s.Close()
		return nil, err
	}

	d := New(s)
	if err := d.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an open connection pool.
func New(db *sqlx.DB) *DB {
	return &DB{db: db}
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// syncedTable returns the DDL for a table carrying the sync bookkeeping
// columns plus cols.
func syncedTable(name, cols string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			%s,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		);`, name, cols),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user_updated ON %s(user_id, updated_at, id);", name, name),
	}
}

// Migrate creates the schema. It is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT,
			email TEXT,
			locale TEXT,
			token_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		);`,
		"CREATE INDEX IF NOT EXISTS idx_users_updated ON users(updated_at, id);",
	}
	stmts = append(stmts, syncedTable("devices", "name TEXT, mac TEXT, model TEXT")...)
	stmts = append(stmts, syncedTable("body_records", "weight_kg DOUBLE PRECISION, body_fat_pct DOUBLE PRECISION, measured_at TEXT, notes TEXT")...)
	stmts = append(stmts, syncedTable("goals", "kind TEXT, target DOUBLE PRECISION, unit TEXT, starts_on TEXT, ends_on TEXT")...)
	stmts = append(stmts, syncedTable("foods", `name TEXT, brand TEXT, external_code TEXT,
			calories DOUBLE PRECISION, protein DOUBLE PRECISION, carbs DOUBLE PRECISION,
			fat DOUBLE PRECISION, fiber DOUBLE PRECISION, serving_grams DOUBLE PRECISION`)...)
	stmts = append(stmts, syncedTable("food_stock", "food_id TEXT, quantity_grams DOUBLE PRECISION, location TEXT, expires_on TEXT")...)
	stmts = append(stmts, syncedTable("meal_entries", `food_id TEXT, external_code TEXT, food_name TEXT, meal TEXT,
			grams DOUBLE PRECISION, calories DOUBLE PRECISION, protein DOUBLE PRECISION,
			carbs DOUBLE PRECISION, fat DOUBLE PRECISION, fiber DOUBLE PRECISION,
			pending_weigh_in_id TEXT, consumed_at TEXT`)...)
	stmts = append(stmts, syncedTable("pending_weigh_ins", `weight_grams DOUBLE PRECISION NOT NULL CHECK (weight_grams > 0),
			weight_original DOUBLE PRECISION NOT NULL,
			unit_original TEXT NOT NULL,
			device_mac TEXT NOT NULL DEFAULT '',
			stable BOOLEAN NOT NULL DEFAULT FALSE,
			dedup_signature TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('PENDENTE','ASSOCIADA','CANCELADA')),
			associated_record_id TEXT NOT NULL DEFAULT ''`)...)
	stmts = append(stmts,
		"CREATE INDEX IF NOT EXISTS idx_pending_weigh_ins_signature ON pending_weigh_ins(user_id, dedup_signature, created_at);",
		`CREATE TABLE IF NOT EXISTS sync_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('create','update','delete')),
			payload JSONB,
			idempotency_key TEXT,
			client_id TEXT,
			synced_at TIMESTAMPTZ NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_sync_log_idempotency ON sync_log(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;",
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			token_hash TEXT NOT NULL,
			token_version INTEGER NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			rotated_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS external_foods (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			calories DOUBLE PRECISION NOT NULL DEFAULT 0,
			protein DOUBLE PRECISION NOT NULL DEFAULT 0,
			carbs DOUBLE PRECISION NOT NULL DEFAULT 0,
			fat DOUBLE PRECISION NOT NULL DEFAULT 0,
			fiber DOUBLE PRECISION NOT NULL DEFAULT 0
		);`,
	)

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const insertLogSQL = `INSERT INTO sync_log
	(id, user_id, table_name, record_id, action, payload, idempotency_key, client_id, synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func insertLog(ctx context.Context, tx *sqlx.Tx, e domain.SyncLogEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode sync payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, insertLogSQL,
		e.ID, e.UserID, e.TableName, e.RecordID, string(e.Action), payload,
		nullable(e.IdempotencyKey), nullable(e.ClientID), e.SyncedAt)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}
