package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"nutrisync/internal/domain"
)

func selectCols(def domain.TableDef) string {
	cols := []string{"id", quote(def.OwnerColumn) + " AS owner_id", "created_at", "updated_at", "deleted_at"}
	for _, c := range def.Columns {
		cols = append(cols, quote(c))
	}
	return strings.Join(cols, ", ")
}

func queryRows(ctx context.Context, q sqlx.QueryerContext, def domain.TableDef, query string, args ...any) ([]domain.Row, error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		m := make(map[string]any, len(def.Columns)+5)
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		out = append(out, rowFromMap(def, m))
	}
	return out, rows.Err()
}

func rowFromMap(def domain.TableDef, m map[string]any) domain.Row {
	r := domain.Row{
		ID:        textOf(m["id"]),
		UserID:    textOf(m["owner_id"]),
		CreatedAt: timeOf(m["created_at"]),
		UpdatedAt: timeOf(m["updated_at"]),
		Data:      make(map[string]any, len(def.Columns)),
	}
	if t, ok := m["deleted_at"].(time.Time); ok {
		t = t.UTC()
		r.DeletedAt = &t
	}
	for _, c := range def.Columns {
		v := m[c]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		r.Data[c] = v
	}
	return r
}

func textOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func timeOf(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return time.Time{}
}

func changesLockKey(userID string) string { return "sync|" + userID }

// lockWriter takes the user's change lock for the rest of tx and returns the
// stamp for the rows tx writes. The stamp is read after the lock is held, so
// it is later than every row a finished ViewChanges returned.
func lockWriter(ctx context.Context, tx *sqlx.Tx, userID string) (time.Time, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, changesLockKey(userID)); err != nil {
		return time.Time{}, fmt.Errorf("lock changes: %w", err)
	}
	var now time.Time
	if err := tx.GetContext(ctx, &now, `SELECT clock_timestamp()`); err != nil {
		return time.Time{}, err
	}
	return now.UTC().Truncate(domain.CursorPrecision), nil
}

type changeReader struct {
	q sqlx.QueryerContext
}

func (r changeReader) ListChanged(ctx context.Context, def domain.TableDef, userID string, since time.Time, limit int) ([]domain.Row, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 AND updated_at > $2 ORDER BY updated_at, id LIMIT $3`,
		selectCols(def), quote(def.Name), quote(def.OwnerColumn))
	return queryRows(ctx, r.q, def, q, userID, since, limit)
}

func (r changeReader) ListChangedAt(ctx context.Context, def domain.TableDef, userID string, at time.Time) ([]domain.Row, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 AND updated_at = $2 ORDER BY id`,
		selectCols(def), quote(def.Name), quote(def.OwnerColumn))
	return queryRows(ctx, r.q, def, q, userID, at)
}

// ViewChanges runs fn in one transaction holding the user's change lock in
// shared mode, so writers of that user wait until fn returns.
func (d *DB) ViewChanges(ctx context.Context, userID string, fn func(domain.ChangeReader) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock_shared(hashtext($1))`, changesLockKey(userID)); err != nil {
		return fmt.Errorf("lock changes: %w", err)
	}
	if err := fn(changeReader{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// LockIdempotencyKey holds a session advisory lock on a dedicated
// connection until the returned func is called.
func (d *DB) LockIdempotencyKey(ctx context.Context, userID, key string) (func(), error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	lockKey := userID + "|" + key
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, lockKey); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, lockKey)
		_ = conn.Close()
	}, nil
}

// HasIdempotencyKey implements domain.SyncRepository.
func (d *DB) HasIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	var seen bool
	err := d.db.GetContext(ctx, &seen,
		`SELECT EXISTS (SELECT 1 FROM sync_log WHERE user_id = $1 AND idempotency_key = $2)`, userID, key)
	return seen, err
}

// ApplyChange implements domain.SyncRepository.
func (d *DB) ApplyChange(ctx context.Context, def domain.TableDef, userID string, ch domain.Change, entry domain.SyncLogEntry) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now, err := lockWriter(ctx, tx, userID)
	if err != nil {
		return err
	}
	entry.SyncedAt = now
	table, owner := quote(def.Name), quote(def.OwnerColumn)
	keys := make([]string, 0, len(ch.Data))
	for k := range ch.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch ch.Action {
	case domain.ActionCreate:
		cols := []string{"id"}
		args := []any{ch.ID}
		if def.OwnerColumn != "id" {
			cols = append(cols, owner)
			args = append(args, userID)
		}
		cols = append(cols, "created_at", "updated_at")
		args = append(args, now, now)
		for _, k := range keys {
			cols = append(cols, quote(k))
			args = append(args, ch.Data[k])
		}
		q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
			table, strings.Join(cols, ", "), placeholders(1, len(args)))
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var existingOwner string
			if err := tx.GetContext(ctx, &existingOwner,
				fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, owner, table), ch.ID); err != nil {
				return err
			}
			if existingOwner != userID {
				return domain.ErrNotFound
			}
		}

	case domain.ActionUpdate:
		sets := make([]string, 0, len(keys)+1)
		args := make([]any, 0, len(keys)+3)
		for i, k := range keys {
			sets = append(sets, fmt.Sprintf("%s = $%d", quote(k), i+1))
			args = append(args, ch.Data[k])
		}
		n := len(args)
		sets = append(sets, fmt.Sprintf("updated_at = GREATEST($%d, updated_at + interval '1 microsecond')", n+1))
		args = append(args, now, ch.ID, userID)
		q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d AND %s = $%d AND %s`,
			table, strings.Join(sets, ", "), n+2, owner, n+3, domain.NotDeletedSQL)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return domain.ErrNotFound
		}

	case domain.ActionDelete:
		q := fmt.Sprintf(`UPDATE %s SET deleted_at = $1, updated_at = GREATEST($1, updated_at + interval '1 microsecond')
			WHERE id = $2 AND %s = $3 AND %s`, table, owner, domain.NotDeletedSQL)
		res, err := tx.ExecContext(ctx, q, now, ch.ID, userID)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists,
				fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND %s = $2)`, table, owner),
				ch.ID, userID); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
		}

	default:
		return &domain.ValidationError{Field: "action", Message: "ação desconhecida"}
	}

	if err := insertLog(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}
