package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"nutrisync/internal/domain"
)

const weighInCols = `id, user_id, weight_grams, weight_original, unit_original, device_mac, stable,
	dedup_signature, status, associated_record_id, created_at, updated_at, deleted_at`

// CreatePendingUnlessDuplicate serialises writers of one signature with a
// transaction-scoped advisory lock, then inserts unless a recent twin exists.
func (d *DB) CreatePendingUnlessDuplicate(ctx context.Context, p *domain.PendingWeighIn, since time.Time) (*domain.PendingWeighIn, bool, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.DedupSignature); err != nil {
		return nil, false, fmt.Errorf("lock signature: %w", err)
	}
	now, err := lockWriter(ctx, tx, p.UserID)
	if err != nil {
		return nil, false, err
	}

	var existing domain.PendingWeighIn
	err = tx.GetContext(ctx, &existing, `SELECT `+weighInCols+` FROM pending_weigh_ins
		WHERE user_id = $1 AND dedup_signature = $2 AND created_at >= $3 AND `+domain.NotDeletedSQL+`
		ORDER BY created_at DESC LIMIT 1`, p.UserID, p.DedupSignature, since)
	switch {
	case err == nil:
		return &existing, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, err
	}

	cp := *p
	cp.CreatedAt, cp.UpdatedAt = now, now
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO pending_weigh_ins
		(id, user_id, weight_grams, weight_original, unit_original, device_mac, stable,
		 dedup_signature, status, associated_record_id, created_at, updated_at)
		VALUES (:id, :user_id, :weight_grams, :weight_original, :unit_original, :device_mac, :stable,
		 :dedup_signature, :status, :associated_record_id, :created_at, :updated_at)`, &cp); err != nil {
		return nil, false, fmt.Errorf("insert weigh-in: %w", err)
	}
	if err := insertLog(ctx, tx, rowLog(cp.UserID, domain.TableWeighIns, domain.ActionCreate, cp.Row(), now)); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &cp, true, nil
}

// ListPending returns the user's PENDENTE weigh-ins, newest first.
func (d *DB) ListPending(ctx context.Context, userID string) ([]domain.PendingWeighIn, error) {
	var out []domain.PendingWeighIn
	err := d.db.SelectContext(ctx, &out, `SELECT `+weighInCols+` FROM pending_weigh_ins
		WHERE user_id = $1 AND status = $2 AND `+domain.NotDeletedSQL+`
		ORDER BY created_at DESC, id`, userID, string(domain.StatusPending))
	return out, err
}

// GetPending returns one weigh-in of userID.
func (d *DB) GetPending(ctx context.Context, userID, id string) (*domain.PendingWeighIn, error) {
	var p domain.PendingWeighIn
	err := d.db.GetContext(ctx, &p, `SELECT `+weighInCols+` FROM pending_weigh_ins
		WHERE id = $1 AND user_id = $2 AND `+domain.NotDeletedSQL, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// leavePending is a single conditional update guarded on status PENDENTE.
// When it matches nothing, the current row classifies the failure.
func leavePending(ctx context.Context, tx *sqlx.Tx, userID, id string, to domain.WeighInStatus, recordID string, now time.Time) (*domain.PendingWeighIn, error) {
	var p domain.PendingWeighIn
	err := tx.GetContext(ctx, &p, `UPDATE pending_weigh_ins
		SET status = $1, associated_record_id = $2,
		    updated_at = GREATEST($3, updated_at + interval '1 microsecond')
		WHERE id = $4 AND user_id = $5 AND status = $6 AND `+domain.NotDeletedSQL+`
		RETURNING `+weighInCols,
		string(to), recordID, now, id, userID, string(domain.StatusPending))
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var current domain.PendingWeighIn
	err = tx.GetContext(ctx, &current, `SELECT `+weighInCols+` FROM pending_weigh_ins
		WHERE id = $1 AND user_id = $2 AND `+domain.NotDeletedSQL, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := current.CheckTransition(to); err != nil {
		return nil, err
	}
	return nil, domain.ErrConflict
}

// AssociatePending implements domain.WeighInRepository. The database clock
// stamps the rows; now is not used.
func (d *DB) AssociatePending(ctx context.Context, userID, id string, entry *domain.MealEntry, _ time.Time) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now, err := lockWriter(ctx, tx, userID)
	if err != nil {
		return err
	}
	p, err := leavePending(ctx, tx, userID, id, domain.StatusAssociated, entry.ID, now)
	if err != nil {
		return err
	}
	now = p.UpdatedAt.UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now
	row := entry.Row()
	if _, err := tx.ExecContext(ctx, `INSERT INTO meal_entries
		(id, user_id, food_id, external_code, food_name, meal, grams,
		 calories, protein, carbs, fat, fiber, pending_weigh_in_id, consumed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		entry.ID, userID, entry.FoodID, entry.ExternalCode, entry.FoodName, entry.Meal, entry.Grams,
		entry.Macros.Calories, entry.Macros.Protein, entry.Macros.Carbs, entry.Macros.Fat, entry.Macros.Fiber,
		entry.PendingWeighInID, row.Data["consumed_at"], entry.CreatedAt, entry.UpdatedAt); err != nil {
		return fmt.Errorf("insert meal entry: %w", err)
	}
	if err := insertLog(ctx, tx, rowLog(userID, domain.TableWeighIns, domain.ActionUpdate, p.Row(), now)); err != nil {
		return err
	}
	if err := insertLog(ctx, tx, rowLog(userID, domain.TableMealEntries, domain.ActionCreate, row, now)); err != nil {
		return err
	}
	return tx.Commit()
}

// DiscardPending implements domain.WeighInRepository.
func (d *DB) DiscardPending(ctx context.Context, userID, id string, _ time.Time) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now, err := lockWriter(ctx, tx, userID)
	if err != nil {
		return err
	}
	p, err := leavePending(ctx, tx, userID, id, domain.StatusCanceled, "", now)
	if err != nil {
		return err
	}
	if err := insertLog(ctx, tx, rowLog(userID, domain.TableWeighIns, domain.ActionUpdate, p.Row(), now)); err != nil {
		return err
	}
	return tx.Commit()
}

func rowLog(userID, table string, action domain.Action, r domain.Row, at time.Time) domain.SyncLogEntry {
	return domain.SyncLogEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		TableName: table,
		RecordID:  r.ID,
		Action:    action,
		Payload:   r.Data,
		SyncedAt:  at,
	}
}
