package postgres

import (
	"context"
	"database/sql"
	"errors"

	"nutrisync/internal/domain"
)

type foodRow struct {
	ID       string  `db:"id"`
	Code     string  `db:"code"`
	Name     string  `db:"name"`
	Calories float64 `db:"calories"`
	Protein  float64 `db:"protein"`
	Carbs    float64 `db:"carbs"`
	Fat      float64 `db:"fat"`
	Fiber    float64 `db:"fiber"`
}

func (r foodRow) food(source string) *domain.Food {
	return &domain.Food{
		ID:      r.ID,
		Code:    r.Code,
		Name:    r.Name,
		Source:  source,
		Per100g: domain.Nutrients{Calories: r.Calories, Protein: r.Protein, Carbs: r.Carbs, Fat: r.Fat, Fiber: r.Fiber},
	}
}

// GetFood returns a live food of the user's catalog.
func (d *DB) GetFood(ctx context.Context, userID, id string) (*domain.Food, error) {
	var r foodRow
	err := d.db.GetContext(ctx, &r, `SELECT id, COALESCE(external_code, '') AS code, COALESCE(name, '') AS name,
		COALESCE(calories, 0) AS calories, COALESCE(protein, 0) AS protein, COALESCE(carbs, 0) AS carbs,
		COALESCE(fat, 0) AS fat, COALESCE(fiber, 0) AS fiber
		FROM foods WHERE id = $1 AND user_id = $2 AND `+domain.NotDeletedSQL, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.food(domain.SourceCatalog), nil
}

// GetExternalFood returns an entry of the shared external catalog.
func (d *DB) GetExternalFood(ctx context.Context, code string) (*domain.Food, error) {
	var r foodRow
	err := d.db.GetContext(ctx, &r, `SELECT code AS id, code, name, calories, protein, carbs, fat, fiber
		FROM external_foods WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.food(domain.SourceExternal), nil
}

// PutExternalFood upserts an external catalog entry.
func (d *DB) PutExternalFood(ctx context.Context, f domain.Food) error {
	_, err := d.db.NamedExecContext(ctx, `INSERT INTO external_foods (code, name, calories, protein, carbs, fat, fiber)
		VALUES (:code, :name, :calories, :protein, :carbs, :fat, :fiber)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, calories = EXCLUDED.calories,
		protein = EXCLUDED.protein, carbs = EXCLUDED.carbs, fat = EXCLUDED.fat, fiber = EXCLUDED.fiber`,
		foodRow{
			Code: f.Code, Name: f.Name,
			Calories: f.Per100g.Calories, Protein: f.Per100g.Protein, Carbs: f.Per100g.Carbs,
			Fat: f.Per100g.Fat, Fiber: f.Per100g.Fiber,
		})
	return err
}
