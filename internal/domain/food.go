package domain

import (
	"context"
	"time"
)

const (
	TableFoods       = "foods"
	TableMealEntries = "meal_entries"
)

// Nutrients are macro amounts, either per 100 g or absolute.
type Nutrients struct {
	Calories float64 `json:"calorias"`
	Protein  float64 `json:"proteinas"`
	Carbs    float64 `json:"carboidratos"`
	Fat      float64 `json:"gorduras"`
	Fiber    float64 `json:"fibras"`
}

// ForGrams scales per-100 g nutrients to the given weight.
func (n Nutrients) ForGrams(grams float64) Nutrients {
	f := grams / 100
	return Nutrients{
		Calories: RoundGrams(n.Calories * f),
		Protein:  RoundGrams(n.Protein * f),
		Carbs:    RoundGrams(n.Carbs * f),
		Fat:      RoundGrams(n.Fat * f),
		Fiber:    RoundGrams(n.Fiber * f),
	}
}

// FoodRef points at either a food in the user's own catalog or an entry of
// the shared external catalog.
type FoodRef interface {
	isFoodRef()
}

// CatalogFood references a row of the user's foods table.
type CatalogFood struct{ ID string }

// ExternalFood references the shared external catalog by product code.
type ExternalFood struct{ Code string }

func (CatalogFood) isFoodRef()  {}
func (ExternalFood) isFoodRef() {}

// Food sources.
const (
	SourceCatalog  = "APP"
	SourceExternal = "EXTERNO"
)

// Food is a consumable item with per-100 g nutrients.
type Food struct {
	ID        string     `json:"id" db:"id"`
	Code      string     `json:"codigo,omitempty" db:"code"`
	Name      string     `json:"nome" db:"name"`
	Source    string     `json:"origem" db:"-"`
	Per100g   Nutrients  `json:"por100g" db:"-"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// IsDeleted reports whether the food was soft deleted.
func (f Food) IsDeleted() bool { return f.DeletedAt != nil }

// FoodFromRow reads a foods table row.
func FoodFromRow(r Row) Food {
	return Food{
		ID:     r.ID,
		Code:   stringOf(r.Data["external_code"]),
		Name:   stringOf(r.Data["name"]),
		Source: SourceCatalog,
		Per100g: Nutrients{
			Calories: numberOf(r.Data["calories"]),
			Protein:  numberOf(r.Data["protein"]),
			Carbs:    numberOf(r.Data["carbs"]),
			Fat:      numberOf(r.Data["fat"]),
			Fiber:    numberOf(r.Data["fiber"]),
		},
		DeletedAt: r.DeletedAt,
	}
}

// MealEntry is the domain record produced by associating a weigh-in.
type MealEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	FoodID           string    `json:"alimentoId,omitempty"`
	ExternalCode     string    `json:"codigoExterno,omitempty"`
	FoodName         string    `json:"nome"`
	Meal             string    `json:"refeicao,omitempty"`
	Grams            float64   `json:"gramas"`
	Macros           Nutrients `json:"macros"`
	PendingWeighInID string    `json:"pesagemId"`
	ConsumedAt       time.Time `json:"consumidoEm"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Row renders the entry as a sync row.
func (m MealEntry) Row() Row {
	return Row{
		ID:     m.ID,
		UserID: m.UserID,
		Data: map[string]any{
			"food_id":             m.FoodID,
			"external_code":       m.ExternalCode,
			"food_name":           m.FoodName,
			"meal":                m.Meal,
			"grams":               m.Grams,
			"calories":            m.Macros.Calories,
			"protein":             m.Macros.Protein,
			"carbs":               m.Macros.Carbs,
			"fat":                 m.Macros.Fat,
			"fiber":               m.Macros.Fiber,
			"pending_weigh_in_id": m.PendingWeighInID,
			"consumed_at":         m.ConsumedAt.UTC().Format(time.RFC3339Nano),
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// FoodRepository resolves food references. Soft-deleted foods are not found.
type FoodRepository interface {
	GetFood(ctx context.Context, userID, id string) (*Food, error)
	GetExternalFood(ctx context.Context, code string) (*Food, error)
}
