package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nutrisync/internal/adapter/memory"
	"nutrisync/internal/app"
	"nutrisync/internal/domain"
)

type mockFoodRepo struct {
	getFn      func(ctx context.Context, userID, id string) (*domain.Food, error)
	externalFn func(ctx context.Context, code string) (*domain.Food, error)
}

func (m *mockFoodRepo) GetFood(ctx context.Context, userID, id string) (*domain.Food, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID, id)
	}
	return nil, domain.ErrNotFound
}

func (m *mockFoodRepo) GetExternalFood(ctx context.Context, code string) (*domain.Food, error) {
	if m.externalFn != nil {
		return m.externalFn(ctx, code)
	}
	return nil, domain.ErrNotFound
}

var rice = &domain.Food{
	ID:      "f1",
	Name:    "Arroz",
	Source:  domain.SourceCatalog,
	Per100g: domain.Nutrients{Calories: 128, Protein: 2.5, Carbs: 28.1, Fat: 0.2, Fiber: 1.6},
}

func pendingRepo(p domain.PendingWeighIn) *mockWeighInRepo {
	return &mockWeighInRepo{
		getFn: func(_ context.Context, userID, id string) (*domain.PendingWeighIn, error) {
			if userID != p.UserID || id != p.ID {
				return nil, domain.ErrNotFound
			}
			cp := p
			return &cp, nil
		},
	}
}

func TestAssociate_CatalogFood(t *testing.T) {
	repo := pendingRepo(domain.PendingWeighIn{ID: "p1", UserID: "u1", WeightGrams: 250, Status: domain.StatusPending})
	var saved *domain.MealEntry
	repo.associateFn = func(_ context.Context, userID, id string, e *domain.MealEntry, _ time.Time) error {
		saved = e
		return nil
	}
	foods := &mockFoodRepo{getFn: func(_ context.Context, userID, id string) (*domain.Food, error) {
		require.Equal(t, "u1", userID)
		require.Equal(t, "f1", id)
		return rice, nil
	}}
	m := app.NewMetrics()
	svc := app.NewWeighInService(repo, foods, m, app.NopAuditSink, zap.NewNop())

	entry, err := svc.Associate(context.Background(), "u1", "p1", app.AssociateRequest{Food: domain.CatalogFood{ID: "f1"}, Meal: "almoco"})
	require.NoError(t, err)
	assert.Same(t, saved, entry)
	assert.Equal(t, "f1", entry.FoodID)
	assert.Empty(t, entry.ExternalCode)
	assert.Equal(t, "p1", entry.PendingWeighInID)
	assert.Equal(t, domain.Nutrients{Calories: 320, Protein: 6.25, Carbs: 70.25, Fat: 0.5, Fiber: 4}, entry.Macros)
	assert.Equal(t, uint64(1), m.Snapshot().AssociateSuccess)
	assert.Equal(t, 1, m.Snapshot().LatencySamples)
}

func TestAssociate_ExternalFood(t *testing.T) {
	repo := pendingRepo(domain.PendingWeighIn{ID: "p1", UserID: "u1", WeightGrams: 50, Status: domain.StatusPending})
	foods := &mockFoodRepo{externalFn: func(_ context.Context, code string) (*domain.Food, error) {
		return &domain.Food{ID: code, Code: code, Name: "Leite", Source: domain.SourceExternal, Per100g: domain.Nutrients{Calories: 61}}, nil
	}}
	svc := app.NewWeighInService(repo, foods, app.NewMetrics(), app.NopAuditSink, zap.NewNop())

	entry, err := svc.Associate(context.Background(), "u1", "p1", app.AssociateRequest{Food: domain.ExternalFood{Code: "7891"}})
	require.NoError(t, err)
	assert.Equal(t, "7891", entry.ExternalCode)
	assert.Empty(t, entry.FoodID)
	assert.Equal(t, 30.5, entry.Macros.Calories)
}

func TestAssociate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.WeighInStatus
		userID  string
		food    domain.FoodRef
		wantErr error
	}{
		{"foreign id", domain.StatusPending, "u2", domain.CatalogFood{ID: "f1"}, domain.ErrNotFound},
		{"already associated", domain.StatusAssociated, "u1", domain.CatalogFood{ID: "f1"}, domain.ErrAlreadyAssociated},
		{"canceled", domain.StatusCanceled, "u1", domain.CatalogFood{ID: "f1"}, domain.ErrInvalidTransition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := pendingRepo(domain.PendingWeighIn{ID: "p1", UserID: "u1", WeightGrams: 10, Status: tc.status})
			m := app.NewMetrics()
			svc := app.NewWeighInService(repo, &mockFoodRepo{}, m, app.NopAuditSink, zap.NewNop())
			_, err := svc.Associate(context.Background(), tc.userID, "p1", app.AssociateRequest{Food: tc.food})
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, uint64(1), m.Snapshot().AssociateError)
		})
	}

	t.Run("unknown food", func(t *testing.T) {
		repo := pendingRepo(domain.PendingWeighIn{ID: "p1", UserID: "u1", WeightGrams: 10, Status: domain.StatusPending})
		svc := app.NewWeighInService(repo, &mockFoodRepo{}, app.NewMetrics(), app.NopAuditSink, zap.NewNop())
		_, err := svc.Associate(context.Background(), "u1", "p1", app.AssociateRequest{Food: domain.CatalogFood{ID: "nope"}})
		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("missing food ref", func(t *testing.T) {
		repo := pendingRepo(domain.PendingWeighIn{ID: "p1", UserID: "u1", WeightGrams: 10, Status: domain.StatusPending})
		svc := app.NewWeighInService(repo, &mockFoodRepo{}, app.NewMetrics(), app.NopAuditSink, zap.NewNop())
		_, err := svc.Associate(context.Background(), "u1", "p1", app.AssociateRequest{})
		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("lost race at the store", func(t *testing.T) {
		repo := pendingRepo(domain.PendingWeighIn{ID: "p1", UserID: "u1", WeightGrams: 10, Status: domain.StatusPending})
		repo.associateFn = func(context.Context, string, string, *domain.MealEntry, time.Time) error {
			return domain.ErrAlreadyAssociated
		}
		foods := &mockFoodRepo{getFn: func(context.Context, string, string) (*domain.Food, error) { return rice, nil }}
		svc := app.NewWeighInService(repo, foods, app.NewMetrics(), app.NopAuditSink, zap.NewNop())
		_, err := svc.Associate(context.Background(), "u1", "p1", app.AssociateRequest{Food: domain.CatalogFood{ID: "f1"}})
		assert.ErrorIs(t, err, domain.ErrAlreadyAssociated)
	})
}

func TestDiscard(t *testing.T) {
	repo := &mockWeighInRepo{discardFn: func(_ context.Context, userID, id string, _ time.Time) error {
		if id == "assoc" {
			return domain.ErrInvalidTransition
		}
		return nil
	}}
	m := app.NewMetrics()
	audit := &recordingAudit{}
	svc := app.NewWeighInService(repo, &mockFoodRepo{}, m, audit, zap.NewNop())

	require.NoError(t, svc.Discard(context.Background(), "u1", "p1"))
	assert.ErrorIs(t, svc.Discard(context.Background(), "u1", "assoc"), domain.ErrInvalidTransition)
	assert.ErrorIs(t, svc.Discard(context.Background(), "", "p1"), domain.ErrUnauthenticated)

	s := m.Snapshot()
	assert.Equal(t, uint64(1), s.DiscardSuccess)
	assert.Equal(t, uint64(2), s.DiscardError)
	assert.Equal(t, []string{app.EventWeighInDiscarded, app.EventWeighInDiscardFail, app.EventWeighInDiscardFail}, audit.events())
}

func TestAssociate_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		db := memory.New()
		ctx := context.Background()
		ingest, _, _ := newIngest(db, app.NewMemoryRateLimiter(10, time.Minute))
		res, err := ingest.Ingest(ctx, "u1", app.IngestRequest{Weight: ptr(250), Unit: "g"})
		require.NoError(t, err)
		require.NoError(t, db.PutExternalFood(ctx, domain.Food{Code: "7891", Name: "Leite", Per100g: domain.Nutrients{Calories: 61}}))

		svc := app.NewWeighInService(db, db, app.NewMetrics(), app.NopAuditSink, zap.NewNop())
		const racers = 2
		errs := make([]error, racers)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = svc.Associate(ctx, "u1", res.WeighIn.ID, app.AssociateRequest{Food: domain.ExternalFood{Code: "7891"}})
			}(i)
		}
		close(start)
		wg.Wait()

		var wins, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrAlreadyAssociated):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, wins)
		require.Equal(t, 1, conflicts)

		p, err := db.GetPending(ctx, "u1", res.WeighIn.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAssociated, p.Status)

		meals, err := db.ListChanged(ctx, domain.TableDef{Name: domain.TableMealEntries}, "u1", time.Time{}, 10)
		require.NoError(t, err)
		require.Len(t, meals, 1)
		assert.Equal(t, p.AssociatedRecordID, meals[0].ID)
	}
}
