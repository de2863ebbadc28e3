package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nutrisync/internal/domain"
)

// AssociateRequest links a weigh-in to a food.
type AssociateRequest struct {
	Food       domain.FoodRef
	Meal       string
	ConsumedAt time.Time
}

// WeighInService drives pending weigh-ins to a terminal state.
type WeighInService struct {
	weighIns domain.WeighInRepository
	foods    domain.FoodRepository
	metrics  *Metrics
	audit    AuditSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewWeighInService creates a WeighInService.
func NewWeighInService(weighIns domain.WeighInRepository, foods domain.FoodRepository, metrics *Metrics, audit AuditSink, logger *zap.Logger) *WeighInService {
	return &WeighInService{
		weighIns: weighIns,
		foods:    foods,
		metrics:  metrics,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *WeighInService) WithClock(now func() time.Time) *WeighInService {
	s.now = now
	return s
}

// Associate consumes a PENDENTE weigh-in, creating a meal entry whose macros
// are proportional to the weighed grams. Of two concurrent calls on the same
// weigh-in exactly one succeeds; the other gets ErrAlreadyAssociated.
func (s *WeighInService) Associate(ctx context.Context, userID, pendingID string, req AssociateRequest) (*domain.MealEntry, error) {
	start := time.Now()
	entry, err := s.associate(ctx, userID, pendingID, req)
	if err != nil {
		s.metrics.AssociateFailed()
		s.audit.Emit(ctx, AuditEntry{
			Event:   EventWeighInAssocFailed,
			UserID:  userID,
			Details: map[string]any{"pesagem_id": pendingID, "motivo": err.Error()},
		})
		return nil, err
	}
	s.metrics.AssociateSucceeded(time.Since(start))
	s.audit.Emit(ctx, AuditEntry{
		Event:  EventWeighInAssociated,
		UserID: userID,
		Details: map[string]any{
			"pesagem_id":  pendingID,
			"registro_id": entry.ID,
			"alimento":    entry.FoodName,
			"gramas":      entry.Grams,
		},
	})
	return entry, nil
}

func (s *WeighInService) associate(ctx context.Context, userID, pendingID string, req AssociateRequest) (*domain.MealEntry, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	p, err := s.weighIns.GetPending(ctx, userID, pendingID)
	if err != nil {
		return nil, err
	}
	if err := p.CheckTransition(domain.StatusAssociated); err != nil {
		return nil, err
	}

	food, err := s.resolve(ctx, userID, req.Food)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(domain.CursorPrecision)
	consumedAt := req.ConsumedAt
	if consumedAt.IsZero() {
		consumedAt = now
	}
	entry := &domain.MealEntry{
		ID:               uuid.NewString(),
		UserID:           userID,
		FoodName:         food.Name,
		Meal:             req.Meal,
		Grams:            p.WeightGrams,
		Macros:           food.Per100g.ForGrams(p.WeightGrams),
		PendingWeighInID: p.ID,
		ConsumedAt:       consumedAt.UTC(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if food.Source == domain.SourceExternal {
		entry.ExternalCode = food.Code
	} else {
		entry.FoodID = food.ID
	}

	if err := s.weighIns.AssociatePending(ctx, userID, pendingID, entry, now); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *WeighInService) resolve(ctx context.Context, userID string, ref domain.FoodRef) (*domain.Food, error) {
	var (
		food *domain.Food
		err  error
	)
	switch r := ref.(type) {
	case domain.CatalogFood:
		food, err = s.foods.GetFood(ctx, userID, r.ID)
	case domain.ExternalFood:
		food, err = s.foods.GetExternalFood(ctx, r.Code)
	default:
		return nil, &domain.ValidationError{Field: "alimento", Message: "informe alimento_id ou codigo_externo"}
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.ValidationError{Field: "alimento", Message: "alimento não encontrado"}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve food: %w", err)
	}
	return food, nil
}

// Discard cancels a PENDENTE weigh-in.
func (s *WeighInService) Discard(ctx context.Context, userID, pendingID string) error {
	err := domain.ErrUnauthenticated
	if userID != "" {
		err = s.weighIns.DiscardPending(ctx, userID, pendingID, s.now().UTC().Truncate(domain.CursorPrecision))
	}
	if err != nil {
		s.metrics.DiscardFailed()
		s.audit.Emit(ctx, AuditEntry{
			Event:   EventWeighInDiscardFail,
			UserID:  userID,
			Details: map[string]any{"pesagem_id": pendingID, "motivo": err.Error()},
		})
		return err
	}
	s.metrics.DiscardSucceeded()
	s.audit.Emit(ctx, AuditEntry{
		Event:   EventWeighInDiscarded,
		UserID:  userID,
		Details: map[string]any{"pesagem_id": pendingID, "status": string(domain.StatusCanceled)},
	})
	return nil
}
