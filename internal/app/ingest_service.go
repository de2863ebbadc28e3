package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nutrisync/internal/domain"
)

// IngestRequest carries either a raw packet or a manual reading.
type IngestRequest struct {
	PacketHex string   `json:"pacote_hex"`
	Weight    *float64 `json:"peso"`
	Unit      string   `json:"unidade"`
	DeviceMAC string   `json:"mac_balanca"`
}

// IngestResult is the outcome of an accepted reading.
type IngestResult struct {
	WeighIn   *domain.PendingWeighIn
	Reading   domain.ParsedReading
	Duplicate bool
}

// IngestOptions tunes physical limits and the dedup window.
type IngestOptions struct {
	MaxGrams    float64
	DedupWindow time.Duration
}

// IngestService turns scale readings into pending weigh-ins.
type IngestService struct {
	repo    domain.WeighInRepository
	limiter domain.RateLimiter
	metrics *Metrics
	audit   AuditSink
	logger  *zap.Logger
	opts    IngestOptions
	now     func() time.Time
}

// NewIngestService creates an IngestService.
func NewIngestService(repo domain.WeighInRepository, limiter domain.RateLimiter, metrics *Metrics, audit AuditSink, logger *zap.Logger, opts IngestOptions) *IngestService {
	if opts.MaxGrams <= 0 {
		opts.MaxGrams = domain.DefaultMaxGrams
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Minute
	}
	return &IngestService{
		repo:    repo,
		limiter: limiter,
		metrics: metrics,
		audit:   audit,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (s *IngestService) WithClock(now func() time.Time) *IngestService {
	s.now = now
	return s
}

// Ingest rate-limits, normalises, validates and stores a reading. A reading
// matching a weigh-in created within the dedup window returns that weigh-in
// with Duplicate set.
func (s *IngestService) Ingest(ctx context.Context, userID string, req IngestRequest) (*IngestResult, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	mac := domain.NormalizeMAC(req.DeviceMAC)

	decision, err := s.limiter.Allow(ctx, domain.RateKey(userID, mac))
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", zap.String("userId", userID), zap.Error(err))
	} else if !decision.Allowed {
		s.metrics.RateLimitHit()
		s.audit.Emit(ctx, AuditEntry{
			Event:   EventWeighInRejected,
			UserID:  userID,
			Details: map[string]any{"motivo": domain.RateLimitCode, "mac_balanca": mac},
		})
		return nil, &domain.RateLimitedError{Code: domain.RateLimitCode, Limit: decision.Limit, RetryAfter: decision.RetryAfter}
	}

	reading, err := s.read(req)
	if err != nil {
		return nil, s.reject(ctx, userID, mac, err)
	}
	if !reading.UnitRecognized {
		s.logger.Warn("unrecognized unit, converting 1:1 to grams",
			zap.String("userId", userID), zap.String("unit", reading.UnitOriginal))
	}
	if err := domain.ValidateWeight(reading.WeightGrams, s.opts.MaxGrams); err != nil {
		return nil, s.reject(ctx, userID, mac, err)
	}

	now := s.now().UTC().Truncate(domain.CursorPrecision)
	var deviceMAC string
	if mac != domain.UnknownDevice {
		deviceMAC = mac
	}
	p := &domain.PendingWeighIn{
		ID:             uuid.NewString(),
		UserID:         userID,
		WeightGrams:    reading.WeightGrams,
		WeightOriginal: reading.WeightOriginal,
		UnitOriginal:   reading.UnitOriginal,
		DeviceMAC:      deviceMAC,
		Stable:         reading.Stable,
		DedupSignature: domain.DedupSignature(userID, reading.WeightGrams, reading.UnitOriginal, mac),
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := s.repo.CreatePendingUnlessDuplicate(ctx, p, now.Add(-s.opts.DedupWindow))
	if err != nil {
		s.metrics.IngestFailed()
		return nil, fmt.Errorf("store weigh-in: %w", err)
	}

	if !created {
		s.metrics.DedupHit()
		s.audit.Emit(ctx, AuditEntry{
			Event:   EventWeighInDuplicate,
			UserID:  userID,
			Details: map[string]any{"pesagem_id": stored.ID, "assinatura": stored.DedupSignature, "pacote_hex": req.PacketHex},
		})
		return &IngestResult{WeighIn: stored, Reading: reading, Duplicate: true}, nil
	}

	s.metrics.IngestSucceeded()
	s.audit.Emit(ctx, AuditEntry{
		Event:  EventWeighInCreated,
		UserID: userID,
		Details: map[string]any{
			"pesagem_id":       stored.ID,
			"peso_gramas":      stored.WeightGrams,
			"unidade_original": stored.UnitOriginal,
			"mac_balanca":      mac,
			"estavel":          stored.Stable,
			"pacote_hex":       req.PacketHex,
		},
	})
	return &IngestResult{WeighIn: stored, Reading: reading}, nil
}

// ListPending returns the user's weigh-ins still awaiting a food.
func (s *IngestService) ListPending(ctx context.Context, userID string) ([]domain.PendingWeighIn, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	return s.repo.ListPending(ctx, userID)
}

func (s *IngestService) read(req IngestRequest) (domain.ParsedReading, error) {
	if strings.TrimSpace(req.PacketHex) != "" {
		return domain.DecodePacket(req.PacketHex)
	}
	hasUnit := strings.TrimSpace(req.Unit) != ""
	switch {
	case req.Weight == nil && !hasUnit:
		return domain.ParsedReading{}, domain.ErrMissingReading
	case req.Weight == nil:
		return domain.ParsedReading{}, &domain.ValidationError{Field: "peso", Message: "informe o peso junto com a unidade"}
	case !hasUnit:
		return domain.ParsedReading{}, &domain.ValidationError{Field: "unidade", Message: "informe a unidade do peso"}
	}
	return domain.ManualReading(*req.Weight, req.Unit), nil
}

func (s *IngestService) reject(ctx context.Context, userID, mac string, err error) error {
	s.metrics.IngestFailed()
	s.audit.Emit(ctx, AuditEntry{
		Event:   EventWeighInRejected,
		UserID:  userID,
		Details: map[string]any{"motivo": err.Error(), "mac_balanca": mac},
	})
	if errors.Is(err, domain.ErrMissingReading) || domain.IsClientError(err) {
		return err
	}
	return fmt.Errorf("ingest: %w", err)
}
