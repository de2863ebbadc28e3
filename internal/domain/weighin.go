package domain

import (
	"context"
	"time"
)

// WeighInStatus is the state of a pending weigh-in.
type WeighInStatus string

const (
	StatusPending    WeighInStatus = "PENDENTE"
	StatusAssociated WeighInStatus = "ASSOCIADA"
	StatusCanceled   WeighInStatus = "CANCELADA"
)

// TableWeighIns is the sync table that mirrors pending weigh-ins.
const TableWeighIns = "pending_weigh_ins"

// PendingWeighIn is a raw reading awaiting association with a food.
type PendingWeighIn struct {
	ID                 string        `json:"id" db:"id"`
	UserID             string        `json:"userId" db:"user_id"`
	WeightGrams        float64       `json:"weightGrams" db:"weight_grams"`
	WeightOriginal     float64       `json:"weightOriginal" db:"weight_original"`
	UnitOriginal       string        `json:"unitOriginal" db:"unit_original"`
	DeviceMAC          string        `json:"deviceMac,omitempty" db:"device_mac"`
	Stable             bool          `json:"stable" db:"stable"`
	DedupSignature     string        `json:"dedupSignature" db:"dedup_signature"`
	Status             WeighInStatus `json:"status" db:"status"`
	AssociatedRecordID string        `json:"associatedRecordId,omitempty" db:"associated_record_id"`
	CreatedAt          time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time     `json:"updatedAt" db:"updated_at"`
	DeletedAt          *time.Time    `json:"deletedAt,omitempty" db:"deleted_at"`
}

// IsDeleted reports whether the weigh-in was soft deleted.
func (p PendingWeighIn) IsDeleted() bool { return p.DeletedAt != nil }

// CheckTransition returns nil when p may move to the terminal state to.
// Re-associating reports ErrAlreadyAssociated; every other move out of a
// terminal state reports ErrInvalidTransition.
func (p PendingWeighIn) CheckTransition(to WeighInStatus) error {
	switch {
	case p.Status == StatusPending && to != StatusPending:
		return nil
	case p.Status == StatusAssociated && to == StatusAssociated:
		return ErrAlreadyAssociated
	default:
		return ErrInvalidTransition
	}
}

// Row renders the weigh-in as a sync row.
func (p PendingWeighIn) Row() Row {
	return Row{
		ID:     p.ID,
		UserID: p.UserID,
		Data: map[string]any{
			"weight_grams":         p.WeightGrams,
			"weight_original":      p.WeightOriginal,
			"unit_original":        p.UnitOriginal,
			"device_mac":           p.DeviceMAC,
			"stable":               p.Stable,
			"dedup_signature":      p.DedupSignature,
			"status":               string(p.Status),
			"associated_record_id": p.AssociatedRecordID,
		},
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		DeletedAt: p.DeletedAt,
	}
}

// WeighInRepository is the port for pending weigh-in persistence. Every
// mutating method appends the matching sync log entries in the same unit of
// work, and stamps created_at/updated_at itself under the same rules as
// SyncRepository; the timestamps callers pass are lower bounds at most.
type WeighInRepository interface {
	// CreatePendingUnlessDuplicate stores p unless a live weigh-in with the
	// same signature was created at or after since, in which case that one is
	// returned with created=false.
	CreatePendingUnlessDuplicate(ctx context.Context, p *PendingWeighIn, since time.Time) (*PendingWeighIn, bool, error)
	ListPending(ctx context.Context, userID string) ([]PendingWeighIn, error)
	// GetPending returns a weigh-in of userID in any state.
	GetPending(ctx context.Context, userID, id string) (*PendingWeighIn, error)
	// AssociatePending moves the weigh-in from PENDENTE to ASSOCIADA with a
	// single conditional update and inserts entry, setting its timestamps.
	// Losers get
	// ErrAlreadyAssociated, ErrInvalidTransition or ErrNotFound.
	AssociatePending(ctx context.Context, userID, id string, entry *MealEntry, now time.Time) error
	// DiscardPending moves the weigh-in from PENDENTE to CANCELADA.
	DiscardPending(ctx context.Context, userID, id string, now time.Time) error
}
