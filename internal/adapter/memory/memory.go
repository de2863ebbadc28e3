// Package memory implements an in-memory repository for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"nutrisync/internal/domain"
)

const tableUsers = "users"

// DB implements an in-memory database storage.
type DB struct {
	mu            sync.Mutex
	tables        map[string]map[string]*domain.Row
	pending       map[string]*domain.PendingWeighIn
	tokenVersions map[string]int
	refreshTokens map[string]*domain.RefreshToken
	externalFoods map[string]domain.Food
	log           []domain.SyncLogEntry
	seenKeys      map[string]bool

	// lastStamp is the newest updated_at handed out per user; viewed is the
	// lastStamp a ViewChanges call last observed.
	lastStamp map[string]time.Time
	viewed    map[string]time.Time

	keys  *keyedMutex
	gates *userGates
}

// New creates a new in-memory database.
func New() *DB {
	return &DB{
		tables:        make(map[string]map[string]*domain.Row),
		pending:       make(map[string]*domain.PendingWeighIn),
		tokenVersions: make(map[string]int),
		refreshTokens: make(map[string]*domain.RefreshToken),
		externalFoods: make(map[string]domain.Food),
		seenKeys:      make(map[string]bool),
		lastStamp:     make(map[string]time.Time),
		viewed:        make(map[string]time.Time),
		keys:          newKeyedMutex(),
		gates:         newUserGates(),
	}
}

// Ensure interfaces are met.
var (
	_ domain.WeighInRepository      = (*DB)(nil)
	_ domain.FoodRepository         = (*DB)(nil)
	_ domain.SyncRepository         = (*DB)(nil)
	_ domain.UserRepository         = (*DB)(nil)
	_ domain.RefreshTokenRepository = (*DB)(nil)
)

func (db *DB) table(name string) map[string]*domain.Row {
	t, ok := db.tables[name]
	if !ok {
		t = make(map[string]*domain.Row)
		db.tables[name] = t
	}
	return t
}

// stampLocked returns the updated_at for a write of userID's row whose
// previous stamp is prev. It is later than prev and than anything a finished
// ViewChanges of userID could have returned. Callers hold db.mu.
func (db *DB) stampLocked(userID string, prev, now time.Time) time.Time {
	floor := prev
	if v := db.viewed[userID]; v.After(floor) {
		floor = v
	}
	t := now.UTC().Truncate(domain.CursorPrecision)
	if !t.After(floor) {
		t = floor.Add(domain.CursorPrecision)
	}
	if t.After(db.lastStamp[userID]) {
		db.lastStamp[userID] = t
	}
	return t
}

func (db *DB) appendLog(e domain.SyncLogEntry) {
	db.log = append(db.log, e)
	if e.IdempotencyKey != "" {
		db.seenKeys[e.UserID+"|"+e.IdempotencyKey] = true
	}
}

func logEntry(userID, table string, action domain.Action, r domain.Row, at time.Time) domain.SyncLogEntry {
	return domain.SyncLogEntry{
		ID:        newID(),
		UserID:    userID,
		TableName: table,
		RecordID:  r.ID,
		Action:    action,
		Payload:   copyData(r.Data),
		SyncedAt:  at,
	}
}

// SyncLog returns the journal entries of userID in append order.
func (db *DB) SyncLog(userID string) []domain.SyncLogEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.SyncLogEntry
	for _, e := range db.log {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// --- WeighInRepository ---

// CreatePendingUnlessDuplicate implements domain.WeighInRepository.
func (db *DB) CreatePendingUnlessDuplicate(_ context.Context, p *domain.PendingWeighIn, since time.Time) (*domain.PendingWeighIn, bool, error) {
	defer db.gates.write(p.UserID)()
	db.mu.Lock()
	defer db.mu.Unlock()

	var dup *domain.PendingWeighIn
	for _, existing := range db.pending {
		if existing.UserID != p.UserID || existing.DedupSignature != p.DedupSignature || existing.IsDeleted() {
			continue
		}
		if existing.CreatedAt.Before(since) {
			continue
		}
		if dup == nil || existing.CreatedAt.After(dup.CreatedAt) {
			dup = existing
		}
	}
	if dup != nil {
		cp := *dup
		return &cp, false, nil
	}

	cp := *p
	cp.CreatedAt = db.stampLocked(cp.UserID, time.Time{}, cp.CreatedAt)
	cp.UpdatedAt = cp.CreatedAt
	db.pending[cp.ID] = &cp
	db.appendLog(logEntry(cp.UserID, domain.TableWeighIns, domain.ActionCreate, cp.Row(), cp.CreatedAt))
	out := cp
	return &out, true, nil
}

// ListPending implements domain.WeighInRepository.
func (db *DB) ListPending(_ context.Context, userID string) ([]domain.PendingWeighIn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []domain.PendingWeighIn
	for _, p := range db.pending {
		if p.UserID == userID && p.Status == domain.StatusPending {
			out = append(out, *p)
		}
	}
	out = domain.LiveOnly(out)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetPending implements domain.WeighInRepository.
func (db *DB) GetPending(_ context.Context, userID, id string) (*domain.PendingWeighIn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	p, ok := db.pending[id]
	if !ok || p.UserID != userID || p.IsDeleted() {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// leavePending is the compare-and-swap shared by associate and discard.
// Callers hold db.mu.
func (db *DB) leavePending(userID, id string, to domain.WeighInStatus, recordID string, now time.Time) (*domain.PendingWeighIn, error) {
	p, ok := db.pending[id]
	if !ok || p.UserID != userID || p.IsDeleted() {
		return nil, domain.ErrNotFound
	}
	if err := p.CheckTransition(to); err != nil {
		return nil, err
	}
	p.Status = to
	p.AssociatedRecordID = recordID
	p.UpdatedAt = db.stampLocked(userID, p.UpdatedAt, now)
	db.appendLog(logEntry(userID, domain.TableWeighIns, domain.ActionUpdate, p.Row(), p.UpdatedAt))
	return p, nil
}

// AssociatePending implements domain.WeighInRepository.
func (db *DB) AssociatePending(_ context.Context, userID, id string, entry *domain.MealEntry, now time.Time) error {
	defer db.gates.write(userID)()
	db.mu.Lock()
	defer db.mu.Unlock()

	p, err := db.leavePending(userID, id, domain.StatusAssociated, entry.ID, now)
	if err != nil {
		return err
	}
	entry.CreatedAt, entry.UpdatedAt = p.UpdatedAt, p.UpdatedAt
	row := entry.Row()
	db.table(domain.TableMealEntries)[row.ID] = &row
	db.appendLog(logEntry(userID, domain.TableMealEntries, domain.ActionCreate, row, p.UpdatedAt))
	return nil
}

// DiscardPending implements domain.WeighInRepository.
func (db *DB) DiscardPending(_ context.Context, userID, id string, now time.Time) error {
	defer db.gates.write(userID)()
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.leavePending(userID, id, domain.StatusCanceled, "", now)
	return err
}

// --- FoodRepository ---

// GetFood implements domain.FoodRepository.
func (db *DB) GetFood(_ context.Context, userID, id string) (*domain.Food, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.table(domain.TableFoods)[id]
	if !ok || r.UserID != userID || r.IsDeleted() {
		return nil, domain.ErrNotFound
	}
	f := domain.FoodFromRow(*r)
	return &f, nil
}

// GetExternalFood implements domain.FoodRepository.
func (db *DB) GetExternalFood(_ context.Context, code string) (*domain.Food, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	f, ok := db.externalFoods[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &f, nil
}

// PutExternalFood adds or replaces an external catalog entry.
func (db *DB) PutExternalFood(_ context.Context, f domain.Food) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	f.Source = domain.SourceExternal
	if f.ID == "" {
		f.ID = f.Code
	}
	db.externalFoods[f.Code] = f
	return nil
}

// --- SyncRepository ---

func (db *DB) rowsOf(def domain.TableDef, userID string, keep func(domain.Row) bool) []domain.Row {
	var out []domain.Row
	if def.Name == domain.TableWeighIns {
		for _, p := range db.pending {
			if r := p.Row(); r.UserID == userID && keep(r) {
				out = append(out, r)
			}
		}
		return out
	}
	for _, r := range db.tables[def.Name] {
		if r.UserID == userID && keep(*r) {
			cp := *r
			cp.Data = copyData(r.Data)
			out = append(out, cp)
		}
	}
	return out
}

// ViewChanges implements domain.SyncRepository.
func (db *DB) ViewChanges(_ context.Context, userID string, fn func(domain.ChangeReader) error) error {
	defer db.gates.read(userID)()
	db.mu.Lock()
	db.viewed[userID] = db.lastStamp[userID]
	db.mu.Unlock()
	return fn(db)
}

// ListChanged implements domain.ChangeReader.
func (db *DB) ListChanged(_ context.Context, def domain.TableDef, userID string, since time.Time, limit int) ([]domain.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := db.rowsOf(def, userID, func(r domain.Row) bool { return r.UpdatedAt.After(since) })
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListChangedAt implements domain.ChangeReader.
func (db *DB) ListChangedAt(_ context.Context, def domain.TableDef, userID string, at time.Time) ([]domain.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := db.rowsOf(def, userID, func(r domain.Row) bool { return r.UpdatedAt.Equal(at) })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LockIdempotencyKey implements domain.SyncRepository.
func (db *DB) LockIdempotencyKey(ctx context.Context, userID, key string) (func(), error) {
	return db.keys.Lock(ctx, userID+"|"+key)
}

// HasIdempotencyKey implements domain.SyncRepository.
func (db *DB) HasIdempotencyKey(_ context.Context, userID, key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.seenKeys[userID+"|"+key], nil
}

// ApplyChange implements domain.SyncRepository.
func (db *DB) ApplyChange(_ context.Context, def domain.TableDef, userID string, ch domain.Change, entry domain.SyncLogEntry) error {
	defer db.gates.write(userID)()
	db.mu.Lock()
	defer db.mu.Unlock()

	now := entry.SyncedAt
	stamped := now
	t := db.table(def.Name)
	r, exists := t[ch.ID]
	if exists && r.UserID != userID {
		return domain.ErrNotFound
	}

	switch ch.Action {
	case domain.ActionCreate:
		if !exists {
			stamped = db.stampLocked(userID, time.Time{}, now)
			t[ch.ID] = &domain.Row{
				ID:        ch.ID,
				UserID:    userID,
				Data:      copyData(ch.Data),
				CreatedAt: stamped,
				UpdatedAt: stamped,
			}
		}
	case domain.ActionUpdate:
		if !exists || r.IsDeleted() {
			return domain.ErrNotFound
		}
		if r.Data == nil {
			r.Data = make(map[string]any, len(ch.Data))
		}
		for k, v := range ch.Data {
			r.Data[k] = v
		}
		stamped = db.stampLocked(userID, r.UpdatedAt, now)
		r.UpdatedAt = stamped
	case domain.ActionDelete:
		if !exists {
			return domain.ErrNotFound
		}
		if !r.IsDeleted() {
			stamped = db.stampLocked(userID, r.UpdatedAt, now)
			at := stamped
			r.DeletedAt = &at
			r.UpdatedAt = stamped
		}
	default:
		return &domain.ValidationError{Field: "action", Message: "ação desconhecida"}
	}

	entry.SyncedAt = stamped
	db.appendLog(entry)
	return nil
}

// --- UserRepository ---

func (db *DB) userLocked(id string) (*domain.User, error) {
	r, ok := db.table(tableUsers)[id]
	if !ok || r.IsDeleted() {
		return nil, domain.ErrNotFound
	}
	return &domain.User{
		ID:           r.ID,
		Name:         stringValue(r.Data["name"]),
		Email:        stringValue(r.Data["email"]),
		TokenVersion: db.tokenVersions[id],
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// GetUser implements domain.UserRepository.
func (db *DB) GetUser(_ context.Context, id string) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.userLocked(id)
}

// EnsureUser implements domain.UserRepository.
func (db *DB) EnsureUser(_ context.Context, id, email string) (*domain.User, error) {
	defer db.gates.write(id)()
	db.mu.Lock()
	defer db.mu.Unlock()

	if u, err := db.userLocked(id); err == nil {
		return u, nil
	}
	now := db.stampLocked(id, time.Time{}, time.Now())
	row := &domain.Row{
		ID:        id,
		UserID:    id,
		Data:      map[string]any{"email": email},
		CreatedAt: now,
		UpdatedAt: now,
	}
	db.table(tableUsers)[id] = row
	db.appendLog(logEntry(id, tableUsers, domain.ActionCreate, *row, now))
	return db.userLocked(id)
}

// BumpTokenVersion implements domain.UserRepository.
func (db *DB) BumpTokenVersion(_ context.Context, id string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.userLocked(id); err != nil {
		return 0, err
	}
	db.tokenVersions[id]++
	return db.tokenVersions[id], nil
}

// --- RefreshTokenRepository ---

// CreateRefreshToken implements domain.RefreshTokenRepository.
func (db *DB) CreateRefreshToken(_ context.Context, t *domain.RefreshToken) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *t
	db.refreshTokens[t.ID] = &cp
	return nil
}

// GetRefreshToken implements domain.RefreshTokenRepository.
func (db *DB) GetRefreshToken(_ context.Context, id string) (*domain.RefreshToken, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.refreshTokens[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// MarkRotated implements domain.RefreshTokenRepository.
func (db *DB) MarkRotated(_ context.Context, id string, at time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.refreshTokens[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.RotatedAt != nil {
		return false, nil
	}
	t.RotatedAt = &at
	return true, nil
}
