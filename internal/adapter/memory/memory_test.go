package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"nutrisync/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPending(id, user, sig string, at time.Time) *domain.PendingWeighIn {
	return &domain.PendingWeighIn{
		ID:             id,
		UserID:         user,
		WeightGrams:    250,
		UnitOriginal:   "g",
		DedupSignature: sig,
		Status:         domain.StatusPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestCreatePendingUnlessDuplicate(t *testing.T) {
	db := New()
	ctx := context.Background()

	got, created, err := db.CreatePendingUnlessDuplicate(ctx, newPending("p1", "u1", "u1:250:g:UNKNOWN", t0), t0.Add(-time.Minute))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if got.ID != "p1" {
		t.Fatalf("unexpected id %s", got.ID)
	}

	// Same signature within the window.
	got, created, err = db.CreatePendingUnlessDuplicate(ctx, newPending("p2", "u1", "u1:250:g:UNKNOWN", t0.Add(30*time.Second)), t0.Add(-30*time.Second))
	if err != nil || created {
		t.Fatalf("duplicate: created=%v err=%v", created, err)
	}
	if got.ID != "p1" {
		t.Errorf("expected existing p1, got %s", got.ID)
	}

	// Other user, same weight.
	_, created, _ = db.CreatePendingUnlessDuplicate(ctx, newPending("p3", "u2", "u2:250:g:UNKNOWN", t0), t0.Add(-time.Minute))
	if !created {
		t.Error("expected a row for another user")
	}

	// Window elapsed.
	_, created, _ = db.CreatePendingUnlessDuplicate(ctx, newPending("p4", "u1", "u1:250:g:UNKNOWN", t0.Add(2*time.Minute)), t0.Add(time.Minute))
	if !created {
		t.Error("expected a new row after the window")
	}

	pending, _ := db.ListPending(ctx, "u1")
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending for u1, got %d", len(pending))
	}
	if pending[0].ID != "p4" {
		t.Errorf("expected newest first, got %s", pending[0].ID)
	}
	if n := len(db.SyncLog("u1")); n != 2 {
		t.Errorf("expected 2 log entries, got %d", n)
	}
}

func TestAssociateAndDiscardTransitions(t *testing.T) {
	db := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := db.CreatePendingUnlessDuplicate(ctx, newPending(id, "u1", id, t0), t0); err != nil {
			t.Fatal(err)
		}
	}
	entry := &domain.MealEntry{ID: "m1", UserID: "u1", FoodName: "Arroz", Grams: 250, PendingWeighInID: "a", CreatedAt: t0, UpdatedAt: t0}

	if err := db.AssociatePending(ctx, "u2", "a", entry, t0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign associate: got %v", err)
	}
	if err := db.AssociatePending(ctx, "u1", "a", entry, t0); err != nil {
		t.Fatalf("associate: %v", err)
	}
	if err := db.AssociatePending(ctx, "u1", "a", entry, t0); !errors.Is(err, domain.ErrAlreadyAssociated) {
		t.Errorf("second associate: got %v", err)
	}
	if err := db.DiscardPending(ctx, "u1", "a", t0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("discard associated: got %v", err)
	}

	if err := db.DiscardPending(ctx, "u1", "b", t0); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := db.AssociatePending(ctx, "u1", "b", entry, t0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("associate canceled: got %v", err)
	}
	if err := db.DiscardPending(ctx, "u1", "missing", t0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("discard missing: got %v", err)
	}

	p, _ := db.GetPending(ctx, "u1", "a")
	if p.Status != domain.StatusAssociated || p.AssociatedRecordID != "m1" {
		t.Errorf("unexpected state %+v", p)
	}
	if !p.UpdatedAt.After(t0) {
		t.Errorf("updated_at must advance, got %v", p.UpdatedAt)
	}
	if pending, _ := db.ListPending(ctx, "u1"); len(pending) != 0 {
		t.Errorf("expected no pending weigh-ins, got %d", len(pending))
	}

	meals, _ := db.ListChanged(ctx, domain.TableDef{Name: domain.TableMealEntries}, "u1", time.Time{}, 10)
	if len(meals) != 1 || meals[0].ID != "m1" {
		t.Fatalf("expected meal entry m1, got %+v", meals)
	}
}

func TestApplyChange(t *testing.T) {
	db := New()
	ctx := context.Background()
	def := domain.TableDef{Name: "devices", OwnerColumn: "user_id", Columns: []string{"name"}}
	entry := func(at time.Time) domain.SyncLogEntry {
		return domain.SyncLogEntry{ID: newID(), UserID: "u1", SyncedAt: at, IdempotencyKey: "k1"}
	}
	create := domain.Change{Table: "devices", Action: domain.ActionCreate, ID: "d1", Data: map[string]any{"name": "balança"}}

	if err := db.ApplyChange(ctx, def, "u1", create, entry(t0)); err != nil {
		t.Fatal(err)
	}
	// Replayed create is a no-op.
	if err := db.ApplyChange(ctx, def, "u1", create, entry(t0.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	rows, _ := db.ListChanged(ctx, def, "u1", time.Time{}, 10)
	if len(rows) != 1 || !rows[0].UpdatedAt.Equal(t0) {
		t.Fatalf("unexpected rows after replayed create: %+v", rows)
	}

	// Foreign user cannot touch the row.
	upd := domain.Change{Table: "devices", Action: domain.ActionUpdate, ID: "d1", Data: map[string]any{"name": "x"}}
	if err := db.ApplyChange(ctx, def, "u2", upd, entry(t0)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign update: got %v", err)
	}

	// Update within the same microsecond still advances updated_at.
	if err := db.ApplyChange(ctx, def, "u1", upd, entry(t0)); err != nil {
		t.Fatal(err)
	}
	rows, _ = db.ListChanged(ctx, def, "u1", t0, 10)
	if len(rows) != 1 || rows[0].Data["name"] != "x" {
		t.Fatalf("update not visible after cursor: %+v", rows)
	}

	del := domain.Change{Table: "devices", Action: domain.ActionDelete, ID: "d1"}
	for i := 0; i < 2; i++ {
		if err := db.ApplyChange(ctx, def, "u1", del, entry(t0.Add(time.Minute))); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if err := db.ApplyChange(ctx, def, "u1", upd, entry(t0.Add(time.Hour))); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("update of deleted row: got %v", err)
	}
	missing := domain.Change{Table: "devices", Action: domain.ActionDelete, ID: "nope"}
	if err := db.ApplyChange(ctx, def, "u1", missing, entry(t0)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("delete missing: got %v", err)
	}

	rows, _ = db.ListChanged(ctx, def, "u1", time.Time{}, 10)
	if len(rows) != 1 || !rows[0].IsDeleted() {
		t.Fatalf("expected soft-deleted row, got %+v", rows)
	}
	if seen, _ := db.HasIdempotencyKey(ctx, "u1", "k1"); !seen {
		t.Error("expected idempotency key to be recorded")
	}
	if seen, _ := db.HasIdempotencyKey(ctx, "u2", "k1"); seen {
		t.Error("idempotency keys are scoped per user")
	}
}

func TestListChangedOrderingAndTies(t *testing.T) {
	db := New()
	ctx := context.Background()
	def := domain.TableDef{Name: "goals", OwnerColumn: "user_id"}
	for i, id := range []string{"c", "a", "b", "d"} {
		at := t0
		if i == 3 {
			at = t0.Add(time.Second)
		}
		ch := domain.Change{Table: "goals", Action: domain.ActionCreate, ID: id}
		if err := db.ApplyChange(ctx, def, "u1", ch, domain.SyncLogEntry{UserID: "u1", SyncedAt: at}); err != nil {
			t.Fatal(err)
		}
	}

	rows, _ := db.ListChanged(ctx, def, "u1", time.Time{}, 3)
	got := []string{rows[0].ID, rows[1].ID, rows[2].ID}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected (updated_at, id) order, got %v", got)
	}

	tie, _ := db.ListChangedAt(ctx, def, "u1", t0)
	if len(tie) != 3 {
		t.Errorf("expected 3 rows at t0, got %d", len(tie))
	}
}

func TestLockIdempotencyKey(t *testing.T) {
	db := New()
	ctx := context.Background()

	unlock, err := db.LockIdempotencyKey(ctx, "u1", "k")
	if err != nil {
		t.Fatal(err)
	}

	// Another key is independent.
	other, err := db.LockIdempotencyKey(ctx, "u2", "k")
	if err != nil {
		t.Fatal(err)
	}
	other()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := db.LockIdempotencyKey(cctx, "u1", "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout while held, got %v", err)
	}

	unlock()
	unlock()
	again, err := db.LockIdempotencyKey(ctx, "u1", "k")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
	if n := len(db.keys.locks); n != 0 {
		t.Errorf("expected lock table to drain, got %d", n)
	}
}

func TestUsersAndRefreshTokens(t *testing.T) {
	db := New()
	ctx := context.Background()

	if _, err := db.GetUser(ctx, "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	u, err := db.EnsureUser(ctx, "u1", "ana@example.com")
	if err != nil || u.Email != "ana@example.com" || u.TokenVersion != 0 {
		t.Fatalf("EnsureUser: %+v %v", u, err)
	}
	if v, _ := db.BumpTokenVersion(ctx, "u1"); v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}
	u, _ = db.EnsureUser(ctx, "u1", "other@example.com")
	if u.TokenVersion != 1 || u.Email != "ana@example.com" {
		t.Errorf("EnsureUser must not overwrite: %+v", u)
	}

	if err := db.CreateRefreshToken(ctx, &domain.RefreshToken{ID: "r1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.MarkRotated(ctx, "r1", t0); !ok {
		t.Error("first rotation should win")
	}
	if ok, _ := db.MarkRotated(ctx, "r1", t0); ok {
		t.Error("second rotation should lose")
	}
}

func TestFoods(t *testing.T) {
	db := New()
	ctx := context.Background()
	def := domain.TableDef{Name: domain.TableFoods, OwnerColumn: "user_id"}
	ch := domain.Change{Table: domain.TableFoods, Action: domain.ActionCreate, ID: "f1", Data: map[string]any{
		"name": "Aveia", "calories": 389.0, "protein": 16.9,
	}}
	if err := db.ApplyChange(ctx, def, "u1", ch, domain.SyncLogEntry{UserID: "u1", SyncedAt: t0}); err != nil {
		t.Fatal(err)
	}

	f, err := db.GetFood(ctx, "u1", "f1")
	if err != nil || f.Name != "Aveia" || f.Per100g.Calories != 389 {
		t.Fatalf("GetFood: %+v %v", f, err)
	}
	if _, err := db.GetFood(ctx, "u2", "f1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign food: got %v", err)
	}

	del := domain.Change{Table: domain.TableFoods, Action: domain.ActionDelete, ID: "f1"}
	_ = db.ApplyChange(ctx, def, "u1", del, domain.SyncLogEntry{UserID: "u1", SyncedAt: t0})
	if _, err := db.GetFood(ctx, "u1", "f1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted food: got %v", err)
	}

	_ = db.PutExternalFood(ctx, domain.Food{Code: "789", Name: "Leite"})
	ext, err := db.GetExternalFood(ctx, "789")
	if err != nil || ext.Source != domain.SourceExternal {
		t.Fatalf("GetExternalFood: %+v %v", ext, err)
	}
}

func TestViewChangesHoldsOffWriters(t *testing.T) {
	db := New()
	ctx := context.Background()
	def := domain.TableDef{Name: "devices", OwnerColumn: "user_id", Columns: []string{"name"}}
	apply := func(id string, at time.Time) error {
		ch := domain.Change{Table: "devices", Action: domain.ActionCreate, ID: id}
		return db.ApplyChange(ctx, def, "u1", ch, domain.SyncLogEntry{UserID: "u1", SyncedAt: at})
	}
	if err := apply("b", t0.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}

	inView := make(chan struct{})
	release := make(chan struct{})
	viewDone := make(chan error, 1)
	go func() {
		viewDone <- db.ViewChanges(ctx, "u1", func(rd domain.ChangeReader) error {
			close(inView)
			<-release
			rows, err := rd.ListChanged(ctx, def, "u1", time.Time{}, 10)
			if err == nil && len(rows) != 1 {
				t.Errorf("view saw %d rows, want 1", len(rows))
			}
			return err
		})
	}()
	<-inView

	// A writer whose clock lags behind the view.
	written := make(chan error, 1)
	go func() { written <- apply("a", t0.Add(time.Second)) }()
	select {
	case <-written:
		t.Fatal("writer did not wait for the open view")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-viewDone; err != nil {
		t.Fatal(err)
	}
	if err := <-written; err != nil {
		t.Fatal(err)
	}

	rows, _ := db.ListChanged(ctx, def, "u1", t0.Add(2*time.Second), 10)
	if len(rows) != 1 || rows[0].ID != "a" {
		t.Fatalf("late write must sort after the viewed rows, got %+v", rows)
	}
}

func TestStampsKeepTiesWithoutViews(t *testing.T) {
	db := New()
	ctx := context.Background()
	def := domain.TableDef{Name: "goals", OwnerColumn: "user_id"}
	for _, id := range []string{"a", "b"} {
		ch := domain.Change{Table: "goals", Action: domain.ActionCreate, ID: id}
		if err := db.ApplyChange(ctx, def, "u1", ch, domain.SyncLogEntry{UserID: "u1", SyncedAt: t0}); err != nil {
			t.Fatal(err)
		}
	}
	if tie, _ := db.ListChangedAt(ctx, def, "u1", t0); len(tie) != 2 {
		t.Errorf("expected both rows at t0, got %d", len(tie))
	}
}
