package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Action is a sync change verb.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known verb.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// TableDef describes a synchronised table. OwnerColumn scopes rows to a
// user; Columns lists the synced payload columns, all of which are writable
// through push unless the table is ReadOnly.
type TableDef struct {
	Name        string
	OwnerColumn string
	Columns     []string
	ReadOnly    bool
}

// HasColumn reports whether col is a synced payload column of d.
func (d TableDef) HasColumn(col string) bool {
	for _, c := range d.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// TableRegistry holds table definitions in registration order.
type TableRegistry struct {
	defs  map[string]TableDef
	names []string
}

// NewTableRegistry builds a registry from defs.
func NewTableRegistry(defs ...TableDef) *TableRegistry {
	r := &TableRegistry{defs: make(map[string]TableDef, len(defs))}
	for _, d := range defs {
		if d.OwnerColumn == "" {
			d.OwnerColumn = "user_id"
		}
		if _, ok := r.defs[d.Name]; !ok {
			r.names = append(r.names, d.Name)
		}
		r.defs[d.Name] = d
	}
	return r
}

// Lookup returns the definition of table name.
func (r *TableRegistry) Lookup(name string) (TableDef, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names lists the registered tables in registration order.
func (r *TableRegistry) Names() []string {
	return append([]string(nil), r.names...)
}

// Defs lists the registered definitions in registration order.
func (r *TableRegistry) Defs() []TableDef {
	out := make([]TableDef, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.defs[n])
	}
	return out
}

// DefaultTables is the set of tables every client replica synchronises.
func DefaultTables() *TableRegistry {
	return NewTableRegistry(
		TableDef{Name: "users", OwnerColumn: "id", Columns: []string{"name", "email", "locale"}},
		TableDef{Name: "devices", Columns: []string{"name", "mac", "model"}},
		TableDef{Name: "body_records", Columns: []string{"weight_kg", "body_fat_pct", "measured_at", "notes"}},
		TableDef{Name: "goals", Columns: []string{"kind", "target", "unit", "starts_on", "ends_on"}},
		TableDef{Name: TableFoods, Columns: []string{"name", "brand", "external_code", "calories", "protein", "carbs", "fat", "fiber", "serving_grams"}},
		TableDef{Name: "food_stock", Columns: []string{"food_id", "quantity_grams", "location", "expires_on"}},
		TableDef{Name: TableMealEntries, Columns: []string{
			"food_id", "external_code", "food_name", "meal", "grams",
			"calories", "protein", "carbs", "fat", "fiber",
			"pending_weigh_in_id", "consumed_at",
		}},
		TableDef{Name: TableWeighIns, ReadOnly: true, Columns: []string{
			"weight_grams", "weight_original", "unit_original", "device_mac", "stable",
			"dedup_signature", "status", "associated_record_id",
		}},
	)
}

// Row is a generic synchronised row.
type Row struct {
	ID        string
	UserID    string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// IsDeleted reports whether the row was soft deleted.
func (r Row) IsDeleted() bool { return r.DeletedAt != nil }

// MarshalJSON flattens the payload next to the bookkeeping columns.
func (r Row) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Data)+4)
	for k, v := range r.Data {
		m[k] = v
	}
	m["id"] = r.ID
	m["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	m["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if r.DeletedAt != nil {
		m["deleted_at"] = r.DeletedAt.UTC().Format(time.RFC3339Nano)
	} else {
		m["deleted_at"] = nil
	}
	return json.Marshal(m)
}

// LiveOnly drops soft-deleted items. Every read path that hides deleted rows
// goes through it (or through NotDeletedSQL in SQL stores).
func LiveOnly[T interface{ IsDeleted() bool }](items []T) []T {
	out := items[:0:0]
	for _, it := range items {
		if !it.IsDeleted() {
			out = append(out, it)
		}
	}
	return out
}

// NotDeletedSQL is the SQL form of LiveOnly.
const NotDeletedSQL = "deleted_at IS NULL"

// Change is a single client mutation inside a push batch.
type Change struct {
	Table  string         `json:"table"`
	Action Action         `json:"action"`
	ID     string         `json:"id"`
	Data   map[string]any `json:"data"`
}

// SyncLogEntry is one line of the append-only change journal.
type SyncLogEntry struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"userId" db:"user_id"`
	TableName      string         `json:"tableName" db:"table_name"`
	RecordID       string         `json:"recordId" db:"record_id"`
	Action         Action         `json:"action" db:"action"`
	Payload        map[string]any `json:"payload" db:"-"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	ClientID       string         `json:"clientId,omitempty" db:"client_id"`
	SyncedAt       time.Time      `json:"syncedAt" db:"synced_at"`
}

// ChangeReader reads one consistent view of a user's rows.
type ChangeReader interface {
	// ListChanged returns the rows of def owned by userID with
	// updated_at > since, ordered by (updated_at, id), at most limit rows.
	ListChanged(ctx context.Context, def TableDef, userID string, since time.Time, limit int) ([]Row, error)
	// ListChangedAt returns every row of def owned by userID with
	// updated_at equal to at, ordered by id.
	ListChangedAt(ctx context.Context, def TableDef, userID string, at time.Time) ([]Row, error)
}

// SyncRepository is the port for the generic sync surface.
//
// Stores stamp updated_at themselves, inside the same critical section that
// makes the write visible. A write that becomes visible after a ViewChanges
// call returned carries an updated_at greater than every row that call saw.
type SyncRepository interface {
	// ViewChanges runs fn while writers of userID's rows are held off.
	ViewChanges(ctx context.Context, userID string, fn func(ChangeReader) error) error
	// LockIdempotencyKey serialises pushes sharing (userID, key) until the
	// returned release func is called.
	LockIdempotencyKey(ctx context.Context, userID, key string) (func(), error)
	HasIdempotencyKey(ctx context.Context, userID, key string) (bool, error)
	// ApplyChange applies ch and appends entry in one unit of work. Updates
	// of missing or deleted rows return ErrNotFound. entry.SyncedAt is a
	// lower bound; the store records the stamp it actually used.
	ApplyChange(ctx context.Context, def TableDef, userID string, ch Change, entry SyncLogEntry) error
}

// CursorPrecision is the resolution of updated_at and of sync cursors.
const CursorPrecision = time.Microsecond

// FormatCursor renders a cursor for clients.
func FormatCursor(t time.Time) string {
	return t.UTC().Truncate(CursorPrecision).Format(time.RFC3339Nano)
}

// ParseCursor parses a client cursor. Empty input is the epoch.
func ParseCursor(s string) (time.Time, error) {
	if s == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if ms, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, &ValidationError{Field: "cursor", Message: fmt.Sprintf("cursor inválido %q", s)}
	}
	return t.UTC().Truncate(CursorPrecision), nil
}

// NextUpdatedAt keeps updated_at strictly increasing per row.
func NextUpdatedAt(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(CursorPrecision)
	if !now.After(prev) {
		return prev.Add(CursorPrecision)
	}
	return now
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func numberOf(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case []byte:
		f, _ := strconv.ParseFloat(string(x), 64)
		return f
	}
	return 0
}
