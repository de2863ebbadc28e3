package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nutrisync/internal/domain"
)

// PullRequest selects the changes a replica asks for.
type PullRequest struct {
	Cursor string   `schema:"cursor"`
	Limit  int      `schema:"limit"`
	Tables []string `schema:"tables"`
}

// TableChanges partitions a table's changed rows.
type TableChanges struct {
	Created []domain.Row `json:"created"`
	Updated []domain.Row `json:"updated"`
	Deleted []string     `json:"deleted"`
}

// PullResponse is the page of changes returned to a replica.
type PullResponse struct {
	Events     map[string]*TableChanges `json:"eventos"`
	NextCursor *string                  `json:"cursor_proximo"`
	HasMore    bool                     `json:"tem_mais"`
	Timestamp  string                   `json:"timestamp"`
}

// PushRequest is a batch of client mutations.
type PushRequest struct {
	Changes        []domain.Change `json:"changes" validate:"max=1000"`
	ClientID       string          `json:"clientId" validate:"omitempty,max=128"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"omitempty,max=128"`
}

// PushError reports a rejected change by its batch index.
type PushError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// PushResponse summarises a push batch.
type PushResponse struct {
	Applied int         `json:"applied"`
	Errors  []PushError `json:"errors"`
	Replay  bool        `json:"replay,omitempty"`
}

// SyncOptions bounds pull page sizes.
type SyncOptions struct {
	DefaultLimit int
	MaxLimit     int
}

// SyncService implements cursor pull and idempotent push over every
// registered table.
type SyncService struct {
	repo    domain.SyncRepository
	tables  *domain.TableRegistry
	metrics *Metrics
	audit   AuditSink
	logger  *zap.Logger
	opts    SyncOptions
	now     func() time.Time
}

// NewSyncService creates a SyncService.
func NewSyncService(repo domain.SyncRepository, tables *domain.TableRegistry, metrics *Metrics, audit AuditSink, logger *zap.Logger, opts SyncOptions) *SyncService {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = 500
	}
	return &SyncService{
		repo:    repo,
		tables:  tables,
		metrics: metrics,
		audit:   audit,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (s *SyncService) WithClock(now func() time.Time) *SyncService {
	s.now = now
	return s
}

type tablePage struct {
	def       domain.TableDef
	rows      []domain.Row
	truncated bool
	boundary  time.Time
}

// Pull returns rows changed after the cursor. Pages never split a group of
// rows sharing one updated_at, so following cursor_proximo until tem_mais is
// false yields every row exactly once.
func (s *SyncService) Pull(ctx context.Context, userID string, req PullRequest) (*PullResponse, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	since, err := domain.ParseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}
	defs, err := s.selectTables(req.Tables)
	if err != nil {
		return nil, err
	}

	pages := make([]tablePage, 0, len(defs))
	var (
		cut       time.Time
		truncated bool
	)
	err = s.repo.ViewChanges(ctx, userID, func(rd domain.ChangeReader) error {
		for _, def := range defs {
			pg, err := readPage(ctx, rd, def, userID, since, limit)
			if err != nil {
				return err
			}
			if pg.truncated && (!truncated || pg.boundary.Before(cut)) {
				cut = pg.boundary
				truncated = true
			}
			pages = append(pages, pg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &PullResponse{
		Events:    make(map[string]*TableChanges, len(pages)),
		HasMore:   truncated,
		Timestamp: domain.FormatCursor(s.now()),
	}
	var maxSeen time.Time
	for _, pg := range pages {
		tc := &TableChanges{Created: []domain.Row{}, Updated: []domain.Row{}, Deleted: []string{}}
		for _, r := range pg.rows {
			if truncated && r.UpdatedAt.After(cut) {
				continue
			}
			switch {
			case r.IsDeleted():
				tc.Deleted = append(tc.Deleted, r.ID)
			case r.CreatedAt.After(since):
				tc.Created = append(tc.Created, r)
			default:
				tc.Updated = append(tc.Updated, r)
			}
			if r.UpdatedAt.After(maxSeen) {
				maxSeen = r.UpdatedAt
			}
		}
		resp.Events[pg.def.Name] = tc
	}

	switch {
	case truncated:
		c := domain.FormatCursor(cut)
		resp.NextCursor = &c
	case !maxSeen.IsZero():
		c := domain.FormatCursor(maxSeen)
		resp.NextCursor = &c
	}
	return resp, nil
}

func readPage(ctx context.Context, rd domain.ChangeReader, def domain.TableDef, userID string, since time.Time, limit int) (tablePage, error) {
	rows, err := rd.ListChanged(ctx, def, userID, since, limit+1)
	if err != nil {
		return tablePage{}, fmt.Errorf("pull %s: %w", def.Name, err)
	}
	pg := tablePage{def: def, rows: rows}
	if len(rows) <= limit {
		return pg, nil
	}

	pg.truncated = true
	last := rows[limit-1].UpdatedAt
	if !rows[limit].UpdatedAt.Equal(last) {
		pg.rows, pg.boundary = rows[:limit], last
		return pg, nil
	}
	// The last timestamp group continues past the page: drop it, or, when
	// the whole page is one group, return that group in full.
	i := limit - 1
	for i >= 0 && rows[i].UpdatedAt.Equal(last) {
		i--
	}
	if i >= 0 {
		pg.rows, pg.boundary = rows[:i+1], rows[i].UpdatedAt
		return pg, nil
	}
	group, err := rd.ListChangedAt(ctx, def, userID, last)
	if err != nil {
		return tablePage{}, fmt.Errorf("pull %s: %w", def.Name, err)
	}
	pg.rows, pg.boundary = group, last
	return pg, nil
}

func (s *SyncService) selectTables(names []string) ([]domain.TableDef, error) {
	if len(names) == 0 {
		return s.tables.Defs(), nil
	}
	seen := make(map[string]bool, len(names))
	defs := make([]domain.TableDef, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		def, ok := s.tables.Lookup(n)
		if !ok {
			return nil, &domain.ValidationError{Field: "tables", Message: fmt.Sprintf("tabela desconhecida %q", n)}
		}
		seen[n] = true
		defs = append(defs, def)
	}
	return defs, nil
}

// Push applies a batch of changes. Each change succeeds or fails on its own;
// a batch whose idempotency key was already applied has no further effect.
func (s *SyncService) Push(ctx context.Context, userID string, req PushRequest) (*PushResponse, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}

	if req.IdempotencyKey != "" {
		unlock, err := s.repo.LockIdempotencyKey(ctx, userID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("lock idempotency key: %w", err)
		}
		defer unlock()

		seen, err := s.repo.HasIdempotencyKey(ctx, userID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
		if seen {
			s.metrics.PushReplayed()
			s.audit.Emit(ctx, AuditEntry{
				Event:   EventSyncPushReplay,
				UserID:  userID,
				Details: map[string]any{"idempotencyKey": req.IdempotencyKey, "clientId": req.ClientID},
			})
			return &PushResponse{Errors: []PushError{}, Replay: true}, nil
		}
	}

	now := s.now().UTC().Truncate(domain.CursorPrecision)
	resp := &PushResponse{Errors: []PushError{}}
	for i, ch := range req.Changes {
		if err := s.apply(ctx, userID, ch, req, now); err != nil {
			resp.Errors = append(resp.Errors, PushError{Index: i, Message: err.Error()})
			continue
		}
		resp.Applied++
	}

	s.metrics.PushResult(resp.Applied, len(resp.Errors))
	s.audit.Emit(ctx, AuditEntry{
		Event:  EventSyncPush,
		UserID: userID,
		Details: map[string]any{
			"applied":        resp.Applied,
			"errors":         len(resp.Errors),
			"clientId":       req.ClientID,
			"idempotencyKey": req.IdempotencyKey,
		},
	})
	return resp, nil
}

func (s *SyncService) apply(ctx context.Context, userID string, ch domain.Change, req PushRequest, now time.Time) error {
	def, err := s.checkChange(userID, &ch)
	if err != nil {
		return err
	}
	entry := domain.SyncLogEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		TableName:      def.Name,
		RecordID:       ch.ID,
		Action:         ch.Action,
		Payload:        Redact(ch.Data),
		IdempotencyKey: req.IdempotencyKey,
		ClientID:       req.ClientID,
		SyncedAt:       now,
	}
	err = s.repo.ApplyChange(ctx, def, userID, ch, entry)
	var ve *domain.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.As(err, &ve):
		return err
	default:
		s.logger.Error("apply sync change failed",
			zap.String("userId", userID), zap.String("table", def.Name),
			zap.String("id", ch.ID), zap.Error(err))
		return errors.New("falha ao aplicar alteração")
	}
}

func (s *SyncService) checkChange(userID string, ch *domain.Change) (domain.TableDef, error) {
	def, ok := s.tables.Lookup(ch.Table)
	if !ok {
		return def, fmt.Errorf("tabela desconhecida %q", ch.Table)
	}
	if !ch.Action.Valid() {
		return def, fmt.Errorf("ação desconhecida %q", ch.Action)
	}
	if def.ReadOnly {
		return def, fmt.Errorf("tabela %q é somente leitura", ch.Table)
	}
	if ch.ID == "" {
		if ch.Action != domain.ActionCreate {
			return def, errors.New("id obrigatório")
		}
		ch.ID = uuid.NewString()
		if def.OwnerColumn == "id" {
			ch.ID = userID
		}
	}
	if def.OwnerColumn == "id" && ch.ID != userID {
		return def, domain.ErrNotFound
	}
	for col, v := range ch.Data {
		if !def.HasColumn(col) {
			return def, fmt.Errorf("coluna desconhecida %q em %q", col, ch.Table)
		}
		switch v.(type) {
		case nil, string, bool, float64, json.Number:
		default:
			return def, fmt.Errorf("valor não escalar na coluna %q", col)
		}
	}
	return def, nil
}
