package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Audit events.
const (
	EventWeighInCreated     = "balanca.pesagem.criada"
	EventWeighInDuplicate   = "balanca.pesagem.duplicada"
	EventWeighInRejected    = "balanca.pesagem.rejeitada"
	EventWeighInAssociated  = "balanca.pesagem.associada"
	EventWeighInAssocFailed = "balanca.pesagem.associacao_falhou"
	EventWeighInDiscarded   = "balanca.pesagem.descartada"
	EventWeighInDiscardFail = "balanca.pesagem.descarte_falhou"
	EventSyncPush           = "sync.push"
	EventSyncPushReplay     = "sync.push.replay"
	EventAuthRefresh        = "auth.refresh"
	EventAuthRevoked        = "auth.revogado"
)

// AuditEntry is one structured audit record.
type AuditEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId"`
	Event         string         `json:"event"`
	UserID        string         `json:"userId"`
	Details       map[string]any `json:"details"`
}

// AuditSink receives audit entries. Implementations must call Redact on
// Details before the entry leaves the process.
type AuditSink interface {
	Emit(ctx context.Context, e AuditEntry)
}

// ZapAuditSink writes audit entries as structured log lines.
type ZapAuditSink struct {
	logger *zap.Logger
}

// NewZapAuditSink creates a sink writing to logger under the "audit" name.
func NewZapAuditSink(logger *zap.Logger) *ZapAuditSink {
	return &ZapAuditSink{logger: logger.Named("audit")}
}

// Emit implements AuditSink.
func (s *ZapAuditSink) Emit(ctx context.Context, e AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = CorrelationID(ctx)
	}
	s.logger.Info(e.Event,
		zap.Time("timestamp", e.Timestamp),
		zap.String("correlationId", e.CorrelationID),
		zap.String("event", e.Event),
		zap.String("userId", e.UserID),
		zap.Any("details", Redact(e.Details)),
	)
}

// redactedKeys are stripped from audit details regardless of nesting.
var redactedKeys = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"jwt":           {},
	"authorization": {},
	"password":      {},
	"senha":         {},
	"pacote_hex":    {},
	"raw_hex":       {},
	"hex":           {},
}

// Redact returns a copy of details without secret or raw-payload keys.
// Key matching is case-insensitive and applies to nested maps and slices.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if _, drop := redactedKeys[strings.ToLower(k)]; drop {
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return Redact(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = redactValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, e := range x {
			out[i] = Redact(e)
		}
		return out
	default:
		return v
	}
}

type correlationKey struct{}

// WithCorrelationID stores id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored in ctx, or a fresh one.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

type nopAudit struct{}

func (nopAudit) Emit(context.Context, AuditEntry) {}

// NopAuditSink discards every entry.
var NopAuditSink AuditSink = nopAudit{}
