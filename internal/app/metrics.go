package app

import (
	"sync"
	"time"
)

// LatencyRingSize caps the association latency samples kept in memory.
const LatencyRingSize = 100

// Metrics holds ingestion, association and sync counters. It is owned by
// whoever builds the services and safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	ingestSuccess    uint64
	ingestError      uint64
	dedupHits        uint64
	rateLimited      uint64
	associateSuccess uint64
	associateError   uint64
	discardSuccess   uint64
	discardError     uint64
	pushApplied      uint64
	pushErrors       uint64
	pushReplays      uint64

	latencies []time.Duration
	next      int
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{latencies: make([]time.Duration, 0, LatencyRingSize)}
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	IngestSuccess         uint64  `json:"pesagens_sucesso"`
	IngestError           uint64  `json:"pesagens_erro"`
	DedupHits             uint64  `json:"duplicatas"`
	RateLimited           uint64  `json:"rate_limit_rejeicoes"`
	AssociateSuccess      uint64  `json:"associacoes_sucesso"`
	AssociateError        uint64  `json:"associacoes_erro"`
	AssociateAvgLatencyMs float64 `json:"associacao_latencia_media_ms"`
	LatencySamples        int     `json:"associacao_amostras"`
	DiscardSuccess        uint64  `json:"descartes_sucesso"`
	DiscardError          uint64  `json:"descartes_erro"`
	PushApplied           uint64  `json:"sync_push_aplicados"`
	PushErrors            uint64  `json:"sync_push_erros"`
	PushReplays           uint64  `json:"sync_push_replays"`
}

func (m *Metrics) add(c *uint64, n uint64) {
	m.mu.Lock()
	*c += n
	m.mu.Unlock()
}

// IngestSucceeded counts a stored weigh-in.
func (m *Metrics) IngestSucceeded() { m.add(&m.ingestSuccess, 1) }

// IngestFailed counts an ingestion that failed after passing validation.
func (m *Metrics) IngestFailed() { m.add(&m.ingestError, 1) }

// DedupHit counts a reading suppressed as a duplicate.
func (m *Metrics) DedupHit() { m.add(&m.dedupHits, 1) }

// RateLimitHit counts a rejected ingestion over the rate limit.
func (m *Metrics) RateLimitHit() { m.add(&m.rateLimited, 1) }

// DiscardSucceeded counts a weigh-in moved to CANCELADA.
func (m *Metrics) DiscardSucceeded() { m.add(&m.discardSuccess, 1) }

// DiscardFailed counts a rejected discard.
func (m *Metrics) DiscardFailed() { m.add(&m.discardError, 1) }

// AssociateFailed counts a rejected association.
func (m *Metrics) AssociateFailed() { m.add(&m.associateError, 1) }

// PushReplayed counts a push answered from an already applied idempotency key.
func (m *Metrics) PushReplayed() { m.add(&m.pushReplays, 1) }

// PushResult records the outcome of one push batch.
func (m *Metrics) PushResult(applied, failed int) {
	m.mu.Lock()
	m.pushApplied += uint64(applied)
	m.pushErrors += uint64(failed)
	m.mu.Unlock()
}

// AssociateSucceeded counts a successful association and records its latency.
func (m *Metrics) AssociateSucceeded(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associateSuccess++
	if len(m.latencies) < LatencyRingSize {
		m.latencies = append(m.latencies, d)
		return
	}
	m.latencies[m.next] = d
	m.next = (m.next + 1) % LatencyRingSize
}

// Snapshot returns the current counters and the rolling average latency.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSnapshot{
		IngestSuccess:    m.ingestSuccess,
		IngestError:      m.ingestError,
		DedupHits:        m.dedupHits,
		RateLimited:      m.rateLimited,
		AssociateSuccess: m.associateSuccess,
		AssociateError:   m.associateError,
		LatencySamples:   len(m.latencies),
		DiscardSuccess:   m.discardSuccess,
		DiscardError:     m.discardError,
		PushApplied:      m.pushApplied,
		PushErrors:       m.pushErrors,
		PushReplays:      m.pushReplays,
	}
	if len(m.latencies) > 0 {
		var total time.Duration
		for _, d := range m.latencies {
			total += d
		}
		s.AssociateAvgLatencyMs = float64(total) / float64(len(m.latencies)) / float64(time.Millisecond)
	}
	return s
}
