package kasane

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kasane-ai/kasane/internal/exec"
	"github.com/kasane-ai/kasane/internal/registry"
	"github.com/kasane-ai/kasane/internal/tier"
)

// Task is one unit of work submitted through Execute. Payload is opaque to
// the orchestrator and travels to the backend verbatim.
type Task struct {
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
}

// Result is the outcome of a completed Task.
type Result struct {
	Payload  json.RawMessage `json:"payload"`
	Latency  time.Duration   `json:"latency"`
	PathUsed string          `json:"path_used"` // "direct" or "mediated"
	Attempts int             `json:"attempts"`
	TraceID  uuid.UUID       `json:"trace_id"`
}

// MemoryOptions control how Remember stores a value.
type MemoryOptions struct {
	// TTL bounds the entry's lifetime. Zero means the configured default;
	// negative means no expiry.
	TTL time.Duration

	// Index adds the value to the semantic search index. Requires a
	// configured index backend.
	Index bool
}

// SearchHit is one semantic search match, hydrated from durable storage.
type SearchHit struct {
	Key   string  `json:"key"`
	Score float32 `json:"score"`
	Value []byte  `json:"value"`
}

// ProviderInfo describes one capability provider and its current health.
type ProviderInfo struct {
	ID       string        `json:"id"`
	Tier     string        `json:"tier"`
	Endpoint string        `json:"endpoint"`
	Score    float64       `json:"score"`
	P95      time.Duration `json:"p95"`
}

func toProviderInfo(s registry.Snapshot) ProviderInfo {
	return ProviderInfo{
		ID:       s.ID,
		Tier:     s.Tier.String(),
		Endpoint: s.Endpoint,
		Score:    s.Score,
		P95:      s.P95,
	}
}

func toInternalTask(t Task) exec.Task {
	return exec.Task{
		Capability: t.Capability,
		Payload:    t.Payload,
		Timeout:    t.Timeout,
	}
}

func toPublicResult(r *exec.Result) *Result {
	return &Result{
		Payload:  r.Payload,
		Latency:  r.Latency,
		PathUsed: string(r.ModeUsed),
		Attempts: r.Attempts,
		TraceID:  r.TraceID,
	}
}

func toPublicHits(hits []tier.SearchHit) []SearchHit {
	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{Key: h.Key, Score: h.Score, Value: h.Value}
	}
	return out
}
