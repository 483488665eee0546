// Package tier implements the tiered memory system: ordered storage tiers
// behind a router that reads through them in ascending latency order and
// writes through the durable system of record.
package tier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMiss is returned by Get when a key is absent or expired.
	ErrMiss = errors.New("tier: miss")
)

// Kind orders tiers by expected latency. Reads walk kinds in ascending
// order; a hit at one kind never touches the next.
type Kind int

const (
	KindEphemeral Kind = iota
	KindConversational
	KindDurable
)

func (k Kind) String() string {
	switch k {
	case KindEphemeral:
		return "ephemeral"
	case KindConversational:
		return "conversational"
	case KindDurable:
		return "durable"
	default:
		return "unknown"
	}
}

// ParseKind converts topology input into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ephemeral":
		return KindEphemeral, nil
	case "conversational":
		return KindConversational, nil
	case "durable":
		return KindDurable, nil
	default:
		return 0, fmt.Errorf("tier: unknown kind %q", s)
	}
}

// PutOptions carries per-write settings.
type PutOptions struct {
	// TTL bounds the entry's lifetime. Zero means the tier's default;
	// negative means no expiry where the tier supports it.
	TTL time.Duration

	// Embedding, when set, is indexed for semantic search alongside the
	// durable write.
	Embedding []float32
}

// Tier is one storage layer. Implementations are safe for concurrent use.
type Tier interface {
	Kind() Kind
	Name() string

	// Get returns the value for key, or ErrMiss when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	Put(ctx context.Context, key string, value []byte, opts PutOptions) error

	Delete(ctx context.Context, key string) error

	// Healthy returns nil when the backend is reachable.
	Healthy(ctx context.Context) error

	Close(ctx context.Context) error
}
