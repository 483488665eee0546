package kasane

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Embedder generates vector embeddings from text for the semantic memory
// index. When provided via WithEmbedder it replaces the built-in
// deterministic hash embedder, which preserves the vector plumbing but
// carries no semantic signal.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// hashEmbedder maps text to a unit vector derived from its SHA-256 digest.
// Identical texts always produce identical vectors, so exact-duplicate
// lookups still hit; unrelated texts land far apart.
type hashEmbedder struct {
	dims int
}

func newHashEmbedder(dims int) *hashEmbedder {
	return &hashEmbedder{dims: dims}
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	seed := sha256.Sum256([]byte(text))

	// Stretch the digest over the vector by re-hashing with a counter.
	var sumSq float64
	buf := make([]byte, len(seed)+8)
	copy(buf, seed[:])
	for i := 0; i < e.dims; i += 8 {
		binary.LittleEndian.PutUint64(buf[len(seed):], uint64(i)) //nolint:gosec // counter, not a conversion of user data
		block := sha256.Sum256(buf)
		for j := 0; j < 8 && i+j < e.dims; j++ {
			bits := binary.LittleEndian.Uint32(block[j*4 : j*4+4])
			v := float32(bits)/float32(math.MaxUint32)*2 - 1
			vec[i+j] = v
			sumSq += float64(v) * float64(v)
		}
	}

	if sumSq > 0 {
		inv := float32(1 / math.Sqrt(sumSq))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (e *hashEmbedder) Dimensions() int { return e.dims }
