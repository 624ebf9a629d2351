package embedding

import (
	"context"
	"errors"
	"fmt"
)

// DefaultDims is the vector length used when none is configured. Every
// question of a deployment must share one length.
const DefaultDims = 512

// ErrUnavailable marks an embedding call that failed or timed out. Callers
// treat it as transient: the question is accepted and clustering is retried.
var ErrUnavailable = errors.New("embedding unavailable")

// Embedder produces vector embeddings from text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dims() int
	Name() string // unique key for caching, e.g. "openai-3small-512"
}

// EmbedOne embeds a single text under timeout. Every failure, including a
// deadline, is wrapped with ErrUnavailable.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: no embedder configured", ErrUnavailable)
	}
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: %s returned %d vectors", ErrUnavailable, e.Name(), len(vecs))
	}
	return vecs[0], nil
}
