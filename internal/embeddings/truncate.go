package embeddings

import (
	"context"
	"math"

	"codemem/internal/apperr"
)

// Truncated adapts a higher-dimensional embedder down to a target
// dimensionality by keeping the leading components and re-normalizing.
// Matryoshka-trained models keep most of their quality under this cut, and
// it lets one Qdrant collection serve models of different native sizes.
type Truncated struct {
	inner Service
	dims  int
}

// NewTruncated wraps inner so it reports and produces dims dimensions.
// dims must not exceed the inner service's dimensionality.
func NewTruncated(inner Service, dims int) (*Truncated, error) {
	if dims <= 0 || dims > inner.Dimension() {
		return nil, apperr.Newf(apperr.CodeBadInput,
			"cannot truncate %d-dimensional embeddings to %d", inner.Dimension(), dims)
	}
	return &Truncated{inner: inner, dims: dims}, nil
}

func (t *Truncated) Generate(ctx context.Context, text string) ([]float32, error) {
	vec, err := t.inner.Generate(ctx, text)
	if err != nil {
		return nil, err
	}
	return truncateVector(vec, t.dims), nil
}

func (t *Truncated) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := t.inner.GenerateBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(vecs))
	for i, vec := range vecs {
		out[i] = truncateVector(vec, t.dims)
	}
	return out, nil
}

func (t *Truncated) Dimension() int { return t.dims }
func (t *Truncated) Model() string  { return t.inner.Model() }

func (t *Truncated) HealthCheck(ctx context.Context) error { return t.inner.HealthCheck(ctx) }

// truncateVector keeps the first dims components and rescales to unit norm
// so cosine scores stay comparable.
func truncateVector(vec []float32, dims int) []float32 {
	if len(vec) <= dims {
		return vec
	}
	out := make([]float32, dims)
	copy(out, vec[:dims])

	var norm float64
	for _, v := range out {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return out
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range out {
		out[i] *= scale
	}
	return out
}
