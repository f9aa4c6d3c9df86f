package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Mock is a deterministic in-process Engine for tests. Identical text always
// produces the identical vector, so a stored text is findable by searching
// for itself with similarity 1.0. Behavior is overridable per test via the
// function fields.
type Mock struct {
	Dims           int
	EmbedFunc      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

// NewMock returns a mock engine with the given dimensionality (default 8).
func NewMock(dims int) *Mock {
	if dims <= 0 {
		dims = 8
	}
	return &Mock{Dims: dims}
}

func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return hashEmbed(text, m.Dims), nil
}

func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *Mock) Dimensions() int {
	if m.Dims <= 0 {
		return 8
	}
	return m.Dims
}

func (m *Mock) Name() string { return "mock" }

// hashEmbed buckets lowercased tokens into dims slots and normalizes the
// result. The empty string maps to a fixed unit vector so degenerate
// queries still embed.
func hashEmbed(text string, dims int) []float32 {
	vec := make([]float32, dims)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		vec[0] = 1
		return vec
	}
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%dims] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
