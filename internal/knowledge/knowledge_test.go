package knowledge

import (
	"context"
	"errors"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/visionbot/internal/embeddings"
	"github.com/bdougie/visionbot/internal/models"
)

// stubEmbedder returns fixed vectors for known texts and a deterministic
// hash-derived vector for anything else
type stubEmbedder struct {
	vectors map[string][]float32
	calls   int
	err     error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32((sum>>(i*8))&0xff) + 1
	}
	return vec, nil
}

type memoryCache struct {
	stored  map[string][]float32
	loadErr error
	saved   int
}

func (m *memoryCache) LoadEmbeddings(_ context.Context, _ string, questions []string) (map[string][]float32, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := map[string][]float32{}
	for _, q := range questions {
		if vec, ok := m.stored[q]; ok {
			out[q] = vec
		}
	}
	return out, nil
}

func (m *memoryCache) SaveEmbeddings(_ context.Context, _ string, entries []models.KnowledgeEntry) error {
	for _, e := range entries {
		m.stored[e.Question] = e.Embedding
		m.saved++
	}
	return nil
}

func buildDefault(t *testing.T, e embeddings.Embedder) *Table {
	t.Helper()
	table, err := Build(context.Background(), e, DefaultPairs())
	require.NoError(t, err)
	return table
}

func TestDefaultPairs(t *testing.T) {
	pairs := DefaultPairs()
	require.Len(t, pairs, 6)
	for _, p := range pairs {
		assert.NotEmpty(t, p.Question)
		assert.NotEmpty(t, p.Answer)
	}
}

func TestMatch_SelfMatch(t *testing.T) {
	e := &stubEmbedder{}
	table := buildDefault(t, e)

	result, err := Match(context.Background(), e, "조장이 누구인가요", table)
	require.NoError(t, err)
	assert.Equal(t, "조장은 유재현 입니다.", result.Entry.Answer)
	assert.Equal(t, 3, result.Index)
	assert.InDelta(t, 1.0, result.Score, 1e-6)

	for i, pair := range DefaultPairs() {
		result, err := Match(context.Background(), e, pair.Question, table)
		require.NoError(t, err)
		assert.Equal(t, i, result.Index, pair.Question)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	e := &stubEmbedder{}
	table := buildDefault(t, e)

	first, err := Match(context.Background(), e, "프로젝트는 얼마나 걸렸나요?", table)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Match(context.Background(), e, "프로젝트는 얼마나 걸렸나요?", table)
		require.NoError(t, err)
		assert.Equal(t, first.Index, again.Index)
		assert.Equal(t, first.Entry.Answer, again.Entry.Answer)
	}
}

func TestMatch_TiesGoToEarliest(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float32{
		"a":     {1, 0},
		"b":     {1, 0},
		"c":     {0, 1},
		"query": {2, 0},
	}}
	table, err := Build(context.Background(), e, []models.QAPair{
		{Question: "c", Answer: "C"},
		{Question: "a", Answer: "A"},
		{Question: "b", Answer: "B"},
	})
	require.NoError(t, err)

	result, err := Match(context.Background(), e, "query", table)
	require.NoError(t, err)
	assert.Equal(t, "A", result.Entry.Answer)
	assert.Equal(t, 1, result.Index)
}

func TestMatch_EmptyTable(t *testing.T) {
	e := &stubEmbedder{}

	_, err := Match(context.Background(), e, "hello", nil)
	assert.ErrorIs(t, err, ErrNoKnowledgeAvailable)

	empty, err := NewTable(nil)
	require.NoError(t, err)
	_, err = Match(context.Background(), e, "hello", empty)
	assert.ErrorIs(t, err, ErrNoKnowledgeAvailable)
	assert.Zero(t, e.calls)
}

func TestMatch_WhitespaceQueryIsMatched(t *testing.T) {
	e := &stubEmbedder{}
	table := buildDefault(t, e)

	for _, q := range []string{"", "   ", "\t\n"} {
		result, err := Match(context.Background(), e, q, table)
		require.NoError(t, err)
		assert.NotEmpty(t, result.Entry.Answer)
	}
}

func TestMatch_EmbedderFailure(t *testing.T) {
	e := &stubEmbedder{}
	table := buildDefault(t, e)
	e.err = errors.New("model offline")

	_, err := Match(context.Background(), e, "hello", table)
	assert.Error(t, err)
}

func TestMatch_DimensionMismatch(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float32{"q": {1, 2, 3}}}
	table, err := NewTable([]models.KnowledgeEntry{{Question: "x", Answer: "y", Embedding: []float32{1, 2}}})
	require.NoError(t, err)

	_, err = Match(context.Background(), e, "q", table)
	assert.ErrorIs(t, err, embeddings.ErrDimensionMismatch)
}

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable([]models.KnowledgeEntry{
		{Question: "a", Embedding: []float32{1, 2}},
		{Question: "b", Embedding: []float32{1, 2, 3}},
	})
	assert.ErrorIs(t, err, embeddings.ErrDimensionMismatch)

	_, err = NewTable([]models.KnowledgeEntry{{Question: "a"}})
	assert.Error(t, err)
}

func TestTable_IsImmutable(t *testing.T) {
	source := []models.KnowledgeEntry{{Question: "a", Answer: "A", Embedding: []float32{1, 0}}}
	table, err := NewTable(source)
	require.NoError(t, err)

	source[0].Answer = "changed"
	source[0].Embedding[0] = 42

	entries := table.Entries()
	entries[0].Answer = "changed again"
	entries[0].Embedding[1] = 42

	fresh := table.Entries()
	assert.Equal(t, "A", fresh[0].Answer)
	assert.Equal(t, []float32{1, 0}, fresh[0].Embedding)
}

func TestBuild_KeepsAudioRef(t *testing.T) {
	table, err := Build(context.Background(), &stubEmbedder{}, []models.QAPair{
		{Question: "q", Answer: "a", Audio: "latte"},
	})
	require.NoError(t, err)
	assert.Equal(t, "latte", table.Entries()[0].AudioRef)
}

func TestBuild_EmbedderFailure(t *testing.T) {
	_, err := Build(context.Background(), &stubEmbedder{err: errors.New("down")}, DefaultPairs())
	assert.Error(t, err)
}

func TestBuilder_UsesCache(t *testing.T) {
	ctx := context.Background()
	cache := &memoryCache{stored: map[string][]float32{}}

	first := &stubEmbedder{}
	b := &Builder{Embedder: first, Cache: cache, Model: "test"}
	_, err := b.Build(ctx, DefaultPairs())
	require.NoError(t, err)
	assert.Equal(t, 6, first.calls)
	assert.Equal(t, 6, cache.saved)

	second := &stubEmbedder{}
	b = &Builder{Embedder: second, Cache: cache, Model: "test"}
	table, err := b.Build(ctx, DefaultPairs())
	require.NoError(t, err)
	assert.Zero(t, second.calls)
	assert.Equal(t, 6, table.Len())
}

func TestBuilder_CacheLoadFailureFallsBack(t *testing.T) {
	cache := &memoryCache{stored: map[string][]float32{}, loadErr: errors.New("db down")}
	e := &stubEmbedder{}
	b := &Builder{Embedder: e, Cache: cache, Model: "test"}

	table, err := b.Build(context.Background(), DefaultPairs())
	require.NoError(t, err)
	assert.Equal(t, 6, table.Len())
	assert.Equal(t, 6, e.calls)
}

func TestLoader_BuildsOnce(t *testing.T) {
	e := &stubEmbedder{}
	builds := 0
	loader := NewLoader(func(ctx context.Context) (*Table, error) {
		builds++
		return Build(ctx, e, DefaultPairs())
	})

	first, err := loader.Table(context.Background())
	require.NoError(t, err)
	second, err := loader.Table(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
	assert.Equal(t, 6, e.calls)
}

func TestLoader_FailureIsNotMemoized(t *testing.T) {
	attempts := 0
	loader := NewLoader(func(ctx context.Context) (*Table, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("embedder offline")
		}
		return Build(ctx, &stubEmbedder{}, DefaultPairs())
	})

	_, err := loader.Table(context.Background())
	require.Error(t, err)
	table, err := loader.Table(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, table.Len())
}

func TestStaticLoader(t *testing.T) {
	table := buildDefault(t, &stubEmbedder{})
	got, err := StaticLoader(table).Table(context.Background())
	require.NoError(t, err)
	assert.Same(t, table, got)

	_, err = StaticLoader(nil).Table(context.Background())
	assert.ErrorIs(t, err, ErrNoKnowledgeAvailable)
}
