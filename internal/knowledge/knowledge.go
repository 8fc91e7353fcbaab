// Package knowledge holds the static question/answer table and the
// nearest-neighbor matcher that answers queries from it.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/bdougie/visionbot/internal/embeddings"
	"github.com/bdougie/visionbot/internal/models"
)

// ErrNoKnowledgeAvailable means the table is empty. It indicates a startup
// or configuration defect.
var ErrNoKnowledgeAvailable = errors.New("no knowledge available")

// DefaultPairs returns the portfolio questions and answers served when no
// knowledge is configured
func DefaultPairs() []models.QAPair {
	return []models.QAPair{
		{Question: "포트폴리오 주제가 무엇인가요?", Answer: "tts를 활용한 심리상담 챗봇 구현하기 입니다."},
		{Question: "모델은 어떤 걸 썼나요?", Answer: "bert, lstm 주로 자연어처리가 가능한 모델을 사용했습니다."},
		{Question: "프로젝트 기간은 어떻게 되나요?", Answer: "총 3주로, 기획과 구현, 발표 준비 등으로 구성했습니다."},
		{Question: "조장이 누구인가요", Answer: "조장은 유재현 입니다."},
		{Question: "데이터는 무엇을 이용했나요?", Answer: "연세대 세브란스 정신과 상담 데이터와 facebook 데이터, 직접 녹음한 음성 데이터를 활용했습니다."},
		{Question: "힘든 점은 없었나요?", Answer: "텍스트를 원하는 음성으로 구현하는 것과 답변 자료 데이터셋을 확장시키는 것이 다소 어려웠지만 좋은 출력물을 낼 수 있었습니다."},
	}
}

// Table is an immutable set of knowledge entries whose embeddings all share
// one dimensionality
type Table struct {
	entries    []models.KnowledgeEntry
	dimensions int
}

// NewTable validates and copies entries into a table
func NewTable(entries []models.KnowledgeEntry) (*Table, error) {
	t := &Table{entries: make([]models.KnowledgeEntry, len(entries))}
	for i, entry := range entries {
		if len(entry.Embedding) == 0 {
			return nil, fmt.Errorf("entry %d (%q) has no embedding", i, entry.Question)
		}
		if i == 0 {
			t.dimensions = len(entry.Embedding)
		} else if len(entry.Embedding) != t.dimensions {
			return nil, fmt.Errorf("entry %d (%q): %w: %d vs %d",
				i, entry.Question, embeddings.ErrDimensionMismatch, len(entry.Embedding), t.dimensions)
		}
		entry.Embedding = append([]float32(nil), entry.Embedding...)
		t.entries[i] = entry
	}
	return t, nil
}

// Len returns the number of entries
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Dimensions returns the embedding length shared by all entries
func (t *Table) Dimensions() int {
	return t.dimensions
}

// Entries returns a copy of the entries in table order
func (t *Table) Entries() []models.KnowledgeEntry {
	out := make([]models.KnowledgeEntry, len(t.entries))
	for i, entry := range t.entries {
		entry.Embedding = append([]float32(nil), entry.Embedding...)
		out[i] = entry
	}
	return out
}

// Cache persists question embeddings between processes
type Cache interface {
	LoadEmbeddings(ctx context.Context, model string, questions []string) (map[string][]float32, error)
	SaveEmbeddings(ctx context.Context, model string, entries []models.KnowledgeEntry) error
}

// Builder embeds QA pairs into a Table
type Builder struct {
	Embedder embeddings.Embedder
	// Cache and Model are optional; cached embeddings are keyed by model name
	Cache  Cache
	Model  string
	Logger *slog.Logger
}

// Build embeds every question and returns the resulting table
func Build(ctx context.Context, embedder embeddings.Embedder, pairs []models.QAPair) (*Table, error) {
	b := &Builder{Embedder: embedder}
	return b.Build(ctx, pairs)
}

func (b *Builder) Build(ctx context.Context, pairs []models.QAPair) (*Table, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cached := map[string][]float32{}
	if b.Cache != nil {
		questions := make([]string, len(pairs))
		for i, p := range pairs {
			questions[i] = p.Question
		}
		loaded, err := b.Cache.LoadEmbeddings(ctx, b.Model, questions)
		if err != nil {
			logger.Warn("failed to load cached embeddings", "error", err)
		} else {
			cached = loaded
		}
	}

	entries := make([]models.KnowledgeEntry, 0, len(pairs))
	var fresh []models.KnowledgeEntry
	for _, p := range pairs {
		entry := models.KnowledgeEntry{
			Question: p.Question,
			Answer:   p.Answer,
			AudioRef: p.Audio,
		}

		if vec, ok := cached[p.Question]; ok {
			entry.Embedding = vec
		} else {
			vec, err := b.Embedder.Embed(ctx, p.Question)
			if err != nil {
				return nil, fmt.Errorf("failed to embed question %q: %w", p.Question, err)
			}
			entry.Embedding = vec
			fresh = append(fresh, entry)
		}
		entries = append(entries, entry)
	}

	table, err := NewTable(entries)
	if err != nil {
		return nil, err
	}

	if b.Cache != nil && len(fresh) > 0 {
		if err := b.Cache.SaveEmbeddings(ctx, b.Model, fresh); err != nil {
			logger.Warn("failed to cache embeddings", "error", err)
		}
	}

	logger.Debug("knowledge table built", "entries", table.Len(), "cached", len(entries)-len(fresh), "dimensions", table.Dimensions())
	return table, nil
}

// Loader builds the table on first use and returns the same table for the
// rest of the process lifetime. A failed build is not memoized.
type Loader struct {
	mu    sync.Mutex
	build func(ctx context.Context) (*Table, error)
	table *Table
}

// NewLoader returns a loader around build
func NewLoader(build func(ctx context.Context) (*Table, error)) *Loader {
	return &Loader{build: build}
}

// StaticLoader returns a loader for an already built table
func StaticLoader(table *Table) *Loader {
	return &Loader{table: table}
}

// Table returns the memoized table, building it if needed
func (l *Loader) Table(ctx context.Context) (*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.table != nil {
		return l.table, nil
	}
	if l.build == nil {
		return nil, ErrNoKnowledgeAvailable
	}

	table, err := l.build(ctx)
	if err != nil {
		return nil, err
	}
	l.table = table
	return table, nil
}

// Result is the entry selected for a query
type Result struct {
	Entry models.KnowledgeEntry
	Index int
	Score float64
}

// Match embeds query and returns the entry with the highest cosine
// similarity. Ties go to the earliest entry.
func Match(ctx context.Context, embedder embeddings.Embedder, query string, table *Table) (Result, error) {
	if table.Len() == 0 {
		return Result{}, ErrNoKnowledgeAvailable
	}

	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("failed to embed query: %w", err)
	}

	best := Result{Index: -1, Score: math.Inf(-1)}
	for i, entry := range table.entries {
		score, err := embeddings.Cosine(vec, entry.Embedding)
		if err != nil {
			return Result{}, fmt.Errorf("entry %d: %w", i, err)
		}
		if score > best.Score {
			best = Result{Entry: entry, Index: i, Score: score}
		}
	}

	// Only reachable when every score is NaN
	if best.Index < 0 {
		best = Result{Entry: table.entries[0], Index: 0, Score: math.NaN()}
	}
	best.Entry.Embedding = append([]float32(nil), best.Entry.Embedding...)
	return best, nil
}
