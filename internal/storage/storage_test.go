package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/visionbot/internal/models"
)

func frameResult(n int) models.FrameResult {
	return models.FrameResult{
		Frame: n,
		Detections: []models.Detection{
			{Box: models.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}, Confidence: 0.5, Class: "person"},
		},
	}
}

func TestFileStorage_Batching(t *testing.T) {
	ctx := context.Background()
	s := NewFileStorage(t.TempDir(), "clip")

	for i := 0; i < batchSize-1; i++ {
		require.NoError(t, s.AddResult(ctx, frameResult(i)))
	}
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "nothing written before the batch fills")

	require.NoError(t, s.AddResult(ctx, frameResult(batchSize-1)))
	results, err := ReadReport(s.Path())
	require.NoError(t, err)
	assert.Len(t, results, batchSize)

	require.NoError(t, s.AddResult(ctx, frameResult(batchSize)))
	require.NoError(t, s.AddResult(ctx, models.FrameResult{Frame: batchSize + 1}))
	require.NoError(t, s.Flush())

	results, err = ReadReport(s.Path())
	require.NoError(t, err)
	require.Len(t, results, batchSize+2)
	for i, r := range results {
		assert.Equal(t, i, r.Frame)
	}
	assert.Empty(t, results[batchSize+1].Detections)
}

func TestFileStorage_ReplacesPreviousReport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewFileStorage(dir, "clip")
	for i := 0; i < 3; i++ {
		require.NoError(t, first.AddResult(ctx, frameResult(i)))
	}
	require.NoError(t, first.Flush())

	second := NewFileStorage(dir, "clip")
	require.NoError(t, second.AddResult(ctx, frameResult(0)))
	require.NoError(t, second.Flush())

	results, err := ReadReport(second.Path())
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFileStorage_EmptyFlushWritesEmptyReport(t *testing.T) {
	s := NewFileStorage(t.TempDir(), "clip")
	require.NoError(t, s.Flush())

	results, err := ReadReport(s.Path())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, ReportFile, filepath.Base(s.Path()))
}

type failingStorage struct{ err error }

func (f failingStorage) AddResult(context.Context, models.FrameResult) error { return f.err }
func (f failingStorage) Flush() error                                        { return f.err }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	a := NewFileStorage(t.TempDir(), "a")
	b := NewFileStorage(t.TempDir(), "b")
	m := Multi{a, b}

	require.NoError(t, m.AddResult(ctx, frameResult(0)))
	require.NoError(t, m.Flush())

	for _, s := range []*FileStorage{a, b} {
		results, err := ReadReport(s.Path())
		require.NoError(t, err)
		assert.Len(t, results, 1)
	}

	boom := errors.New("boom")
	bad := Multi{a, failingStorage{err: boom}}
	assert.ErrorIs(t, bad.AddResult(ctx, frameResult(1)), boom)
	assert.ErrorIs(t, bad.Flush(), boom)
}
