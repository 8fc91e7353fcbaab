package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/visionbot/internal/models"
)

// Set VISIONBOT_TEST_DSN to a database with the pgvector extension available.
func testStorage(t *testing.T) *PostgresStorage {
	t.Helper()
	dsn := os.Getenv("VISIONBOT_TEST_DSN")
	if dsn == "" {
		t.Skip("VISIONBOT_TEST_DSN not set")
	}

	ctx := context.Background()
	require.NoError(t, InitSchema(ctx, dsn))
	s, err := NewPostgresStorage(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgres_Embeddings(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	model := "test-" + uuid.NewString()

	entries := []models.KnowledgeEntry{
		{Question: "조장이 누구인가요", Answer: "조장은 유재현 입니다.", Embedding: []float32{1, 0, 0}},
		{Question: "모델은 어떤 걸 썼나요?", Answer: "bert", Embedding: []float32{0, 1, 0}},
	}
	require.NoError(t, s.SaveEmbeddings(ctx, model, entries))

	loaded, err := s.LoadEmbeddings(ctx, model, []string{"조장이 누구인가요", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"조장이 누구인가요": {1, 0, 0}}, loaded)

	hits, err := s.SearchKnowledge(ctx, model, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "조장은 유재현 입니다.", hits[0].Answer)
}

func TestPostgres_VideoResults(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	name := "clip-" + uuid.NewString()
	info := models.VideoInfo{Width: 64, Height: 48, FPS: 10}

	for run := 0; run < 2; run++ {
		store, err := s.ForVideo(ctx, name, info)
		require.NoError(t, err)
		require.NoError(t, store.AddResult(ctx, frameResult(0)))
		require.NoError(t, store.AddResult(ctx, models.FrameResult{Frame: 1}))
		require.NoError(t, store.Flush())
	}

	var frames int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT count(*) FROM frames f JOIN videos v ON f.video_id = v.id WHERE v.name = $1`, name).Scan(&frames))
	assert.Equal(t, 2, frames)
}

func TestPostgres_RecordTurn(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	sessionID := uuid.NewString()

	require.NoError(t, s.RecordTurn(ctx, sessionID, models.ConversationTurn{
		UserText: "q", BotText: "a", Time: time.Now(),
	}))

	var count int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM turns WHERE session_id = $1`, sessionID).Scan(&count))
	assert.Equal(t, 1, count)
}
