package main

import (
	"bytes"
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/visionbot/internal/audio"
	"github.com/bdougie/visionbot/internal/chat"
	"github.com/bdougie/visionbot/internal/config"
	"github.com/bdougie/visionbot/internal/knowledge"
	"github.com/bdougie/visionbot/internal/models"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32((sum>>(i*8))&0xff) + 1
	}
	return vec, nil
}

func TestChatLoop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latte.wav"), []byte("RIFF"), 0o644))

	table, err := knowledge.Build(context.Background(), hashEmbedder{}, knowledge.DefaultPairs())
	require.NoError(t, err)
	bot := chat.NewBot(knowledge.StaticLoader(table), hashEmbedder{},
		chat.WithAudio(audio.NewLibrary(dir, map[string]string{"latte": "latte.wav"})))

	in := strings.NewReader("조장이 누구인가요\n/history\n/play latte\n/play mocha\n/quit\nnever read\n")
	var out bytes.Buffer
	require.NoError(t, chatLoop(context.Background(), in, &out, bot))

	text := out.String()
	assert.Contains(t, text, "bot: 조장은 유재현 입니다.")
	assert.Contains(t, text, "you: 조장이 누구인가요")
	assert.Contains(t, text, "audio: "+filepath.Join(dir, "latte.wav"))
	assert.Contains(t, text, "audio unavailable")
	assert.NotContains(t, text, "never read")
}

func TestChatLoop_NoKnowledge(t *testing.T) {
	bot := chat.NewBot(knowledge.StaticLoader(nil), hashEmbedder{})
	err := chatLoop(context.Background(), strings.NewReader("hello\n"), &bytes.Buffer{}, bot)
	assert.ErrorIs(t, err, knowledge.ErrNoKnowledgeAvailable)
}

func TestStoreFactory_Report(t *testing.T) {
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	dir := t.TempDir()
	testApp := &app{cfg: cfg}

	store, err := testApp.storeFactory(dir)(context.Background(), "clip", models.VideoInfo{Width: 2, Height: 2, FPS: 1})
	require.NoError(t, err)
	require.NoError(t, store.AddResult(context.Background(), models.FrameResult{Frame: 0}))
	require.NoError(t, store.Flush())

	_, err = os.Stat(filepath.Join(dir, "clip", "detections.json"))
	assert.NoError(t, err)
}
