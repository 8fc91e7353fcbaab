// Package chat answers user questions from the knowledge table and keeps
// per-session conversation history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdougie/visionbot/internal/audio"
	"github.com/bdougie/visionbot/internal/embeddings"
	"github.com/bdougie/visionbot/internal/knowledge"
	"github.com/bdougie/visionbot/internal/metrics"
	"github.com/bdougie/visionbot/internal/models"
)

// TurnRecorder persists turns outside the process
type TurnRecorder interface {
	RecordTurn(ctx context.Context, sessionID string, turn models.ConversationTurn) error
}

// Reply is the outcome of one question
type Reply struct {
	Turn models.ConversationTurn `json:"turn"`
	// Matched is the knowledge question that was selected
	Matched string  `json:"matched"`
	Score   float64 `json:"score"`
	// AudioMissing is set when the answer references a clip that is not on disk
	AudioMissing bool `json:"audio_missing,omitempty"`
}

type Bot struct {
	knowledge *knowledge.Loader
	embedder  embeddings.Embedder
	audio     *audio.Library
	recorder  TurnRecorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Bot)

func WithAudio(lib *audio.Library) Option {
	return func(b *Bot) { b.audio = lib }
}

// WithRecorder also persists every turn. Recording failures are logged only.
func WithRecorder(r TurnRecorder) Option {
	return func(b *Bot) { b.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bot) { b.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bot) { b.logger = logger }
}

func NewBot(loader *knowledge.Loader, embedder embeddings.Embedder, opts ...Option) *Bot {
	b := &Bot{
		knowledge: loader,
		embedder:  embedder,
		audio:     audio.NewLibrary("", nil),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Ask matches query against the knowledge table and appends the resulting
// turn to the session. Empty queries are matched like any other.
func (b *Bot) Ask(ctx context.Context, session *Session, query string) (Reply, error) {
	table, err := b.knowledge.Table(ctx)
	if err != nil {
		b.metrics.Match("error", 0)
		return Reply{}, fmt.Errorf("failed to load knowledge: %w", err)
	}

	result, err := knowledge.Match(ctx, b.embedder, query, table)
	if err != nil {
		b.metrics.Match("error", 0)
		return Reply{}, err
	}
	b.metrics.Match("ok", result.Score)

	turn := models.ConversationTurn{
		UserText: query,
		BotText:  result.Entry.Answer,
		Time:     b.now(),
	}
	reply := Reply{Matched: result.Entry.Question, Score: result.Score}

	if ref := result.Entry.AudioRef; ref != "" {
		path, err := b.audio.Resolve(ref)
		if err != nil {
			b.logger.Warn("answer audio unavailable", "audio", ref, "error", err)
			b.metrics.MissingAudio()
			reply.AudioMissing = true
		} else {
			turn.AudioRef = path
		}
	}

	session.append(turn)
	reply.Turn = turn

	if b.recorder != nil {
		if err := b.recorder.RecordTurn(ctx, session.ID, turn); err != nil {
			b.logger.Warn("failed to record turn", "session", session.ID, "error", err)
		}
	}

	b.logger.Debug("question answered", "session", session.ID, "matched", result.Entry.Question, "score", result.Score)
	return reply, nil
}

// Play resolves a user-selected clip. A missing clip is logged and
// reported with audio.ErrMissingAudioAsset.
func (b *Bot) Play(key string) (string, error) {
	path, err := b.audio.Resolve(key)
	if err != nil {
		if errors.Is(err, audio.ErrMissingAudioAsset) {
			b.logger.Warn("selected audio unavailable", "audio", key, "error", err)
			b.metrics.MissingAudio()
		}
		return "", err
	}
	return path, nil
}

// AudioKeys lists the configured clips
func (b *Bot) AudioKeys() []string {
	return b.audio.Keys()
}
