package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdougie/visionbot/internal/analyzer"
	"github.com/bdougie/visionbot/internal/audio"
	"github.com/bdougie/visionbot/internal/chat"
	"github.com/bdougie/visionbot/internal/config"
	"github.com/bdougie/visionbot/internal/detector"
	"github.com/bdougie/visionbot/internal/embeddings"
	"github.com/bdougie/visionbot/internal/extractor"
	"github.com/bdougie/visionbot/internal/knowledge"
	"github.com/bdougie/visionbot/internal/metrics"
	"github.com/bdougie/visionbot/internal/models"
	"github.com/bdougie/visionbot/internal/storage"
)

// app is the explicit application context shared by the commands
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	db       *storage.PostgresStorage
	embedder *embeddings.Cached
}

func (a *app) codec() extractor.Config {
	return extractor.Config{
		FFmpeg:  a.cfg.Video.FFmpeg,
		FFprobe: a.cfg.Video.FFprobe,
		Codec:   a.cfg.Video.Codec,
		Tag:     a.cfg.Video.Tag,
	}
}

// openDB connects to Postgres when a DSN is configured
func (a *app) openDB(ctx context.Context) error {
	if a.cfg.Database.DSN == "" || a.db != nil {
		return nil
	}
	db, err := storage.NewPostgresStorage(ctx, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.logger.Info("connected to database")
	a.db = db
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) newEmbedder() (*embeddings.Cached, error) {
	if a.embedder != nil {
		return a.embedder, nil
	}
	e, err := embeddings.NewOpenAIEmbedder(embeddings.Config{
		BaseURL: a.cfg.Model.BaseURL,
		APIKey:  a.cfg.Model.APIKey,
		Model:   a.cfg.Model.Embedding,
	})
	if err != nil {
		return nil, err
	}
	a.embedder = embeddings.NewCached(e)
	return a.embedder, nil
}

func (a *app) audioLibrary() *audio.Library {
	return audio.NewLibrary(a.cfg.AudioDir, a.cfg.Audio)
}

func (a *app) newBot() (*chat.Bot, error) {
	embedder, err := a.newEmbedder()
	if err != nil {
		return nil, err
	}

	builder := &knowledge.Builder{
		Embedder: embedder,
		Model:    a.cfg.Model.Embedding,
		Logger:   a.logger,
	}
	if a.db != nil {
		builder.Cache = a.db
	}
	pairs := a.cfg.Knowledge
	loader := knowledge.NewLoader(func(ctx context.Context) (*knowledge.Table, error) {
		return builder.Build(ctx, pairs)
	})

	opts := []chat.Option{
		chat.WithAudio(a.audioLibrary()),
		chat.WithMetrics(a.metrics),
		chat.WithLogger(a.logger),
	}
	if a.db != nil {
		opts = append(opts, chat.WithRecorder(a.db))
	}
	return chat.NewBot(loader, embedder, opts...), nil
}

func (a *app) newDetector(ctx context.Context) (*detector.VisionDetector, error) {
	d, err := detector.New(detector.Config{
		Backend:       a.cfg.Model.Backend,
		BaseURL:       a.cfg.Model.BaseURL,
		APIKey:        a.cfg.Model.APIKey,
		Model:         a.cfg.Model.Vision,
		MaxSide:       a.cfg.Model.MaxSide,
		MinConfidence: a.cfg.Model.MinConfidence,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		return nil, fmt.Errorf("vision model check failed: %w", err)
	}
	return d, nil
}

// newProcessor wires the pipeline. reportDir enables detections.json reports.
func (a *app) newProcessor(det analyzer.Detector, reportDir string) *analyzer.Processor {
	opts := []analyzer.Option{
		analyzer.WithLogger(a.logger),
		analyzer.WithMetrics(a.metrics),
		analyzer.WithCodec(a.codec()),
	}
	if reportDir != "" || a.db != nil {
		opts = append(opts, analyzer.WithStores(a.storeFactory(reportDir)))
	}
	return analyzer.NewProcessor(det, opts...)
}

func (a *app) storeFactory(reportDir string) analyzer.StoreFactory {
	return func(ctx context.Context, videoName string, info models.VideoInfo) (storage.Storage, error) {
		var stores storage.Multi
		if reportDir != "" {
			stores = append(stores, storage.NewFileStorage(reportDir, videoName))
		}
		if a.db != nil {
			s, err := a.db.ForVideo(ctx, videoName, info)
			if err != nil {
				return nil, err
			}
			stores = append(stores, s)
		}
		return stores, nil
	}
}
