package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/bdougie/visionbot/internal/models"
)

// KnowledgeHit is a knowledge row ranked by similarity to a query vector
type KnowledgeHit struct {
	Question   string
	Answer     string
	Similarity float64
}

// PostgresStorage persists detections, knowledge embeddings and chat turns
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to the database. The schema must already exist
// (see InitSchema).
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Close releases the pool
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// upsertVideo registers the video, refreshing its geometry on re-runs
func (s *PostgresStorage) upsertVideo(ctx context.Context, videoName string, info models.VideoInfo) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO videos (name, width, height, fps, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (name)
        DO UPDATE SET width = EXCLUDED.width, height = EXCLUDED.height, fps = EXCLUDED.fps
        RETURNING id`,
		videoName, info.Width, info.Height, info.FPS, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to register video %q: %w", videoName, err)
	}
	return id, nil
}

// ForVideo returns a Storage recording frame results for one video. Results
// of a previous run of the same video are replaced.
func (s *PostgresStorage) ForVideo(ctx context.Context, videoName string, info models.VideoInfo) (Storage, error) {
	videoID, err := s.upsertVideo(ctx, videoName, info)
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, "DELETE FROM frames WHERE video_id = $1", videoID); err != nil {
		return nil, fmt.Errorf("failed to clear previous frames: %w", err)
	}

	return &videoStorage{pool: s.pool, videoID: videoID}, nil
}

type videoStorage struct {
	pool    *pgxpool.Pool
	videoID int
}

// AddResult stores the frame row and its detections
func (v *videoStorage) AddResult(ctx context.Context, result models.FrameResult) error {
	var frameID int
	err := v.pool.QueryRow(ctx,
		`INSERT INTO frames
        (video_id, frame_number, detection_count, created_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id`,
		v.videoID, result.Frame, len(result.Detections), time.Now()).Scan(&frameID)
	if err != nil {
		return fmt.Errorf("failed to store frame information: %w", err)
	}

	if len(result.Detections) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range result.Detections {
		batch.Queue(
			`INSERT INTO detections
            (frame_id, class, confidence, x1, y1, x2, y2)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			frameID, d.Class, d.Confidence, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
	}
	if err := v.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store detections: %w", err)
	}
	return nil
}

// Flush is a no-op for Postgres as results are saved immediately
func (v *videoStorage) Flush() error {
	return nil
}

// LoadEmbeddings returns cached question embeddings for model
func (s *PostgresStorage) LoadEmbeddings(ctx context.Context, model string, questions []string) (map[string][]float32, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT question, embedding FROM knowledge WHERE model = $1 AND question = ANY($2)`,
		model, questions)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32, len(questions))
	for rows.Next() {
		var question string
		var embedding pgvector.Vector
		if err := rows.Scan(&question, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		out[question] = embedding.Slice()
	}
	return out, rows.Err()
}

// SaveEmbeddings upserts question embeddings for model
func (s *PostgresStorage) SaveEmbeddings(ctx context.Context, model string, entries []models.KnowledgeEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO knowledge (model, question, answer, embedding, created_at)
            VALUES ($1, $2, $3, $4, $5)
            ON CONFLICT (model, question)
            DO UPDATE SET answer = EXCLUDED.answer, embedding = EXCLUDED.embedding`,
			model, e.Question, e.Answer, pgvector.NewVector(e.Embedding), time.Now())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store embeddings: %w", err)
	}
	return nil
}

// SearchKnowledge ranks stored knowledge rows by cosine similarity to vec
func (s *PostgresStorage) SearchKnowledge(ctx context.Context, model string, vec []float32, limit int) ([]KnowledgeHit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT question, answer, 1 - (embedding <=> $1) AS similarity
        FROM knowledge
        WHERE model = $2
        ORDER BY embedding <=> $1, id
        LIMIT $3`,
		pgvector.NewVector(vec), model, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge: %w", err)
	}
	defer rows.Close()

	var hits []KnowledgeHit
	for rows.Next() {
		var hit KnowledgeHit
		if err := rows.Scan(&hit.Question, &hit.Answer, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// RecordTurn appends a conversation turn to the session's history
func (s *PostgresStorage) RecordTurn(ctx context.Context, sessionID string, turn models.ConversationTurn) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (session_id, user_text, bot_text, audio_ref, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		sessionID, turn.UserText, turn.BotText, turn.AudioRef, turn.Time)
	if err != nil {
		return fmt.Errorf("failed to store turn: %w", err)
	}
	return nil
}

// InitSchema creates the pgvector extension, tables and indexes. It is safe
// to run repeatedly.
func InitSchema(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS videos (
            id SERIAL PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            fps DOUBLE PRECISION NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(name)
        );

        CREATE TABLE IF NOT EXISTS frames (
            id SERIAL PRIMARY KEY,
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            frame_number INTEGER NOT NULL,
            detection_count INTEGER NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(video_id, frame_number)
        );

        CREATE TABLE IF NOT EXISTS detections (
            id SERIAL PRIMARY KEY,
            frame_id INTEGER REFERENCES frames(id) ON DELETE CASCADE,
            class TEXT NOT NULL,
            confidence DOUBLE PRECISION NOT NULL,
            x1 INTEGER NOT NULL,
            y1 INTEGER NOT NULL,
            x2 INTEGER NOT NULL,
            y2 INTEGER NOT NULL
        );

        CREATE TABLE IF NOT EXISTS knowledge (
            id SERIAL PRIMARY KEY,
            model VARCHAR(255) NOT NULL,
            question TEXT NOT NULL,
            answer TEXT NOT NULL,
            embedding vector NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(model, question)
        );

        CREATE TABLE IF NOT EXISTS turns (
            id SERIAL PRIMARY KEY,
            session_id VARCHAR(64) NOT NULL,
            user_text TEXT NOT NULL,
            bot_text TEXT NOT NULL,
            audio_ref TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_frames_video_id ON frames(video_id);
        CREATE INDEX IF NOT EXISTS idx_detections_frame_id ON detections(frame_id);
        CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id, id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
