package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/visionbot/internal/models"
)

const batchSize = 10 // results between report writes

// ReportFile is the name of the per-video detection report
const ReportFile = "detections.json"

// Storage defines the interface for storing per-frame detection results
type Storage interface {
	// AddResult adds a single frame result
	AddResult(ctx context.Context, result models.FrameResult) error

	// Flush persists anything still buffered
	Flush() error
}

// FileStorage batches frame results into a JSON report on disk. Each flush
// rewrites the whole report, replacing any report left by an earlier run.
type FileStorage struct {
	mu        sync.Mutex
	pending   int
	results   []models.FrameResult
	outputDir string
	videoName string
}

// NewFileStorage creates a report writer for outputDir/videoName/detections.json
func NewFileStorage(outputDir, videoName string) *FileStorage {
	return &FileStorage{
		results:   []models.FrameResult{},
		outputDir: outputDir,
		videoName: videoName,
	}
}

// Path returns the report location
func (s *FileStorage) Path() string {
	return filepath.Join(s.outputDir, s.videoName, ReportFile)
}

// AddResult records a result and writes the report every batchSize results
func (s *FileStorage) AddResult(ctx context.Context, result models.FrameResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	s.pending++

	if s.pending >= batchSize {
		if err := s.write(); err != nil {
			return fmt.Errorf("failed to flush results: %w", err)
		}
	}
	return nil
}

// Flush writes the report including every result added so far
func (s *FileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write()
}

// write replaces the report through a temporary file so readers never see
// a partial document
func (s *FileStorage) write() error {
	path := s.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.Marshal(s.results)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".detections-*.json")
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace report: %w", err)
	}

	s.pending = 0
	return nil
}

// ReadReport loads a report written by FileStorage
func ReadReport(path string) ([]models.FrameResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var results []models.FrameResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", path, err)
	}
	return results, nil
}

// Multi fans results out to several stores
type Multi []Storage

func (m Multi) AddResult(ctx context.Context, result models.FrameResult) error {
	for _, s := range m {
		if err := s.AddResult(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Flush() error {
	for _, s := range m {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}
