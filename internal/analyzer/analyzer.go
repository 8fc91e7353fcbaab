package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdougie/visionbot/internal/extractor"
	"github.com/bdougie/visionbot/internal/metrics"
	"github.com/bdougie/visionbot/internal/models"
	"github.com/bdougie/visionbot/internal/overlay"
	"github.com/bdougie/visionbot/internal/storage"
)

const progressEvery = 50 // frames between progress log lines

var (
	// ErrSourceUnreadable means the input video could not be opened
	ErrSourceUnreadable = errors.New("video source unreadable")
	// ErrSinkUnwritable means the output video could not be created or written
	ErrSinkUnwritable = errors.New("video sink unwritable")
	// ErrDetectionFailed means the detector failed on a frame; the run is aborted
	ErrDetectionFailed = errors.New("detection failed")
)

// Detector finds objects in a single frame
type Detector interface {
	Detect(ctx context.Context, frame *image.RGBA) ([]models.Detection, error)
}

// StoreFactory opens the result store for one video
type StoreFactory func(ctx context.Context, videoName string, info models.VideoInfo) (storage.Storage, error)

// Report summarizes an annotation run
type Report struct {
	Video                models.VideoInfo `json:"video"`
	FramesWritten        int              `json:"frames_written"`
	FramesWithDetections int              `json:"frames_with_detections"`
	EmptyFrames          []int            `json:"empty_frames"`
	Detections           int              `json:"detections"`
	Elapsed              time.Duration    `json:"elapsed"`
}

type Processor struct {
	detector Detector
	stores   StoreFactory
	codec    extractor.Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	open   func(ctx context.Context, cfg extractor.Config, path string) (extractor.FrameSource, error)
	create func(ctx context.Context, cfg extractor.Config, path string, info models.VideoInfo) (extractor.FrameSink, error)
}

// Option configures a Processor
type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithCodec(cfg extractor.Config) Option {
	return func(p *Processor) { p.codec = cfg }
}

// WithStores records per-frame results of every AnnotateFile run
func WithStores(factory StoreFactory) Option {
	return func(p *Processor) { p.stores = factory }
}

func NewProcessor(detector Detector, opts ...Option) *Processor {
	p := &Processor{
		detector: detector,
		codec:    extractor.DefaultConfig(),
		logger:   slog.Default(),
		open: func(ctx context.Context, cfg extractor.Config, path string) (extractor.FrameSource, error) {
			src, err := extractor.Open(ctx, cfg, path)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		create: func(ctx context.Context, cfg extractor.Config, path string, info models.VideoInfo) (extractor.FrameSink, error) {
			sink, err := extractor.Create(ctx, cfg, path, info)
			if err != nil {
				return nil, err
			}
			return sink, nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AnnotateFile reads inputPath, draws detections on every frame and writes
// the result to outputPath with the same size and frame rate. Both files are
// left in place for the caller to clean up.
func (p *Processor) AnnotateFile(ctx context.Context, inputPath, outputPath string) (report *Report, err error) {
	p.logger.Info("processing video", "input", inputPath, "output", outputPath)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.PipelineRun(status)
	}()

	src, err := p.open(ctx, p.codec, inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	defer src.Close()

	info := src.Info()
	sink, err := p.create(ctx, p.codec, outputPath, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkUnwritable, err)
	}

	var store storage.Storage
	if p.stores != nil {
		videoName := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
		store, err = p.stores(ctx, videoName, info)
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("failed to open result store: %w", err)
		}
	}

	report, err = p.Run(ctx, src, sink, store)
	closeErr := sink.Close()
	if err != nil {
		return report, err
	}
	if closeErr != nil {
		return report, fmt.Errorf("%w: %w", ErrSinkUnwritable, closeErr)
	}

	if store != nil {
		if err := store.Flush(); err != nil {
			return report, fmt.Errorf("failed to flush final results: %w", err)
		}
	}

	p.logger.Info("video annotated",
		"frames", report.FramesWritten,
		"with_detections", report.FramesWithDetections,
		"detections", report.Detections,
		"elapsed", report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// Run annotates frames from src into sink one at a time, in order. The
// stream ends at the first frame that cannot be decoded. store may be nil.
func (p *Processor) Run(ctx context.Context, src extractor.FrameSource, sink extractor.FrameSink, store storage.Storage) (*Report, error) {
	started := time.Now()
	info := src.Info()
	report := &Report{Video: info, EmptyFrames: []int{}}

	for frameNum := 0; ; frameNum++ {
		frame, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("decode failed, ending stream", "frame", frameNum, "error", err)
			}
			break
		}

		detections, err := p.detectFrame(ctx, frame)
		if err != nil {
			report.Elapsed = time.Since(started)
			return report, fmt.Errorf("%w: frame %d: %w", ErrDetectionFailed, frameNum, err)
		}

		if len(detections) == 0 {
			p.logger.Info("no detections", "frame", frameNum)
			p.metrics.FrameWithoutDetections()
			report.EmptyFrames = append(report.EmptyFrames, frameNum)
		} else {
			for _, d := range detections {
				overlay.Draw(frame, d)
				p.metrics.Detection(d.Class)
			}
			report.FramesWithDetections++
			report.Detections += len(detections)
		}

		if err := sink.WriteFrame(frame); err != nil {
			report.Elapsed = time.Since(started)
			return report, fmt.Errorf("%w: frame %d: %w", ErrSinkUnwritable, frameNum, err)
		}
		report.FramesWritten++
		p.metrics.FrameProcessed()

		if store != nil {
			result := models.FrameResult{Frame: frameNum, Detections: detections}
			if err := store.AddResult(ctx, result); err != nil {
				report.Elapsed = time.Since(started)
				return report, fmt.Errorf("failed to store frame %d: %w", frameNum, err)
			}
		}

		if (frameNum+1)%progressEvery == 0 {
			p.logger.Info("annotating", "frame", frameNum+1, "total", info.Frames)
		}
	}

	report.Elapsed = time.Since(started)
	return report, nil
}

func (p *Processor) detectFrame(ctx context.Context, frame *image.RGBA) ([]models.Detection, error) {
	start := time.Now()
	detections, err := p.detector.Detect(ctx, frame)
	p.metrics.DetectLatency(time.Since(start))
	if err != nil {
		return nil, err
	}
	if detections == nil {
		detections = []models.Detection{}
	}
	return detections, nil
}
