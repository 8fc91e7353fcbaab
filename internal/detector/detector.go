// Package detector finds objects in frames using a vision language model
// served by ollama, either through its OpenAI-compatible /v1 endpoint or its
// native /api.
package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/bdougie/visionbot/internal/models"
)

const (
	defaultMaxSide = 640
	jpegQuality    = 80
)

const systemPrompt = `You are an object detector. Find every distinct object in the image.
Reply with a JSON object of the form
{"objects":[{"label":"person","confidence":0.93,"box":[x1,y1,x2,y2]}]}
where box holds the top-left and bottom-right corners normalized to the range 0..1.
Reply {"objects":[]} when nothing is visible. Do not add any other text.`

// Backends understood by New
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Config configures the vision endpoint
type Config struct {
	// Backend selects the wire protocol: "openai" (default) for any
	// OpenAI-compatible /v1 endpoint, "ollama" for ollama's native /api.
	Backend string
	BaseURL string
	APIKey  string
	Model   string
	// MaxSide bounds the longest edge of the image sent to the model
	MaxSide int
	// MinConfidence drops weaker detections
	MinConfidence float64
}

// backend sends one system prompt, one user prompt and one base64 JPEG to a
// vision model and returns the raw reply
type backend interface {
	complete(ctx context.Context, system, prompt, jpeg string) (string, error)
	ping(ctx context.Context) error
}

// VisionDetector asks a vision chat model for bounding boxes
type VisionDetector struct {
	backend backend
	cfg     Config
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*VisionDetector, error) {
	if cfg.Model == "" {
		return nil, errors.New("vision model is required")
	}
	if cfg.MaxSide <= 0 {
		cfg.MaxSide = defaultMaxSide
	}
	if logger == nil {
		logger = slog.Default()
	}

	var b backend
	switch cfg.Backend {
	case "", BackendOpenAI:
		cfg.Backend = BackendOpenAI
		b = newOpenAIBackend(cfg)
	case BackendOllama:
		b = newOllamaBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown vision backend %q", cfg.Backend)
	}

	return &VisionDetector{
		backend: b,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Ping checks that the endpoint is reachable and serves the configured model
func (d *VisionDetector) Ping(ctx context.Context) error {
	return d.backend.ping(ctx)
}

// Detect runs one inference on frame. Returned boxes are in frame pixels.
func (d *VisionDetector) Detect(ctx context.Context, frame *image.RGBA) ([]models.Detection, error) {
	bounds := frame.Bounds()
	if bounds.Empty() {
		return []models.Detection{}, nil
	}

	payload, sent, err := encodeFrame(frame, d.cfg.MaxSide)
	if err != nil {
		return nil, err
	}

	content, err := d.backend.complete(ctx, systemPrompt, "Detect the objects in this frame.", payload)
	if err != nil {
		return nil, err
	}

	detections, err := parseDetections(content, bounds.Size(), sent, d.cfg.MinConfidence)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("frame analyzed", "backend", d.cfg.Backend, "model", d.cfg.Model, "detections", len(detections))
	return detections, nil
}

// encodeFrame downscales frame to fit maxSide and returns the base64 JPEG
// together with the size of the encoded image
func encodeFrame(frame *image.RGBA, maxSide int) (string, image.Point, error) {
	var img image.Image = frame
	if b := frame.Bounds(); b.Dx() > maxSide || b.Dy() > maxSide {
		img = imaging.Fit(frame, maxSide, maxSide, imaging.Linear)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", image.Point{}, fmt.Errorf("failed to encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), img.Bounds().Size(), nil
}

type response struct {
	Objects []object `json:"objects"`
}

type object struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box"`
}

// parseDetections converts the model reply into pixel-space detections for a
// frame of the given size. sent is the size of the image the model saw.
// Malformed or degenerate boxes are dropped.
func parseDetections(content string, frame, sent image.Point, minConfidence float64) ([]models.Detection, error) {
	content = stripFence(content)

	var resp response
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, fmt.Errorf("unparseable detector reply: %w", err)
	}

	detections := make([]models.Detection, 0, len(resp.Objects))
	for _, obj := range resp.Objects {
		if len(obj.Box) != 4 {
			continue
		}
		confidence := clamp(obj.Confidence, 0, 1)
		if confidence < minConfidence {
			continue
		}

		box := toPixels(obj.Box, frame, sent)
		if !box.Valid() {
			continue
		}

		class := strings.TrimSpace(obj.Label)
		if class == "" {
			class = "object"
		}
		detections = append(detections, models.Detection{Box: box, Confidence: confidence, Class: class})
	}
	return detections, nil
}

// toPixels maps a box onto the frame. Normalized coordinates scale by the
// frame size. Coordinates above 1 are pixels of the sent image and scale by
// frame/sent.
func toPixels(coords []float64, frame, sent image.Point) models.Box {
	normalized := true
	for _, c := range coords {
		if c > 1 {
			normalized = false
			break
		}
	}

	width, height := float64(frame.X), float64(frame.Y)
	sx, sy := width, height
	if !normalized {
		sx, sy = 1, 1
		if sent.X > 0 && sent.Y > 0 {
			sx, sy = width/float64(sent.X), height/float64(sent.Y)
		}
	}
	return models.Box{
		X1: int(math.Round(clamp(coords[0]*sx, 0, width))),
		Y1: int(math.Round(clamp(coords[1]*sy, 0, height))),
		X2: int(math.Round(clamp(coords[2]*sx, 0, width))),
		Y2: int(math.Round(clamp(coords[3]*sy, 0, height))),
	}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
