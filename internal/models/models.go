package models

import (
	"fmt"
	"time"
)

// Box is a bounding box in pixel coordinates
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the box has a positive area
func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Within reports whether every corner lies inside [0,w]x[0,h]
func (b Box) Within(w, h int) bool {
	return b.X1 >= 0 && b.Y1 >= 0 && b.X2 <= w && b.Y2 <= h
}

// Detection represents a detected object in a single frame
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

// Label is the overlay text drawn above the box
func (d Detection) Label() string {
	return fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
}

// VideoInfo describes the geometry and timing of a video stream
type VideoInfo struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
	Frames int     `json:"frames"` // 0 when the container does not report a count
}

// FrameResult represents the detections found in one frame
type FrameResult struct {
	Frame      int         `json:"frame"`
	Detections []Detection `json:"detections"`
}

// QAPair is a canned question with its answer and optional audio key
type QAPair struct {
	Question string `json:"question" mapstructure:"question"`
	Answer   string `json:"answer" mapstructure:"answer"`
	Audio    string `json:"audio,omitempty" mapstructure:"audio"`
}

// KnowledgeEntry is a QAPair with its precomputed question embedding
type KnowledgeEntry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Embedding []float32 `json:"-"`
	AudioRef  string    `json:"audio_ref,omitempty"`
}

// ConversationTurn is one question and answer in a chat session
type ConversationTurn struct {
	UserText string    `json:"user"`
	BotText  string    `json:"bot"`
	AudioRef string    `json:"audio_ref,omitempty"`
	Time     time.Time `json:"time"`
}
