package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/visionbot/internal/models"
)

// Config names the ffmpeg binaries and the output encoding
type Config struct {
	FFmpeg  string
	FFprobe string
	Codec   string // ffmpeg video encoder, e.g. mpeg4
	Tag     string // optional fourcc, e.g. xvid
}

// DefaultConfig returns the XVID-in-AVI encoding used for annotated output
func DefaultConfig() Config {
	return Config{
		FFmpeg:  "ffmpeg",
		FFprobe: "ffprobe",
		Codec:   "mpeg4",
		Tag:     "xvid",
	}
}

// FrameSource yields decoded frames in presentation order.
// Next returns io.EOF once no frame remains.
type FrameSource interface {
	Info() models.VideoInfo
	Next() (*image.RGBA, error)
	Close() error
}

// FrameSink accepts frames in the order they should be encoded
type FrameSink interface {
	WriteFrame(frame *image.RGBA) error
	Close() error
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideData []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Probe reads the display geometry, frame rate and frame count of the first
// video stream. Width and height are swapped for streams rotated by 90 or 270
// degrees.
func Probe(ctx context.Context, cfg Config, videoPath string) (models.VideoInfo, error) {
	info, _, err := probe(ctx, cfg, videoPath)
	return info, err
}

func probe(ctx context.Context, cfg Config, videoPath string) (models.VideoInfo, int, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return models.VideoInfo{}, 0, fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}

	cmd := exec.CommandContext(ctx, cfg.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return models.VideoInfo{}, 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(output)
}

// parseProbe returns the display geometry and the clockwise rotation in
// degrees (0, 90, 180 or 270) needed to show the coded frames upright.
func parseProbe(data []byte) (models.VideoInfo, int, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return models.VideoInfo{}, 0, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return models.VideoInfo{}, 0, errors.New("no video stream found")
	}

	stream := out.Streams[0]
	if stream.Width <= 0 || stream.Height <= 0 {
		return models.VideoInfo{}, 0, fmt.Errorf("invalid frame size %dx%d", stream.Width, stream.Height)
	}

	fps := parseRate(stream.RFrameRate)
	if fps <= 0 {
		fps = parseRate(stream.AvgFrameRate)
	}
	if fps <= 0 {
		return models.VideoInfo{}, 0, errors.New("unknown frame rate")
	}

	frames, _ := strconv.Atoi(stream.NbFrames)

	// The rotate tag is clockwise; the display matrix angle is counter-clockwise.
	var degrees float64
	if tag, err := strconv.ParseFloat(stream.Tags.Rotate, 64); err == nil {
		degrees = tag
	} else {
		for _, sd := range stream.SideData {
			if sd.Rotation != 0 {
				degrees = -sd.Rotation
				break
			}
		}
	}
	rotation := normalizeRotation(degrees)

	info := models.VideoInfo{
		Width:  stream.Width,
		Height: stream.Height,
		FPS:    fps,
		Frames: frames,
	}
	if rotation == 90 || rotation == 270 {
		info.Width, info.Height = info.Height, info.Width
	}
	return info, rotation, nil
}

// normalizeRotation snaps degrees to the nearest quarter turn in [0, 360)
func normalizeRotation(degrees float64) int {
	quarter := int(math.Round(degrees/90)) % 4
	if quarter < 0 {
		quarter += 4
	}
	return quarter * 90
}

// rotationFilter returns the ffmpeg filter that turns coded frames upright
func rotationFilter(rotation int) string {
	switch rotation {
	case 90:
		return "transpose=clock"
	case 180:
		return "hflip,vflip"
	case 270:
		return "transpose=cclock"
	default:
		return ""
	}
}

// parseRate parses ffprobe rationals such as "30000/1001"
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Source decodes RGBA frames from an ffmpeg process
type Source struct {
	info   models.VideoInfo
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	done   bool
}

// Open probes the video and starts decoding it
func Open(ctx context.Context, cfg Config, videoPath string) (*Source, error) {
	info, rotation, err := probe(ctx, cfg, videoPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.FFmpeg, decodeArgs(videoPath, rotation)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &Source{
		info:   info,
		cmd:    cmd,
		stdout: stdout,
		cancel: cancel,
	}, nil
}

// decodeArgs builds the decoder command line. ffmpeg's automatic rotation is
// off; frames are turned upright by the filter matching the probed rotation.
func decodeArgs(videoPath string, rotation int) []string {
	args := []string{
		"-v", "error",
		"-noautorotate",
		"-i", videoPath,
		"-an",
	}
	if filter := rotationFilter(rotation); filter != "" {
		args = append(args, "-vf", filter)
	}
	return append(args,
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
}

func (s *Source) Info() models.VideoInfo {
	return s.info
}

// Next returns the next frame. A short or failed read ends the stream.
func (s *Source) Next() (*image.RGBA, error) {
	if s.done {
		return nil, io.EOF
	}

	frame := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	if _, err := io.ReadFull(s.stdout, frame.Pix); err != nil {
		s.done = true
		return nil, io.EOF
	}
	return frame, nil
}

// Close stops the decoder. Decoder exit status is not reported since a
// truncated stream is treated as a normal end of stream.
func (s *Source) Close() error {
	s.done = true
	s.cancel()
	_ = s.cmd.Wait()
	return nil
}

// Sink encodes RGBA frames through an ffmpeg process
type Sink struct {
	info   models.VideoInfo
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	closed bool
}

// Create starts an encoder writing to outputPath with the geometry and
// frame rate of info
func Create(ctx context.Context, cfg Config, outputPath string, info models.VideoInfo) (*Sink, error) {
	if info.Width <= 0 || info.Height <= 0 || info.FPS <= 0 {
		return nil, fmt.Errorf("invalid output format %dx%d@%v", info.Width, info.Height, info.FPS)
	}

	// Fail early when the destination cannot be created
	file, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file '%s': %w", outputPath, err)
	}
	file.Close()

	args := []string{
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-r", strconv.FormatFloat(info.FPS, 'f', -1, 64),
		"-i", "-",
		"-c:v", cfg.Codec,
	}
	if cfg.Tag != "" {
		args = append(args, "-vtag", cfg.Tag)
	}
	args = append(args, outputPath)

	cmd := exec.CommandContext(ctx, cfg.FFmpeg, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &Sink{
		info:   info,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
	}, nil
}

// WriteFrame appends one frame to the output stream
func (s *Sink) WriteFrame(frame *image.RGBA) error {
	if s.closed {
		return errors.New("sink is closed")
	}

	bounds := frame.Bounds()
	if bounds.Dx() != s.info.Width || bounds.Dy() != s.info.Height {
		return fmt.Errorf("frame size %dx%d does not match output %dx%d",
			bounds.Dx(), bounds.Dy(), s.info.Width, s.info.Height)
	}

	rowBytes := s.info.Width * 4
	if frame.Stride == rowBytes {
		_, err := s.stdin.Write(frame.Pix[:rowBytes*s.info.Height])
		return err
	}
	for y := 0; y < s.info.Height; y++ {
		offset := y * frame.Stride
		if _, err := s.stdin.Write(frame.Pix[offset : offset+rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the encoder and waits for the output file to be finalized
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.stdin.Close(); err != nil {
		return err
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, s.stderr.String())
	}
	return nil
}
