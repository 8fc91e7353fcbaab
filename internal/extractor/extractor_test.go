package extractor

import (
	"context"
	"image"
	"image/color"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/visionbot/internal/models"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		rate string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001.0},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"abc/1", 0},
	}

	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseRate(tt.rate), 1e-9)
		})
	}
}

func TestParseProbe(t *testing.T) {
	t.Run("full stream", func(t *testing.T) {
		info, rotation, err := parseProbe([]byte(`{"streams":[{"width":640,"height":360,"r_frame_rate":"30/1","avg_frame_rate":"30/1","nb_frames":"300"}]}`))
		require.NoError(t, err)
		assert.Equal(t, models.VideoInfo{Width: 640, Height: 360, FPS: 30, Frames: 300}, info)
		assert.Zero(t, rotation)
	})

	t.Run("falls back to average rate", func(t *testing.T) {
		info, _, err := parseProbe([]byte(`{"streams":[{"width":32,"height":16,"r_frame_rate":"0/0","avg_frame_rate":"24/1"}]}`))
		require.NoError(t, err)
		assert.Equal(t, 24.0, info.FPS)
		assert.Zero(t, info.Frames)
	})

	t.Run("no streams", func(t *testing.T) {
		_, _, err := parseProbe([]byte(`{"streams":[]}`))
		assert.Error(t, err)
	})

	t.Run("no rate", func(t *testing.T) {
		_, _, err := parseProbe([]byte(`{"streams":[{"width":32,"height":16}]}`))
		assert.Error(t, err)
	})

	t.Run("bad json", func(t *testing.T) {
		_, _, err := parseProbe([]byte(`not json`))
		assert.Error(t, err)
	})
}

func TestParseProbe_Rotated(t *testing.T) {
	tests := []struct {
		name         string
		stream       string
		wantW, wantH int
		wantRotation int
		wantFilter   string
	}{
		{
			name:         "rotate tag",
			stream:       `"tags":{"rotate":"90"}`,
			wantW:        1080,
			wantH:        1920,
			wantRotation: 90,
			wantFilter:   "transpose=clock",
		},
		{
			name:         "display matrix",
			stream:       `"side_data_list":[{"side_data_type":"Display Matrix","rotation":-90}]`,
			wantW:        1080,
			wantH:        1920,
			wantRotation: 90,
			wantFilter:   "transpose=clock",
		},
		{
			name:         "counter-clockwise display matrix",
			stream:       `"side_data_list":[{"side_data_type":"Display Matrix","rotation":90}]`,
			wantW:        1080,
			wantH:        1920,
			wantRotation: 270,
			wantFilter:   "transpose=cclock",
		},
		{
			name:         "upside down",
			stream:       `"tags":{"rotate":"180"}`,
			wantW:        1920,
			wantH:        1080,
			wantRotation: 180,
			wantFilter:   "hflip,vflip",
		},
		{
			name:         "no rotation",
			stream:       `"tags":{}`,
			wantW:        1920,
			wantH:        1080,
			wantRotation: 0,
			wantFilter:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := `{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1",` + tt.stream + `}]}`
			info, rotation, err := parseProbe([]byte(data))
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, info.Width)
			assert.Equal(t, tt.wantH, info.Height)
			assert.Equal(t, tt.wantRotation, rotation)
			assert.Equal(t, tt.wantFilter, rotationFilter(rotation))
		})
	}
}

func TestDecodeArgs(t *testing.T) {
	args := decodeArgs("in.mp4", 90)
	noAuto := slices.Index(args, "-noautorotate")
	input := slices.Index(args, "-i")
	require.GreaterOrEqual(t, noAuto, 0)
	assert.Less(t, noAuto, input, "-noautorotate must precede the input")

	filter := slices.Index(args, "-vf")
	require.Greater(t, filter, input)
	assert.Equal(t, "transpose=clock", args[filter+1])

	assert.NotContains(t, decodeArgs("in.mp4", 0), "-vf")
}

func TestNormalizeRotation(t *testing.T) {
	for degrees, want := range map[float64]int{0: 0, 90: 90, -90: 270, 270: 270, -180: 180, 360: 0, 89.9: 90, -270: 90} {
		assert.Equal(t, want, normalizeRotation(degrees), "degrees %v", degrees)
	}
}

func TestProbe_MissingFile(t *testing.T) {
	_, err := Probe(context.Background(), DefaultConfig(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)
}

func TestCreate_UnwritablePath(t *testing.T) {
	info := models.VideoInfo{Width: 16, Height: 16, FPS: 10}
	_, err := Create(context.Background(), DefaultConfig(), filepath.Join(t.TempDir(), "missing", "out.avi"), info)
	assert.Error(t, err)
}

func TestCreate_InvalidFormat(t *testing.T) {
	_, err := Create(context.Background(), DefaultConfig(), filepath.Join(t.TempDir(), "out.avi"), models.VideoInfo{})
	assert.Error(t, err)
}

func TestListStills(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_0002.jpg", "frame_0001.JPG", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755))

	stills, err := listStills(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "frame_0001.JPG"),
		filepath.Join(dir, "frame_0002.jpg"),
	}, stills)
}

func TestRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	ctx := context.Background()
	cfg := DefaultConfig()
	info := models.VideoInfo{Width: 64, Height: 48, FPS: 10}
	path := filepath.Join(t.TempDir(), "clip.avi")

	sink, err := Create(ctx, cfg, path, info)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		frame := image.NewRGBA(image.Rect(0, 0, info.Width, info.Height))
		fill := color.RGBA{R: uint8(i * 40), G: 80, B: 160, A: 255}
		for y := 0; y < info.Height; y++ {
			for x := 0; x < info.Width; x++ {
				frame.SetRGBA(x, y, fill)
			}
		}
		require.NoError(t, sink.WriteFrame(frame))
	}
	require.NoError(t, sink.Close())

	src, err := Open(ctx, cfg, path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 64, src.Info().Width)
	assert.Equal(t, 48, src.Info().Height)
	assert.InDelta(t, 10.0, src.Info().FPS, 0.01)

	count := 0
	for {
		frame, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 64, 48), frame.Bounds())
		count++
	}
	assert.Equal(t, 6, count)
}
