package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ExtractStills writes a JPEG still every interval seconds of the video into
// a subfolder of outputDir named after the video, and returns their paths
func ExtractStills(ctx context.Context, cfg Config, videoPath, outputDir string, interval int, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid still interval %d", interval)
	}

	// Check if video file exists
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}

	videoName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	stillDirPath := filepath.Join(outputDir, videoName)

	// Reuse stills from a previous run
	if stills, err := listStills(stillDirPath); err == nil && len(stills) > 0 {
		logger.Info("stills already exist, skipping extraction", "dir", stillDirPath, "count", len(stills))
		return stills, nil
	}

	if err := os.MkdirAll(stillDirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create still directory '%s': %v", stillDirPath, err)
	}

	logger.Info("extracting stills", "video", videoPath, "dir", stillDirPath, "interval", interval)

	cmd := exec.CommandContext(ctx, cfg.FFmpeg,
		"-v", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%d", interval),
		filepath.Join(stillDirPath, "frame_%04d.jpg"),
	)

	// Capture output for better error reporting
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, string(output))
	}

	return listStills(stillDirPath)
}

func listStills(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var stills []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(strings.ToLower(file.Name()), ".jpg") {
			stills = append(stills, filepath.Join(dir, file.Name()))
		}
	}
	sort.Strings(stills)
	return stills, nil
}
