// Package server exposes video annotation and the QA chatbot over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bdougie/visionbot/internal/analyzer"
	"github.com/bdougie/visionbot/internal/audio"
	"github.com/bdougie/visionbot/internal/chat"
	"github.com/bdougie/visionbot/internal/knowledge"
	"github.com/bdougie/visionbot/internal/metrics"
)

const maxUpload = "1G"

// Annotator runs the annotation pipeline on files
type Annotator interface {
	AnnotateFile(ctx context.Context, inputPath, outputPath string) (*analyzer.Report, error)
}

type Config struct {
	// WorkDir receives temporary uploads and outputs; empty means os.TempDir
	WorkDir string
}

type Server struct {
	echo      *echo.Echo
	annotator Annotator
	bot       *chat.Bot
	sessions  *chat.Sessions
	metrics   *metrics.Metrics
	workDir   string
	logger    *slog.Logger

	// annotation runs one video at a time
	annotateMu sync.Mutex
}

func New(cfg Config, annotator Annotator, bot *chat.Bot, sessions *chat.Sessions, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if sessions == nil {
		sessions = chat.NewSessions(m)
	}

	s := &Server{
		echo:      echo.New(),
		annotator: annotator,
		bot:       bot,
		sessions:  sessions,
		metrics:   m,
		workDir:   cfg.WorkDir,
		logger:    logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	api := e.Group("/api")
	api.POST("/annotate", s.handleAnnotate, middleware.BodyLimit(maxUpload))
	api.POST("/sessions", s.handleCreateSession)
	api.DELETE("/sessions/:id", s.handleCloseSession)
	api.POST("/sessions/:id/ask", s.handleAsk)
	api.GET("/sessions/:id/history", s.handleHistory)
	api.GET("/audio", s.handleAudioList)
	api.GET("/audio/:key", s.handleAudio)
}

// Handler returns the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.logger.Info("server listening", "addr", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (s *Server) handleAnnotate(c echo.Context) error {
	if s.annotator == nil {
		return errorJSON(c, http.StatusServiceUnavailable, errors.New("annotation is not configured"))
	}

	header, err := c.FormFile("video")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, fmt.Errorf("missing video upload: %w", err))
	}

	inputPath, err := s.saveUpload(header)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	defer os.Remove(inputPath)

	output, err := os.CreateTemp(s.workDir, "annotated-*.avi")
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, fmt.Errorf("failed to create output file: %w", err))
	}
	outputPath := output.Name()
	output.Close()
	defer os.Remove(outputPath)

	s.annotateMu.Lock()
	report, err := s.annotator.AnnotateFile(c.Request().Context(), inputPath, outputPath)
	s.annotateMu.Unlock()
	if err != nil {
		s.logger.Error("annotation failed", "upload", header.Filename, "error", err)
		return errorJSON(c, annotateStatus(err), err)
	}

	h := c.Response().Header()
	h.Set("X-Frames-Written", strconv.Itoa(report.FramesWritten))
	h.Set("X-Frames-With-Detections", strconv.Itoa(report.FramesWithDetections))
	h.Set("X-Detections", strconv.Itoa(report.Detections))
	return c.Attachment(outputPath, "annotated.avi")
}

func (s *Server) saveUpload(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(s.workDir, "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return dst.Name(), nil
}

func annotateStatus(err error) int {
	switch {
	case errors.Is(err, analyzer.ErrSourceUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, analyzer.ErrDetectionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreateSession(c echo.Context) error {
	session := s.sessions.Create()
	return c.JSON(http.StatusCreated, map[string]any{
		"id":      session.ID,
		"created": session.Created,
	})
}

func (s *Server) handleCloseSession(c echo.Context) error {
	if err := s.sessions.Close(c.Param("id")); err != nil {
		return errorJSON(c, http.StatusNotFound, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type askRequest struct {
	Question string `json:"question" form:"question"`
}

func (s *Server) handleAsk(c echo.Context) error {
	if s.bot == nil {
		return errorJSON(c, http.StatusServiceUnavailable, errors.New("chat is not configured"))
	}

	session, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusNotFound, err)
	}

	var req askRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	reply, err := s.bot.Ask(c.Request().Context(), session, req.Question)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, knowledge.ErrNoKnowledgeAvailable) {
			status = http.StatusServiceUnavailable
		}
		return errorJSON(c, status, err)
	}
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) handleHistory(c echo.Context) error {
	session, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusNotFound, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":    session.ID,
		"turns": session.History(),
	})
}

func (s *Server) handleAudioList(c echo.Context) error {
	keys := []string{}
	if s.bot != nil {
		keys = s.bot.AudioKeys()
	}
	return c.JSON(http.StatusOK, map[string][]string{"keys": keys})
}

func (s *Server) handleAudio(c echo.Context) error {
	if s.bot == nil {
		return errorJSON(c, http.StatusServiceUnavailable, errors.New("chat is not configured"))
	}
	// only configured clips are served over HTTP
	key := c.Param("key")
	if !slices.Contains(s.bot.AudioKeys(), key) {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("%w: %s", audio.ErrMissingAudioAsset, key))
	}
	path, err := s.bot.Play(key)
	if err != nil {
		if errors.Is(err, audio.ErrMissingAudioAsset) {
			return errorJSON(c, http.StatusNotFound, err)
		}
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.File(path)
}
