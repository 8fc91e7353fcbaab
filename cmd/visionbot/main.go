package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/bdougie/visionbot/internal/chat"
	"github.com/bdougie/visionbot/internal/config"
	"github.com/bdougie/visionbot/internal/extractor"
	"github.com/bdougie/visionbot/internal/metrics"
	"github.com/bdougie/visionbot/internal/server"
	"github.com/bdougie/visionbot/internal/storage"
)

var (
	v          = config.New()
	configFile string
	a          = &app{}
)

var rootCmd = &cobra.Command{
	Use:           "visionbot",
	Short:         "Annotate videos with a vision model and answer portfolio questions",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// A missing .env is fine
		_ = godotenv.Load()

		cfg, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		level, _ := cfg.Log.SlogLevel()

		a.cfg = cfg
		a.logger = slog.New(
			tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: "15:04:05",
			}),
		)
		slog.SetDefault(a.logger)
		a.metrics = metrics.New()
		return nil
	},
}

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Draw detections onto every frame of a video",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		videoPath, _ := cmd.Flags().GetString("video")
		outputDir, _ := cmd.Flags().GetString("output")
		stillEvery, _ := cmd.Flags().GetInt("stills")
		withReport, _ := cmd.Flags().GetBool("report")

		if err := a.openDB(ctx); err != nil {
			return err
		}
		defer a.close()

		det, err := a.newDetector(ctx)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		videoName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
		outputPath := filepath.Join(outputDir, videoName+"_annotated.avi")

		reportDir := ""
		if withReport {
			reportDir = outputDir
		}
		processor := a.newProcessor(det, reportDir)

		fmt.Printf("Starting video annotation...\n")
		report, err := processor.AnnotateFile(ctx, videoPath, outputPath)
		if err != nil {
			return err
		}

		fmt.Printf("Annotated %d frames (%d with detections, %d objects) in %s\n",
			report.FramesWritten, report.FramesWithDetections, report.Detections, report.Elapsed.Round(time.Millisecond))
		fmt.Printf("Output: %s\n", outputPath)
		if withReport {
			fmt.Printf("Report: %s\n", storage.NewFileStorage(reportDir, videoName).Path())
		}

		if stillEvery > 0 {
			stills, err := extractor.ExtractStills(ctx, a.codec(), outputPath, filepath.Join(outputDir, "stills"), stillEvery, a.logger)
			if err != nil {
				return fmt.Errorf("failed to extract stills: %w", err)
			}
			fmt.Printf("Extracted %d stills\n", len(stills))
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question from the knowledge table",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		explain, _ := cmd.Flags().GetBool("explain")

		if err := a.openDB(ctx); err != nil {
			return err
		}
		defer a.close()

		bot, err := a.newBot()
		if err != nil {
			return err
		}

		question := strings.Join(args, " ")
		reply, err := bot.Ask(ctx, chat.NewSession(), question)
		if err != nil {
			return err
		}
		printReply(cmd.OutOrStdout(), reply)

		if explain {
			return explainMatch(ctx, cmd.OutOrStdout(), question)
		}
		return nil
	},
}

// explainMatch lists the closest stored questions as ranked by pgvector
func explainMatch(ctx context.Context, w io.Writer, question string) error {
	if a.db == nil {
		return errors.New("--explain needs database.dsn")
	}
	vec, err := a.embedder.Embed(ctx, question)
	if err != nil {
		return err
	}
	hits, err := a.db.SearchKnowledge(ctx, a.cfg.Model.Embedding, vec, 3)
	if err != nil {
		return err
	}
	for i, hit := range hits {
		fmt.Fprintf(w, "%d. %.4f  %s\n", i+1, hit.Similarity, hit.Question)
	}
	return nil
}

func printReply(w io.Writer, reply chat.Reply) {
	fmt.Fprintf(w, "bot: %s\n", reply.Turn.BotText)
	if reply.Turn.AudioRef != "" {
		fmt.Fprintf(w, "audio: %s\n", reply.Turn.AudioRef)
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive question answering on stdin",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := a.openDB(ctx); err != nil {
			return err
		}
		defer a.close()

		bot, err := a.newBot()
		if err != nil {
			return err
		}
		return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), bot)
	},
}

// chatLoop answers one question per line. /history, /play <key> and /quit
// are commands.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, bot *chat.Bot) error {
	session := chat.NewSession()
	scanner := bufio.NewScanner(in)

	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "/quit":
			return nil
		case line == "/history":
			for _, turn := range session.History() {
				fmt.Fprintf(out, "you: %s\nbot: %s\n", turn.UserText, turn.BotText)
			}
		case strings.HasPrefix(line, "/play "):
			path, err := bot.Play(strings.TrimSpace(strings.TrimPrefix(line, "/play ")))
			if err != nil {
				fmt.Fprintf(out, "audio unavailable: %v\n", err)
			} else {
				fmt.Fprintf(out, "audio: %s\n", path)
			}
		default:
			reply, err := bot.Ask(ctx, session, line)
			if err != nil {
				return err
			}
			printReply(out, reply)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.openDB(ctx); err != nil {
			return err
		}
		defer a.close()

		bot, err := a.newBot()
		if err != nil {
			return err
		}

		var annotator server.Annotator
		det, err := a.newDetector(ctx)
		if err != nil {
			a.logger.Warn("video annotation disabled", "error", err)
		} else {
			annotator = a.newProcessor(det, "")
		}

		srv := server.New(server.Config{WorkDir: a.cfg.Video.WorkDir}, annotator, bot, chat.NewSessions(a.metrics), a.metrics, a.logger)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(a.cfg.Server.Addr)
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the Postgres schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if a.cfg.Database.DSN == "" {
			return errors.New("database.dsn is not set")
		}
		if err := storage.InitSchema(cmd.Context(), a.cfg.Database.DSN); err != nil {
			return err
		}
		a.logger.Info("schema ready")
		return nil
	},
}

var audioCmd = &cobra.Command{
	Use:   "audio",
	Short: "Inspect configured audio clips",
}

var audioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audio keys and whether their clips exist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		lib := a.audioLibrary()
		for _, key := range lib.Keys() {
			path, err := lib.Resolve(key)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tmissing\n", key)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, path)
		}
		return nil
	},
}

var audioPlayCmd = &cobra.Command{
	Use:   "play <key|path>",
	Short: "Resolve a clip for playback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := a.audioLibrary().Resolve(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("dsn", "", "Postgres DSN; enables persistence")
	rootCmd.PersistentFlags().String("base-url", "", "OpenAI-compatible API base URL")

	if err := v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}
	if err := v.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("dsn")); err != nil {
		panic(err)
	}
	if err := v.BindPFlag("model.base_url", rootCmd.PersistentFlags().Lookup("base-url")); err != nil {
		panic(err)
	}

	annotateCmd.Flags().String("video", "", "input video path")
	annotateCmd.Flags().String("output", "output", "output directory")
	annotateCmd.Flags().Int("stills", 0, "also extract a still every N seconds of the output")
	annotateCmd.Flags().Bool("report", false, "write a per-frame detections.json report")
	if err := annotateCmd.MarkFlagRequired("video"); err != nil {
		panic(err)
	}

	askCmd.Flags().Bool("explain", false, "show the closest stored questions (needs a database)")

	serveCmd.Flags().String("addr", "", "listen address")
	if err := v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr")); err != nil {
		panic(err)
	}

	audioCmd.AddCommand(audioListCmd, audioPlayCmd)
	rootCmd.AddCommand(annotateCmd, askCmd, chatCmd, serveCmd, initdbCmd, audioCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("visionbot failed", "error", err)
		os.Exit(1)
	}
}
