// Command nzbcored runs the headless download engine: it loads an Options
// struct from a YAML config file, wires together the server pool, scheduler
// and disk-state store, and blocks until signalled to stop. It is the only
// piece of the repository that touches a config file on disk; the engine
// packages only ever see the parsed Options struct.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/javi11/nzbcore/internal/config"
	"github.com/javi11/nzbcore/internal/control"
	"github.com/javi11/nzbcore/internal/diskstate"
	"github.com/javi11/nzbcore/internal/dupeindex"
	"github.com/javi11/nzbcore/internal/model"
	"github.com/javi11/nzbcore/internal/queueapi"
	"github.com/javi11/nzbcore/internal/scheduler"
	"github.com/javi11/nzbcore/internal/serverpool"
	"github.com/javi11/nzbcore/internal/statmeter"
	"github.com/javi11/nzbcore/internal/writer"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "nzbcored",
	Short: "nzbcored is a headless Usenet download engine",
	Long: `nzbcored ingests NZB jobs, downloads and decodes their articles across a
pool of NNTP servers, and reassembles them into files on disk. It exposes no
UI of its own; front-ends talk to the queue through the in-process QueueAPI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func setupLogging(cfg config.LoggingOptions, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out *lumberjack.Logger
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch {
	case out != nil && cfg.JSON:
		handler = slog.NewJSONHandler(out, opts)
	case out != nil:
		handler = slog.NewTextHandler(out, opts)
	case cfg.JSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log := setupLogging(cfg.Logging, verbose)

	for _, dir := range []string{cfg.Paths.DestDir, cfg.Paths.TempDir, cfg.Paths.QueueDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}

	store := diskstate.New(cfg.Paths.QueueDir)
	queue, err := store.Load(ctx)
	if err != nil {
		log.Warn("starting with an empty queue; disk state load failed", "error", err)
		queue = model.NewQueue()
	}

	dupes, err := dupeindex.New(ctx, cfg.Paths.DupeIndex)
	if err != nil {
		return fmt.Errorf("opening dupe index: %w", err)
	}
	defer func() { _ = dupes.Close() }()

	servers := config.ToNewsServers(cfg.Servers)
	pool, err := serverpool.New(servers, log)
	if err != nil {
		return fmt.Errorf("building server pool: %w", err)
	}
	defer func() { _ = pool.Close() }()

	stat := statmeter.New()
	if err := store.LoadStats(stat); err != nil {
		log.Warn("restoring statistics failed", "error", err)
	}
	var throttle *statmeter.Throttle
	if cfg.Queue.SpeedLimitBytes > 0 {
		throttle = statmeter.NewThrottle(cfg.Queue.SpeedLimitBytes)
	}

	pauseCtx := control.NewPauseContext(ctx)

	writerOf := func(file *model.FileInfo) *writer.ArticleWriter {
		outPath := filepath.Join(cfg.Paths.DestDir, file.Filename)
		scratchDir := filepath.Join(cfg.Paths.TempDir, fmt.Sprintf("%d", file.NzbID))
		_ = os.MkdirAll(scratchDir, 0o755)
		return writer.New(file, writer.ModeDirect, outPath, scratchDir)
	}

	coord := scheduler.New(queue, pool, stat, throttle, writerOf, pauseCtx, store, cfg.Queue.MaxActiveDownloads, log)
	api := queueapi.New(queue, dupes, coord, store, log)
	_ = api // the in-process QueueAPI handle; a control surface (out of scope) would take this

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		for ev := range coord.Completions() {
			switch {
			case ev.NzbDone:
				// This is where the post-processing pipeline (out of scope)
				// would pick the job up from history.
				log.Info("job handed to history", "nzb", ev.NzbID)
			case ev.Article == nil:
				log.Info("file completed", "nzb", ev.NzbID, "file", ev.FileID)
			default:
				log.Debug("article completed", "nzb", ev.NzbID, "file", ev.FileID, "status", ev.Status.String())
			}
		}
	}()

	log.Info("nzbcored starting", "servers", len(servers), "maxActive", cfg.Queue.MaxActiveDownloads)
	coord.Run(runCtx)
	log.Info("nzbcored shutting down")

	queue.Lock()
	err = store.Save(queue)
	queue.Unlock()
	if err != nil {
		log.Error("final checkpoint failed", "error", err)
	}
	if err := store.SaveStats(stat); err != nil {
		log.Error("saving statistics failed", "error", err)
	}
	return nil
}

func main() {
	rootCmd.SetContext(context.Background())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
