package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"exportstudio/internal/api"
	"exportstudio/internal/archive"
	"exportstudio/internal/chunker"
	"exportstudio/internal/config"
	"exportstudio/internal/export"
	"exportstudio/internal/ingest"
	"exportstudio/internal/jobs"
	"exportstudio/internal/store"
	"exportstudio/internal/worker"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagDB       string
	flagCacheDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto CLI exit codes: 1 argument error,
// 2 parse failure, 3 I/O failure, 4 subprocess failure.
func exitCode(err error) int {
	switch {
	case errors.Is(err, archive.ErrBadArchive):
		return 2
	case errors.Is(err, worker.ErrSubprocess):
		return 4
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return 3
	case errors.Is(err, jobs.ErrInvalidInput), errors.Is(err, store.ErrNotFound):
		return 1
	default:
		return 1
	}
}

// loadConfig layers the flag overrides on top of file + env config.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagCacheDir != "" {
		cfg.CacheDir = flagCacheDir
	}
	return cfg, nil
}

func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openRW opens the read-write store handle, creating the data dir as needed.
func openRW(cfg config.Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(cfg.DBPath)
}

var rootCmd = &cobra.Command{
	Use:           "exportstudio",
	Short:         "Offline chat-history export explorer and transformer",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.LogLevel)

		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}

		rw, err := openRW(cfg)
		if err != nil {
			return err
		}
		defer rw.Close()

		reader, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer reader.Close()

		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}

		coord := jobs.NewCoordinator(rw, cfg.CacheDir, execPath, cfg.DBPath, logger)
		if _, err := coord.ReapAbandoned(cmd.Context()); err != nil {
			logger.Warn("abandoned job reap failed", "error", err)
		}

		srv := api.NewServer(cfg.Port, reader, coord, cfg.DataDir, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("HTTP server error", "error", err)
			}
		}()

		logger.Info("export studio ready", "port", cfg.Port, "db", cfg.DBPath)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import ARCHIVE",
	Short: "Import an official chat-history export ZIP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.LogLevel)
		force, _ := cmd.Flags().GetBool("force")

		s, err := openRW(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := ingest.New(s, logger).Ingest(cmd.Context(), args[0], force)
		if err != nil {
			return err
		}

		fmt.Printf("Imported conversations: %d, messages: %d\n", res.ConversationsAdded, res.MessagesAdded)
		fmt.Printf("Skipped: %d, failed records: %d\n", res.Skipped, res.FailedRecords)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		limit, _ := cmd.Flags().GetInt("limit")
		search, _ := cmd.Flags().GetString("search")
		gizmo, _ := cmd.Flags().GetString("gizmo")

		s, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		convs, err := s.ListConversations(cmd.Context(), store.ListOptions{
			Limit:       limit,
			TitleSearch: search,
			GizmoID:     gizmo,
		})
		if err != nil {
			return err
		}

		for _, c := range convs {
			id := c.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Printf("%s  %4d  %s\n", id, c.MessageCount, c.Title)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Full-text search over messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		hits, err := s.Search(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}

		for _, h := range hits {
			conv := h.ConversationID
			if len(conv) > 8 {
				conv = conv[:8]
			}
			fmt.Printf("%s  %-9s  %s\n", conv, h.Role, h.Snippet)
		}
		return nil
	},
}

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Build overlapping chunks for conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.LogLevel)

		targetSize, _ := cmd.Flags().GetInt("target-size")
		overlap, _ := cmd.Flags().GetInt("overlap")
		conversation, _ := cmd.Flags().GetString("conversation")

		if targetSize == 0 {
			targetSize = cfg.Chunking.TargetSize
		}
		if overlap == 0 {
			overlap = cfg.Chunking.Overlap
		}

		s, err := openRW(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ch := chunker.New(s, chunker.Config{TargetSize: targetSize, Overlap: overlap}, logger)

		if conversation != "" {
			n, err := ch.ChunkConversation(cmd.Context(), conversation)
			if err != nil {
				return err
			}
			fmt.Printf("Chunked %d chunks for %s\n", n, conversation)
			return nil
		}

		stats, err := ch.ChunkAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Chunked %d chunks across %d conversations\n", stats.Chunks, stats.Conversations)
		return nil
	},
}

var exportMDCmd = &cobra.Command{
	Use:   "export-md CONVERSATION_ID",
	Short: "Export a conversation to Markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		out, _ := cmd.Flags().GetString("out")
		redact, _ := cmd.Flags().GetBool("redact")

		s, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		var redactor *export.Redactor
		if redact {
			redactor = export.NewRedactor()
		}
		md, err := export.Markdown(cmd.Context(), s, args[0], redactor)
		if err != nil {
			return err
		}

		if err := os.WriteFile(out, []byte(md), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Printf("Wrote %s\n", out)
		return nil
	},
}

var exportJSONLCmd = &cobra.Command{
	Use:   "export-jsonl",
	Short: "Export all messages as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		out, _ := cmd.Flags().GetString("out")
		redact, _ := cmd.Flags().GetBool("redact")

		s, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer f.Close()

		n, err := export.MessagesJSONL(cmd.Context(), s, f, redact)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d rows -> %s\n", n, out)
		return nil
	},
}

var exportPairsCmd = &cobra.Command{
	Use:   "export-pairs",
	Short: "Export user→assistant training pairs as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		out, _ := cmd.Flags().GetString("out")
		redact, _ := cmd.Flags().GetBool("redact")

		s, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer f.Close()

		n, err := export.TrainingPairsJSONL(cmd.Context(), s, f, redact)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d pairs -> %s\n", n, out)
		return nil
	},
}

var exportObsidianCmd = &cobra.Command{
	Use:   "export-obsidian",
	Short: "Export all conversations as an Obsidian-style vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		outDir, _ := cmd.Flags().GetString("out-dir")
		redact, _ := cmd.Flags().GetBool("redact")

		s, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := export.Vault(cmd.Context(), s, outDir, redact)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d files -> %s\n", stats.FilesWritten, outDir)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		s, err := store.OpenReadOnly(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := s.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Conversations: %d\nMessages: %d\nChunks: %d\nProjects: %d\n",
			st.Conversations, st.Messages, st.Chunks, st.Projects)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = config.DefaultPath()
		}
		cfg := config.Default(config.DefaultDataDir())
		if err := config.Init(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Configuration initialized at %s\n", path)
		return nil
	},
}

// workerCmd is the out-of-process job executor the coordinator spawns. Not
// meant to be run by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Execute one AI-pattern job (spawned by the coordinator)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.LogLevel)

		jobID, _ := cmd.Flags().GetString("job-id")
		if jobID == "" {
			return fmt.Errorf("%w: --job-id required", jobs.ErrInvalidInput)
		}

		s, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		w := worker.New(s, cfg.CacheDir, cfg.Fabric, cfg.PDF, logger)
		return w.Run(ctx, jobID)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database file path")
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", "", "artifact cache directory")

	serveCmd.Flags().Int("port", 0, "listen port")

	importCmd.Flags().Bool("force", false, "replace conversations already ingested")

	listCmd.Flags().IntP("limit", "n", 50, "maximum conversations to show")
	listCmd.Flags().String("search", "", "title substring filter")
	listCmd.Flags().String("gizmo", "", "project filter")

	searchCmd.Flags().IntP("limit", "n", 50, "maximum hits to show")

	chunkCmd.Flags().Int("target-size", 0, "chunk window size in characters")
	chunkCmd.Flags().Int("overlap", 0, "chunk overlap in characters")
	chunkCmd.Flags().String("conversation", "", "chunk a single conversation")

	exportMDCmd.Flags().String("out", "", "output markdown path")
	exportMDCmd.MarkFlagRequired("out")
	exportMDCmd.Flags().Bool("redact", false, "redact obvious PII in output")

	exportJSONLCmd.Flags().String("out", "", "output jsonl path")
	exportJSONLCmd.MarkFlagRequired("out")
	exportJSONLCmd.Flags().Bool("redact", false, "redact obvious PII in output")

	exportPairsCmd.Flags().String("out", "", "output jsonl path")
	exportPairsCmd.MarkFlagRequired("out")
	exportPairsCmd.Flags().Bool("redact", false, "redact obvious PII in output")

	exportObsidianCmd.Flags().String("out-dir", "", "output folder")
	exportObsidianCmd.MarkFlagRequired("out-dir")
	exportObsidianCmd.Flags().Bool("redact", false, "redact obvious PII in output")

	workerCmd.Flags().String("job-id", "", "job id to execute")

	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(chunkCmd)
	rootCmd.AddCommand(exportMDCmd)
	rootCmd.AddCommand(exportJSONLCmd)
	rootCmd.AddCommand(exportPairsCmd)
	rootCmd.AddCommand(exportObsidianCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(workerCmd)
}
