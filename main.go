package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/stevemurr/docstore/config"
	"github.com/stevemurr/docstore/document"
	"github.com/stevemurr/docstore/handler"
	"github.com/stevemurr/docstore/store"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "docstore",
		Short:        "Optimistic-concurrency JSON document store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			level, _ := cfg.Level()
			logger = newLogger(level)
			slog.SetDefault(logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.AddCommand(
		newServeCommand(),
		newInitCommand(),
		newGetCommand(),
		newPutCommand(),
	)
	return root
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// openDatabase opens the database described by cfg.
func openDatabase(ctx context.Context) (*store.Database, error) {
	gen, err := cfg.Generator()
	if err != nil {
		return nil, err
	}
	db, err := store.New(ctx, cfg.Backend, cfg.DataSource(),
		store.WithGenerator(gen),
		store.WithLogger(logger),
		store.WithLockTimeout(cfg.LockTimeout),
		store.WithMaxOpenConns(cfg.MaxOpenConns),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open store (backend=%s): %w", cfg.Backend, err)
	}
	return db, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	h := handler.New(db, logger)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler.CORS(handler.RateLimit(h, cfg.RateLimit), cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("docstore starting", "addr", cfg.Listen, "backend", cfg.Backend, "versions", cfg.VersionScheme)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the document schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Info("schema installed", "backend", cfg.Backend)
			return nil
		},
	}
}

type documentLine struct {
	ID      uuid.UUID        `json:"id"`
	Body    json.RawMessage  `json:"body"`
	Version document.Version `json:"version"`
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>...",
		Short: "Print documents as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, len(args))
			for i, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("invalid document id %q: %w", a, err)
				}
				ids[i] = id
			}
			return withSession(cmd.Context(), func(s *store.DocumentStore) error {
				docs, err := s.GetDocuments(cmd.Context(), ids)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, d := range docs {
					if err := enc.Encode(documentLine{ID: d.ID, Body: d.Body, Version: d.Version}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newPutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put <id> <version|-> <body>",
		Short: "Write a document if its version is still <version>",
		Long: "Write a document if its version is still <version> and print the new version.\n" +
			"Use - as the version of a document that does not exist, and null as the body to clear it.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id %q: %w", args[0], err)
			}
			version := document.Empty
			if args[1] != "-" {
				if version, err = document.ParseVersion(args[1]); err != nil {
					return err
				}
			}
			return withSession(cmd.Context(), func(s *store.DocumentStore) error {
				next, err := store.UpdateDocument(cmd.Context(), s, id, []byte(args[2]), version)
				if c, ok := document.IsConflict(err); ok {
					return fmt.Errorf("conflict on %s: version %q is not current", c.ID, c.Version)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), next)
				return nil
			})
		},
	}
}

func withSession(ctx context.Context, fn func(*store.DocumentStore) error) error {
	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	s, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
