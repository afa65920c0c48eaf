package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sakif/readmebot/internal/config"
	sqliteRepo "github.com/sakif/readmebot/internal/repository/sqlite"
	"github.com/sakif/readmebot/internal/server"
	"github.com/sakif/readmebot/internal/service"
	"github.com/sakif/readmebot/internal/vault"
)

// flagValues holds command-line overrides. Only flags the user actually set
// are applied on top of file and environment.
type flagValues struct {
	configPath string
	port       int
	dbPath     string
	logLevel   string
	logFormat  string
	generator  string
}

func newRootCmd() *cobra.Command {
	var fv flagValues

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and generation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &fv)
		},
	}

	root := &cobra.Command{
		Use:   "server",
		Short: "Regenerate GitHub READMEs on every push",
		Long: `readmebot links GitHub accounts through OAuth, registers push webhooks on
activated repositories and commits a regenerated README after each push to
the default branch.`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}

	bindFlags(root.PersistentFlags(), &fv)

	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "keygen",
			Short: "Print a random 32-byte hex key for TOKEN_ENCRYPTION_KEY",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runKeygen(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "recover",
			Short: "Write FAILED entries for generation attempts interrupted by a crash, then exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRecover(cmd, &fv)
			},
		},
	)
	return root
}

func bindFlags(fs *pflag.FlagSet, fv *flagValues) {
	fs.StringVarP(&fv.configPath, "config", "c", "", "path to a YAML config file")
	fs.IntVar(&fv.port, "port", 0, "HTTP port (overrides PORT)")
	fs.StringVar(&fv.dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	fs.StringVar(&fv.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&fv.logFormat, "log-format", "", "text or json")
	fs.StringVar(&fv.generator, "generator", "", "README generator: builtin or docker")
}

// loadConfig resolves defaults, file, environment, then flags.
func loadConfig(fs *pflag.FlagSet, fv *flagValues) (config.Config, error) {
	cfg, err := config.Load(fv.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("port") {
		cfg.Port = fv.port
	}
	if fs.Changed("db") {
		cfg.DBPath = fv.dbPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = fv.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = fv.logFormat
	}
	if fs.Changed("generator") {
		cfg.Generator.Mode = fv.generator
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, fv *flagValues) error {
	cfg, err := loadConfig(cmd.Flags(), fv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}

	// Start blocks until SIGINT/SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func runKeygen(w io.Writer) error {
	key, err := vault.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, key)
	return err
}

// runRecover needs only the database, so it skips full config validation.
func runRecover(cmd *cobra.Command, fv *flagValues) error {
	cfg, err := loadConfig(cmd.Flags(), fv)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	n, err := service.NewActivityService(db, db, logger).RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "closed %d interrupted attempt(s)\n", n)
	return nil
}

// newLogger builds the process logger. Unknown levels fall back to info and
// unknown formats to text.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
