package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/davstr1/sequelae-mcp/internal/config"
	"github.com/davstr1/sequelae-mcp/internal/executor"
	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/davstr1/sequelae-mcp/internal/pool"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile  string
	databaseURL string
	verbose     bool
	quiet       bool
	jsonLogs    bool
)

var rootCmd = &cobra.Command{
	Use:   "sequelae",
	Short: "SQL execution and backup services for PostgreSQL",
	Long: `sequelae executes SQL against a PostgreSQL backend through a bounded
connection pool with per-call transaction and timeout semantics, and
produces backups by orchestrating pg_dump.

Two front-ends share the same engine:
  - one-shot commands (exec, schema, backup) for scripts and humans
  - a long-lived stdio JSON-RPC tool server (serve) for assistants`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional, env is used otherwise)")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (overrides config and env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "output logs in JSON format")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Logs go to stderr: stdout carries query results and, in serve mode,
	// the JSON-RPC stream.
	if jsonLogs {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads configuration from the config file or environment, then
// applies the --database-url override.
func loadConfig() (*models.Config, error) {
	parser := config.NewParser()

	var cfg *models.Config
	var err error
	if configFile != "" {
		cfg, err = parser.LoadFile(configFile)
	} else if databaseURL != "" {
		cfg = &models.Config{
			DatabaseURL: databaseURL,
			Pool: models.PoolSettings{
				MaxConns:         config.DefaultMaxConns,
				IdleTimeout:      config.DefaultIdleTimeout,
				ConnectTimeout:   config.DefaultConnectTimeout,
				StatementTimeout: config.DefaultStatementTimeout,
			},
			Server: models.ServerSettings{
				RateLimit: config.DefaultRateLimit,
				RateBurst: config.DefaultRateBurst,
			},
		}
	} else {
		cfg, err = parser.LoadEnv()
	}
	if err != nil {
		return nil, err
	}

	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
		if _, err := config.ParseConnString(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// newExecutor wires the pool manager and executor from config. The pool
// manager is constructed here, in the composition root, and handed down by
// reference.
func newExecutor(cfg *models.Config) *executor.Impl {
	manager := pool.NewManager(cfg.DatabaseURL, pool.Options{
		MaxConns:         int32(cfg.Pool.MaxConns),
		MinConns:         int32(cfg.Pool.MinConns),
		IdleTimeout:      cfg.Pool.IdleTimeout,
		ConnectTimeout:   cfg.Pool.ConnectTimeout,
		StatementTimeout: cfg.Pool.StatementTimeout,
		AcquireAttempts:  3,
		AcquireBackoff:   pool.DefaultOptions().AcquireBackoff,
	}, log.Logger)
	return executor.New(manager, log.Logger)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	return ctx, cancel
}

// describeError renders a SQL error with its source position when the
// backend reports one.
func describeError(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Position > 0 {
		return fmt.Sprintf("%s (position %d)", pgErr.Message, pgErr.Position)
	}
	return err.Error()
}
