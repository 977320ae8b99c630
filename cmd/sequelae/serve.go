package main

import (
	"github.com/davstr1/sequelae-mcp/internal/backup"
	"github.com/davstr1/sequelae-mcp/internal/config"
	"github.com/davstr1/sequelae-mcp/internal/mcp"
	"github.com/davstr1/sequelae-mcp/internal/schema"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stdio JSON-RPC tool server",
	Long: `Serve SQL execution, schema introspection and backup tools over
line-delimited JSON-RPC on stdin/stdout for assistant clients. Runs until
stdin closes or the process receives SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	connCfg, err := config.ParseConnString(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("invalid connection string")
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc := newExecutor(cfg)
	defer svc.Close()

	server := mcp.New(
		svc,
		schema.New(svc.PoolManager(), log.Logger),
		backup.New(log.Logger),
		*connCfg,
		cfg.Server,
		Version,
		log.Logger,
	)

	log.Info().
		Float64("rate_limit", cfg.Server.RateLimit).
		Int("rate_burst", cfg.Server.RateBurst).
		Msg("tool server listening on stdio")

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("server stopped")
		return err
	}
	return nil
}
