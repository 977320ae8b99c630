package main

import (
	"fmt"

	"github.com/davstr1/sequelae-mcp/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the configuration without connecting to the database.`,
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	connCfg, err := config.ParseConnString(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("invalid connection string")
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Database:")
	fmt.Printf("  Host: %s\n", connCfg.Host)
	fmt.Printf("  Port: %d\n", connCfg.Port)
	fmt.Printf("  Database: %s\n", connCfg.Database)
	fmt.Printf("  User: %s\n", connCfg.User)
	fmt.Printf("  Password: %s\n", passwordStatus(connCfg.Password))
	fmt.Println()
	fmt.Println("Pool:")
	fmt.Printf("  Max connections: %d\n", cfg.Pool.MaxConns)
	fmt.Printf("  Min connections: %d\n", cfg.Pool.MinConns)
	fmt.Printf("  Idle timeout: %s\n", cfg.Pool.IdleTimeout)
	fmt.Printf("  Connect timeout: %s\n", cfg.Pool.ConnectTimeout)
	fmt.Printf("  Statement timeout: %s\n", cfg.Pool.StatementTimeout)
	fmt.Println()
	fmt.Println("Server:")
	fmt.Printf("  Rate limit: %.1f req/s (burst %d)\n", cfg.Server.RateLimit, cfg.Server.RateBurst)

	return nil
}

func passwordStatus(password string) string {
	if password == "" {
		return "(not set)"
	}
	return "(configured)"
}
