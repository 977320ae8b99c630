package main

import (
	"github.com/davstr1/sequelae-mcp/internal/schema"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var allSchemas bool

var schemaCmd = &cobra.Command{
	Use:   "schema [tables...]",
	Short: "Describe tables, columns and constraints",
	Long: `Introspect the database schema. Without arguments all tables in the
public schema are described; with table names only those tables are.
Unknown table names produce up to three close-match suggestions.`,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().BoolVar(&allSchemas, "all-schemas", false, "include every non-system schema")
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc := newExecutor(cfg)
	defer svc.Close()

	schemaSvc := schema.New(svc.PoolManager(), log.Logger)
	result, err := schemaSvc.Describe(ctx, args, allSchemas)
	if err != nil {
		log.Error().Msg(describeError(err))
		return err
	}

	return printJSON(result)
}
