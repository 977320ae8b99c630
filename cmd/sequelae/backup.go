package main

import (
	"github.com/davstr1/sequelae-mcp/internal/backup"
	"github.com/davstr1/sequelae-mcp/internal/config"
	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	backupFormat     string
	backupTables     []string
	backupSchemas    []string
	backupDataOnly   bool
	backupSchemaOnly bool
	backupCompress   int
	backupOutput     string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a database backup with pg_dump",
	Long: `Produce a dump of the configured database by invoking pg_dump.
Formats: plain (default), custom, directory, tar. The directory format runs
four parallel jobs. Credentials are passed to pg_dump via the environment,
never on the command line.`,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().StringVar(&backupFormat, "format", "", "dump format: plain, custom, directory, tar")
	backupCmd.Flags().StringArrayVarP(&backupTables, "table", "t", nil, "dump only this table (repeatable)")
	backupCmd.Flags().StringArrayVarP(&backupSchemas, "schema", "n", nil, "dump only this schema (repeatable)")
	backupCmd.Flags().BoolVar(&backupDataOnly, "data-only", false, "dump data, not schema")
	backupCmd.Flags().BoolVar(&backupSchemaOnly, "schema-only", false, "dump schema, not data")
	backupCmd.Flags().IntVar(&backupCompress, "compress", -1, "compression level 0-9")
	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "output path (default: timestamped name in the working directory)")
}

func runBackup(cmd *cobra.Command, args []string) error {
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

	opts := models.BackupOptions{
		Format:     backupFormat,
		Tables:     backupTables,
		Schemas:    backupSchemas,
		DataOnly:   backupDataOnly,
		SchemaOnly: backupSchemaOnly,
		OutputPath: backupOutput,
	}
	if backupCompress >= 0 {
		level := backupCompress
		opts.Compress = &level
	}

	svc := backup.New(log.Logger)
	result, err := svc.Dump(ctx, *connCfg, opts)
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	payload := map[string]any{
		"success":     result.Success,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.OutputPath != "" {
		payload["output_path"] = result.OutputPath
	}
	if result.SizeBytes > 0 {
		payload["size_bytes"] = result.SizeBytes
	}
	if result.Error != nil {
		payload["error"] = result.Error.Error()
	}

	if printErr := printJSON(payload); printErr != nil {
		return printErr
	}
	if result.Error != nil {
		return result.Error
	}
	return nil
}
