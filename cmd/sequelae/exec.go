package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	execFile      string
	noTransaction bool
	execTimeout   time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec [sql]",
	Short: "Execute a SQL statement or file",
	Long: `Execute SQL against the configured database. The statement is wrapped
in a transaction unless --no-transaction is given or the statement is
itself transaction control (BEGIN, COMMIT, ...). Results are printed as
JSON on stdout.`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "read SQL from a file instead of the argument")
	execCmd.Flags().BoolVar(&noTransaction, "no-transaction", false, "run the statement without transaction wrapping")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "per-statement timeout applied server-side (e.g. 5s)")
}

func runExec(cmd *cobra.Command, args []string) error {
	sql := strings.TrimSpace(strings.Join(args, " "))
	if sql == "" && execFile == "" {
		log.Error().Msg("a SQL argument or --file is required")
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc := newExecutor(cfg)
	defer svc.Close()

	opts := models.NewQueryOptions()
	opts.UseTransaction = !noTransaction
	opts.Timeout = execTimeout

	var result *models.QueryResult
	if execFile != "" {
		result, err = svc.ExecuteFile(ctx, execFile, opts)
	} else {
		result, err = svc.ExecuteQuery(ctx, sql, opts)
	}
	if err != nil {
		log.Error().Msg(describeError(err))
		return err
	}

	return printJSON(map[string]any{
		"command":     result.Command,
		"row_count":   result.RowCount,
		"fields":      result.Fields,
		"rows":        result.Rows,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
