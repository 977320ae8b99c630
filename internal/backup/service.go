// Package backup produces database dumps by delegating to pg_dump.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/rs/zerolog"
)

const (
	dumpBinary = "pg_dump"

	// Parallel jobs applied to directory-format dumps.
	directoryJobs = "4"
)

// ErrDumpUtilityNotFound indicates pg_dump is not installed or not on PATH.
var ErrDumpUtilityNotFound = errors.New("pg_dump not found: install the PostgreSQL client tools and ensure pg_dump is on PATH")

var validFormats = map[string]bool{
	models.FormatPlain:     true,
	models.FormatCustom:    true,
	models.FormatDirectory: true,
	models.FormatTar:       true,
}

// Service defines the interface for backup operations.
type Service interface {
	Dump(ctx context.Context, cfg models.ConnConfig, opts models.BackupOptions) (*models.BackupResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) (stderr []byte, err error)
}

// DefaultExecutor is the default command executor using os/exec. Stdout is
// left alone: pg_dump writes its output via -f.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables and
// captures stderr as it is produced.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stderr.Bytes(), err
}

// Impl implements the backup Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new backup service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new backup service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// Dump performs a pg_dump invocation. Invalid option combinations are
// rejected before any subprocess is spawned; operational failures are
// reported in the result rather than as a returned error.
func (s *Impl) Dump(ctx context.Context, cfg models.ConnConfig, opts models.BackupOptions) (*models.BackupResult, error) {
	result := &models.BackupResult{}

	if opts.DataOnly && opts.SchemaOnly {
		result.Error = errors.New("Cannot specify both dataOnly and schemaOnly options")
		return result, nil
	}

	format := opts.Format
	if format == "" {
		format = models.FormatPlain
	}
	if !validFormats[format] {
		result.Error = fmt.Errorf("invalid format %q: must be one of plain, custom, directory, tar", opts.Format)
		return result, nil
	}

	outputPath, err := resolveOutputPath(opts.OutputPath, format)
	if err != nil {
		result.Error = err
		return result, nil
	}

	if err := ensureWritable(filepath.Dir(outputPath)); err != nil {
		result.Error = err
		return result, nil
	}

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Str("format", format).
		Str("output", outputPath).
		Msg("starting pg_dump")

	args := buildArgs(cfg, opts, format, outputPath)

	// The password travels only through the subprocess environment,
	// never on the argument vector or in logs.
	var env []string
	if cfg.Password != "" {
		env = append(env, fmt.Sprintf("PGPASSWORD=%s", cfg.Password))
	}

	start := time.Now()
	stderr, execErr := s.executor.ExecuteWithEnv(ctx, env, dumpBinary, args...)
	result.Duration = time.Since(start)

	if execErr != nil {
		_ = os.Remove(outputPath)
		result.Error = classifyExecError(execErr, stderr)
		return result, nil
	}

	result.Success = true
	result.OutputPath = outputPath

	// Size is best-effort: a stat failure does not invalidate success.
	if info, err := os.Stat(outputPath); err == nil {
		result.SizeBytes = info.Size()
	}

	s.logger.Info().
		Str("output", outputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("pg_dump completed")

	return result, nil
}

// buildArgs constructs the pg_dump argument vector. The format flag is
// omitted for plain, pg_dump's default.
func buildArgs(cfg models.ConnConfig, opts models.BackupOptions, format, outputPath string) []string {
	args := []string{
		"-h", cfg.Host,
		"-p", fmt.Sprintf("%d", cfg.Port),
		"-U", cfg.User,
		"-d", cfg.Database,
		"--no-password",
	}

	switch format {
	case models.FormatCustom:
		args = append(args, "-F", "c")
	case models.FormatDirectory:
		args = append(args, "-F", "d", "-j", directoryJobs)
	case models.FormatTar:
		args = append(args, "-F", "t")
	}

	for _, table := range opts.Tables {
		args = append(args, "-t", table)
	}
	for _, schema := range opts.Schemas {
		args = append(args, "-n", schema)
	}

	if opts.DataOnly {
		args = append(args, "-a")
	}
	if opts.SchemaOnly {
		args = append(args, "-s")
	}
	if opts.Compress != nil {
		args = append(args, "-Z", fmt.Sprintf("%d", *opts.Compress))
	}

	return append(args, "-f", outputPath)
}

// resolveOutputPath makes the caller's path absolute against the working
// directory, or generates a timestamped default name.
func resolveOutputPath(path, format string) (string, error) {
	if path == "" {
		path = defaultFilename(format)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving output path: %w", err)
	}
	return abs, nil
}

func defaultFilename(format string) string {
	timestamp := time.Now().Format("20060102-150405")

	switch format {
	case models.FormatPlain:
		return fmt.Sprintf("backup-%s.sql", timestamp)
	case models.FormatTar:
		return fmt.Sprintf("backup-%s.tar", timestamp)
	case models.FormatDirectory:
		return fmt.Sprintf("backup-%s", timestamp)
	default:
		return fmt.Sprintf("backup-%s.dump", timestamp)
	}
}

// ensureWritable creates the destination directory if needed and probes it
// for writability before any subprocess is spawned.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}

	probe, err := os.CreateTemp(dir, ".sequelae-probe-*")
	if err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// classifyExecError separates the three subprocess failure categories:
// binary not found, non-zero exit, and spawn-level OS errors.
func classifyExecError(err error, stderr []byte) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrDumpUtilityNotFound, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := bytes.TrimSpace(stderr)
		if len(msg) == 0 {
			return fmt.Errorf("pg_dump exited with code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("pg_dump exited with code %d: %s", exitErr.ExitCode(), msg)
	}

	return fmt.Errorf("spawning pg_dump: %w", err)
}
