package models

import "time"

// pg_dump output format constants.
const (
	FormatPlain     = "plain"
	FormatCustom    = "custom"
	FormatDirectory = "directory"
	FormatTar       = "tar"
)

// BackupOptions holds the configuration for a single pg_dump invocation.
// DataOnly and SchemaOnly are mutually exclusive.
type BackupOptions struct {
	Format     string // "plain" (default), "custom", "directory", "tar"
	Tables     []string
	Schemas    []string
	DataOnly   bool
	SchemaOnly bool
	Compress   *int // compression level 0-9; nil leaves pg_dump's default
	OutputPath string
}

// BackupResult holds the result of a pg_dump operation.
type BackupResult struct {
	Success    bool
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
	Error      error
}
