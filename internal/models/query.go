package models

import "time"

// QueryOptions controls how a statement is executed.
type QueryOptions struct {
	UseTransaction bool
	Timeout        time.Duration // 0 means no session statement_timeout is set
}

// NewQueryOptions returns the default options: transaction wrapping on,
// no statement timeout.
func NewQueryOptions() QueryOptions {
	return QueryOptions{UseTransaction: true}
}

// QueryResult holds the outcome of a successful statement execution.
// Duration covers statement round-trips only, not pool acquisition.
type QueryResult struct {
	Command  string
	RowCount int
	Fields   []string
	Rows     []map[string]any
	Duration time.Duration
}
