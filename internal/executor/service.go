// Package executor turns logical query requests into statements against one
// leased client, with transaction and timeout policy and guaranteed release.
package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/davstr1/sequelae-mcp/internal/pool"
	"github.com/rs/zerolog"
)

// Pool is the slice of the pool manager the executor needs.
type Pool interface {
	Acquire(ctx context.Context) (pool.Client, error)
	Stats() pool.Stats
	Close()
}

// Service defines the query execution interface.
type Service interface {
	ExecuteQuery(ctx context.Context, sql string, opts models.QueryOptions) (*models.QueryResult, error)
	ExecuteFile(ctx context.Context, path string, opts models.QueryOptions) (*models.QueryResult, error)
	Stats() pool.Stats
	Close()
}

// Leading keywords that mark the caller's text as transaction control.
// Such statements run standalone: wrapping them in an implicit BEGIN/COMMIT
// would nest transaction control, which is invalid.
var transactionKeywords = map[string]bool{
	"BEGIN":     true,
	"COMMIT":    true,
	"ROLLBACK":  true,
	"START":     true,
	"END":       true,
	"SAVEPOINT": true,
	"RELEASE":   true,
	"ABORT":     true,
}

// Impl implements the executor Service interface.
type Impl struct {
	pool      Pool
	logger    zerolog.Logger
	closeOnce sync.Once
}

// New creates a new executor backed by the given pool manager.
func New(p Pool, logger zerolog.Logger) *Impl {
	return &Impl{pool: p, logger: logger}
}

// ExecuteQuery runs one logical unit of work on a leased client.
//
// The reported duration covers the statement round-trips only; pool
// acquisition time is excluded. Statement errors are never retried.
func (s *Impl) ExecuteQuery(ctx context.Context, sql string, opts models.QueryOptions) (*models.QueryResult, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, fmt.Errorf("query text is empty")
	}

	client, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Release()

	start := time.Now()

	if opts.Timeout > 0 {
		directive := fmt.Sprintf("SET statement_timeout = %d", opts.Timeout.Milliseconds())
		if _, err := client.Exec(ctx, directive); err != nil {
			return nil, fmt.Errorf("setting statement timeout: %w", err)
		}
	}

	wrap := opts.UseTransaction && !isTransactionControl(sql)

	if wrap {
		if _, err := client.Exec(ctx, "BEGIN"); err != nil {
			return nil, fmt.Errorf("beginning transaction: %w", err)
		}
	}

	results, err := client.Exec(ctx, sql)
	if err != nil {
		if wrap {
			s.rollback(ctx, client)
		}
		return nil, err
	}

	if wrap {
		if _, err := client.Exec(ctx, "COMMIT"); err != nil {
			s.rollback(ctx, client)
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
	}

	return buildResult(results, time.Since(start)), nil
}

// ExecuteFile reads the file and runs its full text through the same
// execution path. A missing file is reported before any client is acquired.
func (s *Impl) ExecuteFile(ctx context.Context, path string, opts models.QueryOptions) (*models.QueryResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sql file: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, fmt.Errorf("sql file %s is empty", path)
	}

	return s.ExecuteQuery(ctx, string(content), opts)
}

// Stats reports the underlying pool state.
func (s *Impl) Stats() pool.Stats {
	return s.pool.Stats()
}

// PoolManager exposes the underlying pool so collaborators (schema
// introspection) share the same acquisition and retry discipline.
func (s *Impl) PoolManager() Pool {
	return s.pool
}

// Close releases the pool. Safe to call more than once.
func (s *Impl) Close() {
	s.closeOnce.Do(func() {
		s.pool.Close()
	})
}

// rollback issues ROLLBACK after a failure inside a managed transaction.
// A rollback failure is logged but must never mask the original error.
func (s *Impl) rollback(ctx context.Context, client pool.Client) {
	if _, err := client.Exec(ctx, "ROLLBACK"); err != nil {
		s.logger.Warn().Err(err).Msg("rollback failed after statement error")
	}
}

// isTransactionControl matches the first keyword of the text against the
// transaction-control statements, case-insensitively.
func isTransactionControl(sql string) bool {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return false
	}
	word := strings.ToUpper(strings.TrimRight(fields[0], ";"))
	return transactionKeywords[word]
}

// buildResult shapes the raw statement results into a QueryResult. For
// multi-statement text the last statement's shape wins, matching what the
// backend reports for a script.
func buildResult(results []pool.StatementResult, duration time.Duration) *models.QueryResult {
	out := &models.QueryResult{
		Rows:     []map[string]any{},
		Duration: duration,
	}

	if len(results) == 0 {
		return out
	}

	last := results[len(results)-1]
	out.Command = last.Command
	out.Fields = last.Fields
	if last.Rows != nil {
		out.Rows = last.Rows
	}

	if len(last.Fields) > 0 {
		out.RowCount = len(last.Rows)
	} else {
		out.RowCount = int(last.RowsAffected)
	}

	return out
}
