// Package pool manages the single PostgreSQL connection pool and the
// checkout/release discipline for leased clients.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
	"github.com/rs/zerolog"
)

// ErrPoolExhausted is returned when every acquisition attempt failed with a
// transient error. The last underlying cause is wrapped alongside it.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrManagerClosed is returned by Acquire after Close.
var ErrManagerClosed = errors.New("pool manager is closed")

// ErrClientReleased is returned when a leased client is used after release.
var ErrClientReleased = errors.New("client already released back to pool")

// Options holds pool construction and acquisition retry settings.
type Options struct {
	MaxConns         int32
	MinConns         int32
	IdleTimeout      time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration // session default; 0 leaves the server default
	AcquireAttempts  int
	AcquireBackoff   time.Duration // initial backoff, doubled per attempt
}

// DefaultOptions returns the fixed settings used when the caller does not
// override them.
func DefaultOptions() Options {
	return Options{
		MaxConns:         10,
		MinConns:         0,
		IdleTimeout:      30 * time.Second,
		ConnectTimeout:   5 * time.Second,
		StatementTimeout: 30 * time.Second,
		AcquireAttempts:  3,
		AcquireBackoff:   100 * time.Millisecond,
	}
}

// Stats is a non-blocking snapshot of pool state.
type Stats struct {
	Total       int32
	Idle        int32
	Waiting     int32
	Initialized bool
}

// StatementResult holds the raw outcome of one statement executed with the
// simple query protocol. Row values are text-format strings; NULL is nil.
type StatementResult struct {
	Command      string
	RowsAffected int64
	Fields       []string
	Rows         []map[string]any
}

// Client is a leased connection. It belongs exclusively to its holder from
// checkout to Release and must never be shared between logical operations.
type Client interface {
	// Exec runs sql with the simple query protocol. Multi-statement text is
	// allowed; one StatementResult is returned per statement, in order.
	Exec(ctx context.Context, sql string) ([]StatementResult, error)

	// Release returns the connection to the pool. Safe to call multiple
	// times; only the first call has effect.
	Release()
}

// Manager owns one lazily initialized connection pool for a single backend.
// It is the only process-wide mutable shared resource; construct it once in
// the composition root and pass it by reference.
type Manager struct {
	connString string
	opts       Options
	logger     zerolog.Logger

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool

	waiting atomic.Int32
}

// NewManager creates a manager. No connection is made until the first Acquire.
func NewManager(connString string, opts Options, logger zerolog.Logger) *Manager {
	if opts.AcquireAttempts < 1 {
		opts.AcquireAttempts = 1
	}
	if opts.AcquireBackoff <= 0 {
		opts.AcquireBackoff = 100 * time.Millisecond
	}
	return &Manager{
		connString: connString,
		opts:       opts,
		logger:     logger,
	}
}

// Acquire checks out one client, retrying transient failures with exponential
// backoff. Fatal errors (bad credentials, unknown database, malformed
// connection string) are returned immediately. After retries exhaust, the
// error wraps both ErrPoolExhausted and the last underlying cause.
func (m *Manager) Acquire(ctx context.Context) (Client, error) {
	pool, err := m.ensurePool(ctx)
	if err != nil {
		return nil, err
	}

	m.waiting.Add(1)
	defer m.waiting.Add(-1)

	return acquireWithRetry(ctx, m.opts.AcquireAttempts, m.opts.AcquireBackoff, m.logger, func(ctx context.Context) (Client, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &pooledClient{conn: conn}, nil
	})
}

// acquireWithRetry runs acquire up to attempts times, doubling backoff between
// tries. Retry state stays local so the last cause is always surfaced.
func acquireWithRetry(
	ctx context.Context,
	attempts int,
	backoff time.Duration,
	logger zerolog.Logger,
	acquire func(ctx context.Context) (Client, error),
) (Client, error) {
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		client, err := acquire(ctx)
		if err == nil {
			return client, nil
		}
		if isFatalAcquireError(err) {
			return nil, err
		}

		lastErr = err
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("transient connection failure, retrying")
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrPoolExhausted, attempts, lastErr)
}

// isFatalAcquireError reports whether retrying cannot help: authentication
// failures, unknown databases, cancelled contexts, or a closed pool.
func isFatalAcquireError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsInvalidAuthorizationSpecification(pgErr.Code) {
			return true
		}
		if pgErr.Code == pgerrcode.InvalidCatalogName {
			return true
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return true
	}
	return false
}

// ensurePool builds the pgx pool on first use. Config parse failures are
// fatal and never retried.
func (m *Manager) ensurePool(ctx context.Context) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.pool != nil {
		return m.pool, nil
	}

	cfg, err := buildPoolConfig(m.connString, m.opts, m.logger)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	m.logger.Info().
		Int32("max_conns", m.opts.MaxConns).
		Dur("idle_timeout", m.opts.IdleTimeout).
		Msg("connection pool initialized")

	m.pool = pool
	return pool, nil
}

// buildPoolConfig translates Options into a pgxpool config. The default
// statement timeout is applied as a session runtime parameter so every
// pooled connection starts with it.
func buildPoolConfig(connString string, opts Options, logger zerolog.Logger) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnIdleTime = opts.IdleTimeout
	cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout

	if opts.StatementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", opts.StatementTimeout.Milliseconds())
	}

	// Server notices and connection teardown are observed and logged but
	// must never affect unrelated in-flight operations.
	cfg.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.Debug().Str("severity", n.Severity).Msg(n.Message)
	}
	cfg.BeforeClose = func(_ *pgx.Conn) {
		logger.Debug().Msg("closing pooled connection")
	}

	return cfg, nil
}

// Stats returns a snapshot of the pool state without blocking.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()

	if pool == nil {
		return Stats{Waiting: m.waiting.Load()}
	}

	stat := pool.Stat()
	return Stats{
		Total:       stat.TotalConns(),
		Idle:        stat.IdleConns(),
		Waiting:     m.waiting.Load(),
		Initialized: true,
	}
}

// Close shuts the pool down. Idempotent; safe if the pool was never
// initialized.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
}

// pooledClient wraps a pgxpool connection with release tracking.
type pooledClient struct {
	conn     *pgxpool.Conn
	released bool
}

func (c *pooledClient) Exec(ctx context.Context, sql string) ([]StatementResult, error) {
	if c.released {
		return nil, ErrClientReleased
	}

	results, err := c.conn.Conn().PgConn().Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, err
	}

	out := make([]StatementResult, 0, len(results))
	for _, r := range results {
		out = append(out, convertResult(r))
	}
	return out, nil
}

func (c *pooledClient) Release() {
	if c.released {
		return
	}
	c.released = true
	c.conn.Release()
}

func convertResult(r *pgconn.Result) StatementResult {
	sr := StatementResult{
		Command:      commandWord(r.CommandTag.String()),
		RowsAffected: r.CommandTag.RowsAffected(),
	}

	for _, fd := range r.FieldDescriptions {
		sr.Fields = append(sr.Fields, fd.Name)
	}

	for _, row := range r.Rows {
		record := make(map[string]any, len(r.FieldDescriptions))
		for i, fd := range r.FieldDescriptions {
			if i >= len(row) {
				continue
			}
			if row[i] == nil {
				record[fd.Name] = nil
			} else {
				record[fd.Name] = string(row[i])
			}
		}
		sr.Rows = append(sr.Rows, record)
	}

	return sr
}

// commandWord strips the trailing row count from a command tag, turning
// "SELECT 3" into "SELECT" while leaving "CREATE TABLE" intact.
func commandWord(tag string) string {
	fields := strings.Fields(tag)
	for len(fields) > 1 {
		last := fields[len(fields)-1]
		if !isDigits(last) {
			break
		}
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
