package pool

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeClient struct {
	releases int
}

func (c *fakeClient) Exec(ctx context.Context, sql string) ([]StatementResult, error) {
	return nil, nil
}

func (c *fakeClient) Release() {
	c.releases++
}

func TestAcquireWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	client, err := acquireWithRetry(context.Background(), 3, time.Millisecond, testLogger(), func(ctx context.Context) (Client, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return &fakeClient{}, nil
	})

	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, 3, calls)
}

func TestAcquireWithRetry_FatalErrorNotRetried(t *testing.T) {
	authErr := &pgconn.PgError{Code: pgerrcode.InvalidPassword, Message: "password authentication failed"}

	calls := 0
	client, err := acquireWithRetry(context.Background(), 3, time.Millisecond, testLogger(), func(ctx context.Context) (Client, error) {
		calls++
		return nil, authErr
	})

	require.Error(t, err)
	assert.Nil(t, client)
	assert.Equal(t, 1, calls)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, pgerrcode.InvalidPassword, pgErr.Code)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestAcquireWithRetry_ExhaustionWrapsLastCause(t *testing.T) {
	calls := 0
	_, err := acquireWithRetry(context.Background(), 3, time.Millisecond, testLogger(), func(ctx context.Context) (Client, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestAcquireWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := acquireWithRetry(ctx, 3, time.Minute, testLogger(), func(ctx context.Context) (Client, error) {
		calls++
		cancel()
		return nil, errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsFatalAcquireError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"invalid password", &pgconn.PgError{Code: pgerrcode.InvalidPassword}, true},
		{"invalid authorization", &pgconn.PgError{Code: pgerrcode.InvalidAuthorizationSpecification}, true},
		{"unknown database", &pgconn.PgError{Code: pgerrcode.InvalidCatalogName}, true},
		{"too many connections", &pgconn.PgError{Code: pgerrcode.TooManyConnections}, false},
		{"plain network error", errors.New("connection refused"), false},
		{"context canceled", context.Canceled, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"closed pool", puddle.ErrClosedPool, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, isFatalAcquireError(tt.err))
		})
	}
}

func TestStats_Uninitialized(t *testing.T) {
	m := NewManager("postgres://localhost/testdb", DefaultOptions(), testLogger())

	stats := m.Stats()

	assert.False(t, stats.Initialized)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.Idle)
	assert.Zero(t, stats.Waiting)
}

func TestClose_IdempotentAndSafeBeforeInit(t *testing.T) {
	m := NewManager("postgres://localhost/testdb", DefaultOptions(), testLogger())

	assert.NotPanics(t, func() {
		m.Close()
		m.Close()
	})

	_, err := m.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestEnsurePool_MalformedConnStringIsFatal(t *testing.T) {
	m := NewManager("not a connection string at all \x00", DefaultOptions(), testLogger())

	_, err := m.Acquire(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing connection string")
	assert.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestCommandWord(t *testing.T) {
	tests := []struct {
		tag  string
		want string
	}{
		{"SELECT 3", "SELECT"},
		{"INSERT 0 1", "INSERT"},
		{"UPDATE 12", "UPDATE"},
		{"CREATE TABLE", "CREATE TABLE"},
		{"BEGIN", "BEGIN"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, commandWord(tt.tag), "tag %q", tt.tag)
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, int32(10), opts.MaxConns)
	assert.Equal(t, 3, opts.AcquireAttempts)
	assert.Equal(t, 100*time.Millisecond, opts.AcquireBackoff)
	assert.Equal(t, 30*time.Second, opts.IdleTimeout)
	assert.Equal(t, 30*time.Second, opts.StatementTimeout)
}

func TestBuildPoolConfig_AppliesOptions(t *testing.T) {
	opts := Options{
		MaxConns:         7,
		MinConns:         2,
		IdleTimeout:      time.Minute,
		ConnectTimeout:   3 * time.Second,
		StatementTimeout: 45 * time.Second,
	}

	cfg, err := buildPoolConfig("postgres://localhost/testdb", opts, testLogger())
	require.NoError(t, err)

	assert.Equal(t, int32(7), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, 3*time.Second, cfg.ConnConfig.ConnectTimeout)
	assert.Equal(t, "45000", cfg.ConnConfig.RuntimeParams["statement_timeout"],
		"session default statement timeout in milliseconds")
}

func TestBuildPoolConfig_ZeroStatementTimeoutLeavesServerDefault(t *testing.T) {
	opts := DefaultOptions()
	opts.StatementTimeout = 0

	cfg, err := buildPoolConfig("postgres://localhost/testdb", opts, testLogger())
	require.NoError(t, err)

	_, set := cfg.ConnConfig.RuntimeParams["statement_timeout"]
	assert.False(t, set)
}
