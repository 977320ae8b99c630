package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/davstr1/sequelae-mcp/internal/pool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// mockClient records every statement issued against the lease.
type mockClient struct {
	execFunc func(ctx context.Context, sql string) ([]pool.StatementResult, error)
	calls    []string
	releases int
}

func (m *mockClient) Exec(ctx context.Context, sql string) ([]pool.StatementResult, error) {
	m.calls = append(m.calls, sql)
	if m.execFunc != nil {
		return m.execFunc(ctx, sql)
	}
	return []pool.StatementResult{{Command: "OK"}}, nil
}

func (m *mockClient) Release() {
	m.releases++
}

type mockPool struct {
	acquireFunc func(ctx context.Context) (pool.Client, error)
	acquires    int
	closes      int
	stats       pool.Stats
}

func (m *mockPool) Acquire(ctx context.Context) (pool.Client, error) {
	m.acquires++
	if m.acquireFunc != nil {
		return m.acquireFunc(ctx)
	}
	return &mockClient{}, nil
}

func (m *mockPool) Stats() pool.Stats { return m.stats }

func (m *mockPool) Close() { m.closes++ }

func newService(client *mockClient) (*Impl, *mockPool) {
	p := &mockPool{
		acquireFunc: func(ctx context.Context) (pool.Client, error) {
			return client, nil
		},
	}
	return New(p, testLogger()), p
}

func selectResult(rows ...map[string]any) []pool.StatementResult {
	return []pool.StatementResult{{
		Command: "SELECT",
		Fields:  []string{"id"},
		Rows:    rows,
	}}
}

func TestExecuteQuery_WrapsInTransaction(t *testing.T) {
	client := &mockClient{
		execFunc: func(ctx context.Context, sql string) ([]pool.StatementResult, error) {
			if sql == "SELECT * FROM users" {
				return selectResult(map[string]any{"id": "1"}, map[string]any{"id": "2"}), nil
			}
			return []pool.StatementResult{{Command: sql}}, nil
		},
	}
	svc, _ := newService(client)

	result, err := svc.ExecuteQuery(context.Background(), "SELECT * FROM users", models.NewQueryOptions())

	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "SELECT * FROM users", "COMMIT"}, client.calls)
	assert.Equal(t, 1, client.releases)
	assert.Equal(t, "SELECT", result.Command)
	assert.Equal(t, 2, result.RowCount)
	assert.Len(t, result.Rows, 2)
}

func TestExecuteQuery_NoTransaction(t *testing.T) {
	client := &mockClient{}
	svc, _ := newService(client)

	opts := models.NewQueryOptions()
	opts.UseTransaction = false

	_, err := svc.ExecuteQuery(context.Background(), "INSERT INTO t VALUES (1)", opts)

	require.NoError(t, err)
	assert.Equal(t, []string{"INSERT INTO t VALUES (1)"}, client.calls)
	assert.Equal(t, 1, client.releases)
}

func TestExecuteQuery_TransactionControlPassthrough(t *testing.T) {
	for _, sql := range []string{"BEGIN", "commit;", "ROLLBACK", "Start Transaction", "savepoint sp1"} {
		t.Run(sql, func(t *testing.T) {
			client := &mockClient{}
			svc, _ := newService(client)

			_, err := svc.ExecuteQuery(context.Background(), sql, models.NewQueryOptions())

			require.NoError(t, err)
			assert.Equal(t, []string{sql}, client.calls, "transaction control must run standalone")
			assert.Equal(t, 1, client.releases)
		})
	}
}

func TestExecuteQuery_RollbackOnStatementError(t *testing.T) {
	stmtErr := errors.New(`syntax error at or near "FORM"`)
	client := &mockClient{
		execFunc: func(ctx context.Context, sql string) ([]pool.StatementResult, error) {
			if sql == "SELECT * FORM users" {
				return nil, stmtErr
			}
			return nil, nil
		},
	}
	svc, _ := newService(client)

	_, err := svc.ExecuteQuery(context.Background(), "SELECT * FORM users", models.NewQueryOptions())

	require.Error(t, err)
	assert.Equal(t, stmtErr, err, "caller must observe the original error")
	assert.Equal(t, []string{"BEGIN", "SELECT * FORM users", "ROLLBACK"}, client.calls)
	assert.Equal(t, 1, client.releases)
}

func TestExecuteQuery_RollbackFailureDoesNotMaskOriginalError(t *testing.T) {
	stmtErr := errors.New("division by zero")
	client := &mockClient{
		execFunc: func(ctx context.Context, sql string) ([]pool.StatementResult, error) {
			switch sql {
			case "SELECT 1/0":
				return nil, stmtErr
			case "ROLLBACK":
				return nil, errors.New("connection lost")
			}
			return nil, nil
		},
	}
	svc, _ := newService(client)

	_, err := svc.ExecuteQuery(context.Background(), "SELECT 1/0", models.NewQueryOptions())

	require.Error(t, err)
	assert.Equal(t, stmtErr, err)
	assert.Equal(t, 1, client.releases)
}

func TestExecuteQuery_CommitFailureRollsBack(t *testing.T) {
	client := &mockClient{
		execFunc: func(ctx context.Context, sql string) ([]pool.StatementResult, error) {
			if sql == "COMMIT" {
				return nil, errors.New("deadlock detected")
			}
			return nil, nil
		},
	}
	svc, _ := newService(client)

	_, err := svc.ExecuteQuery(context.Background(), "UPDATE t SET x = 1", models.NewQueryOptions())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "committing transaction")
	assert.Equal(t, []string{"BEGIN", "UPDATE t SET x = 1", "COMMIT", "ROLLBACK"}, client.calls)
	assert.Equal(t, 1, client.releases)
}

func TestExecuteQuery_TimeoutDirectiveIssuedFirst(t *testing.T) {
	client := &mockClient{}
	svc, _ := newService(client)

	opts := models.NewQueryOptions()
	opts.Timeout = 5 * time.Second

	_, err := svc.ExecuteQuery(context.Background(), "SELECT 1", opts)

	require.NoError(t, err)
	require.NotEmpty(t, client.calls)
	assert.Equal(t, "SET statement_timeout = 5000", client.calls[0])
	assert.Equal(t, []string{"SET statement_timeout = 5000", "BEGIN", "SELECT 1", "COMMIT"}, client.calls)
}

func TestExecuteQuery_EmptyTextRejectedBeforeAcquire(t *testing.T) {
	p := &mockPool{}
	svc := New(p, testLogger())

	_, err := svc.ExecuteQuery(context.Background(), "   \n\t", models.NewQueryOptions())

	require.Error(t, err)
	assert.Zero(t, p.acquires)
}

func TestExecuteQuery_AcquireErrorPropagates(t *testing.T) {
	acquireErr := errors.New("connection pool exhausted after 3 attempts: connection refused")
	p := &mockPool{
		acquireFunc: func(ctx context.Context) (pool.Client, error) {
			return nil, acquireErr
		},
	}
	svc := New(p, testLogger())

	_, err := svc.ExecuteQuery(context.Background(), "SELECT 1", models.NewQueryOptions())

	require.Error(t, err)
	assert.Equal(t, acquireErr, err)
}

func TestExecuteFile_MissingFileBeforeAcquire(t *testing.T) {
	p := &mockPool{}
	svc := New(p, testLogger())

	_, err := svc.ExecuteFile(context.Background(), "/does/not/exist.sql", models.NewQueryOptions())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading sql file")
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Zero(t, p.acquires, "no client may be acquired for a missing file")
}

func TestExecuteFile_DelegatesToQueryPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "query.sql")
	require.NoError(t, os.WriteFile(path, []byte("SELECT 1;\nSELECT 2;"), 0o600))

	client := &mockClient{}
	svc, _ := newService(client)

	_, err := svc.ExecuteFile(context.Background(), path, models.NewQueryOptions())

	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "SELECT 1;\nSELECT 2;", "COMMIT"}, client.calls)
}

func TestClose_Idempotent(t *testing.T) {
	p := &mockPool{}
	svc := New(p, testLogger())

	svc.Close()
	svc.Close()

	assert.Equal(t, 1, p.closes)
}

func TestIsTransactionControl(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"BEGIN", true},
		{"begin;", true},
		{"  COMMIT", true},
		{"rollback to savepoint sp", true},
		{"START TRANSACTION", true},
		{"END", true},
		{"ABORT", true},
		{"SELECT 1", false},
		{"BEGINNING_TABLE_SCAN()", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isTransactionControl(tt.sql), "sql %q", tt.sql)
	}
}

func TestBuildResult_RowCountFromRowsAffected(t *testing.T) {
	result := buildResult([]pool.StatementResult{{
		Command:      "INSERT",
		RowsAffected: 3,
	}}, time.Millisecond)

	assert.Equal(t, "INSERT", result.Command)
	assert.Equal(t, 3, result.RowCount)
	assert.Empty(t, result.Rows)
	assert.Equal(t, time.Millisecond, result.Duration)
}

func TestBuildResult_MultiStatementUsesLast(t *testing.T) {
	result := buildResult([]pool.StatementResult{
		{Command: "CREATE TABLE"},
		{Command: "SELECT", Fields: []string{"n"}, Rows: []map[string]any{{"n": "1"}}},
	}, time.Millisecond)

	assert.Equal(t, "SELECT", result.Command)
	assert.Equal(t, 1, result.RowCount)
}
