package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/davstr1/sequelae-mcp/internal/backup"
	"github.com/davstr1/sequelae-mcp/internal/executor"
	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/davstr1/sequelae-mcp/internal/schema"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const serverName = "sequelae"

// maxLineBytes bounds a single request line; statements larger than this are
// rejected by the scanner rather than growing memory without limit.
const maxLineBytes = 10 * 1024 * 1024

// Server reads line-delimited JSON-RPC requests from in and writes one
// response line per request to out. Tool calls are throttled by a token
// bucket; validation of tool arguments happens here, at the dispatch layer.
type Server struct {
	executor executor.Service
	schema   schema.Service
	backup   backup.Service
	connCfg  models.ConnConfig
	limiter  *rate.Limiter
	logger   zerolog.Logger
	version  string

	in      io.Reader
	out     io.Writer
	outMu   sync.Mutex
	maxLine int
}

// New creates a server bound to stdin/stdout.
func New(
	exec executor.Service,
	sch schema.Service,
	bak backup.Service,
	connCfg models.ConnConfig,
	settings models.ServerSettings,
	version string,
	logger zerolog.Logger,
) *Server {
	s := NewWithStreams(exec, sch, bak, connCfg, settings, version, logger, os.Stdin, os.Stdout)
	return s
}

// NewWithStreams creates a server with custom streams (for testing).
func NewWithStreams(
	exec executor.Service,
	sch schema.Service,
	bak backup.Service,
	connCfg models.ConnConfig,
	settings models.ServerSettings,
	version string,
	logger zerolog.Logger,
	in io.Reader,
	out io.Writer,
) *Server {
	if settings.RateLimit <= 0 {
		settings.RateLimit = 10
	}
	if settings.RateBurst <= 0 {
		settings.RateBurst = 20
	}
	return &Server{
		executor: exec,
		schema:   sch,
		backup:   bak,
		connCfg:  connCfg,
		limiter:  rate.NewLimiter(rate.Limit(settings.RateLimit), settings.RateBurst),
		logger:   logger,
		version:  version,
		in:       in,
		out:      out,
		maxLine:  maxLineBytes,
	}
}

// Run processes requests until EOF or context cancellation. Malformed input,
// oversized lines included, produces a protocol error response and never
// crashes the loop.
func (s *Server) Run(ctx context.Context) error {
	reader := bufio.NewReaderSize(s.in, 64*1024)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, tooLong, err := s.readLine(reader)
		if tooLong {
			s.writeError(nil, codeInvalidRequest, fmt.Sprintf("invalid request: line exceeds %d bytes", s.maxLine))
		} else if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.handleLine(ctx, trimmed)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading requests: %w", err)
		}
	}
}

// readLine reads up to the next newline. Lines longer than the cap are
// consumed and discarded in full, reported via tooLong, so the reader stays
// aligned on line boundaries for the next request.
func (s *Server) readLine(reader *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := reader.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > s.maxLine {
				line = nil
				tooLong = true
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeError(nil, codeParseError, "parse error: invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.isNotification() {
			return
		}
		s.writeError(req.ID, codeInvalidRequest, "invalid request: jsonrpc 2.0 method required")
		return
	}

	if req.isNotification() {
		// Notifications carry no id and get no reply.
		s.logger.Debug().Str("method", req.Method).Msg("notification received")
		return
	}

	switch req.Method {
	case "initialize":
		s.writeResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": s.version},
		})
	case "tools/list":
		s.writeResult(req.ID, map[string]any{"tools": toolCatalog()})
	case "tools/call":
		s.handleToolCall(ctx, req)
	default:
		s.writeError(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleToolCall(ctx context.Context, req request) {
	if !s.limiter.Allow() {
		s.writeError(req.ID, codeRateLimited, "rate limited: too many requests, retry later")
		return
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.writeError(req.ID, codeInvalidParams, "invalid params: tool name required")
		return
	}

	start := time.Now()
	result, err := s.dispatch(ctx, params)
	if err != nil {
		s.logger.Warn().Err(err).Str("tool", params.Name).Msg("tool call failed")
		s.writeResult(req.ID, textResult(err.Error(), true))
		return
	}

	s.logger.Info().
		Str("tool", params.Name).
		Dur("duration", time.Since(start)).
		Msg("tool call completed")
	s.writeResult(req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, params toolCallParams) (*toolResult, error) {
	switch params.Name {
	case "sql_exec":
		return s.callExec(ctx, params.Arguments)
	case "sql_file":
		return s.callFile(ctx, params.Arguments)
	case "sql_schema":
		return s.callSchema(ctx, params.Arguments)
	case "sql_backup":
		return s.callBackup(ctx, params.Arguments)
	case "sql_health":
		return s.callHealth()
	default:
		return nil, fmt.Errorf("unknown tool %q", params.Name)
	}
}

type execArgs struct {
	SQL            string `json:"sql"`
	Path           string `json:"path"`
	UseTransaction *bool  `json:"use_transaction"`
	TimeoutMs      int    `json:"timeout_ms"`
}

func (a execArgs) options() models.QueryOptions {
	opts := models.NewQueryOptions()
	if a.UseTransaction != nil {
		opts.UseTransaction = *a.UseTransaction
	}
	if a.TimeoutMs > 0 {
		opts.Timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}
	return opts
}

func (s *Server) callExec(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args execArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SQL == "" {
		return nil, fmt.Errorf("sql_exec: sql argument is required")
	}

	result, err := s.executor.ExecuteQuery(ctx, args.SQL, args.options())
	if err != nil {
		return nil, err
	}
	return jsonResult(queryResultPayload(result))
}

func (s *Server) callFile(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args execArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, fmt.Errorf("sql_file: path argument is required")
	}

	result, err := s.executor.ExecuteFile(ctx, args.Path, args.options())
	if err != nil {
		return nil, err
	}
	return jsonResult(queryResultPayload(result))
}

func (s *Server) callSchema(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args struct {
		Tables     []string `json:"tables"`
		AllSchemas bool     `json:"all_schemas"`
	}
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	result, err := s.schema.Describe(ctx, args.Tables, args.AllSchemas)
	if err != nil {
		return nil, err
	}
	return jsonResult(schemaResultPayload(result))
}

func (s *Server) callBackup(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args struct {
		Format     string   `json:"format"`
		Tables     []string `json:"tables"`
		Schemas    []string `json:"schemas"`
		DataOnly   bool     `json:"data_only"`
		SchemaOnly bool     `json:"schema_only"`
		Compress   *int     `json:"compress"`
		OutputPath string   `json:"output_path"`
	}
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	result, err := s.backup.Dump(ctx, s.connCfg, models.BackupOptions{
		Format:     args.Format,
		Tables:     args.Tables,
		Schemas:    args.Schemas,
		DataOnly:   args.DataOnly,
		SchemaOnly: args.SchemaOnly,
		Compress:   args.Compress,
		OutputPath: args.OutputPath,
	})
	if err != nil {
		return nil, err
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

	out, err := jsonResult(payload)
	if err != nil {
		return nil, err
	}
	out.IsError = !result.Success
	return out, nil
}

func (s *Server) callHealth() (*toolResult, error) {
	stats := s.executor.Stats()
	return jsonResult(map[string]any{
		"total":       stats.Total,
		"idle":        stats.Idle,
		"waiting":     stats.Waiting,
		"initialized": stats.Initialized,
	})
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

func queryResultPayload(r *models.QueryResult) map[string]any {
	return map[string]any{
		"command":     r.Command,
		"row_count":   r.RowCount,
		"fields":      r.Fields,
		"rows":        r.Rows,
		"duration_ms": r.Duration.Milliseconds(),
	}
}

func schemaResultPayload(r *models.SchemaResult) map[string]any {
	tables := make([]map[string]any, 0, len(r.Tables))
	for _, t := range r.Tables {
		columns := make([]map[string]any, 0, len(t.Columns))
		for _, c := range t.Columns {
			columns = append(columns, map[string]any{
				"name":      c.Name,
				"data_type": c.DataType,
				"nullable":  c.Nullable,
				"default":   c.Default,
			})
		}
		constraints := make([]map[string]any, 0, len(t.Constraints))
		for _, c := range t.Constraints {
			constraints = append(constraints, map[string]any{
				"name":       c.Name,
				"type":       c.Type,
				"definition": c.Definition,
			})
		}
		tables = append(tables, map[string]any{
			"schema":      t.Schema,
			"name":        t.Name,
			"columns":     columns,
			"constraints": constraints,
		})
	}

	missing := make([]map[string]any, 0, len(r.Missing))
	for _, m := range r.Missing {
		missing = append(missing, map[string]any{
			"name":        m.Name,
			"suggestions": m.Suggestions,
		})
	}

	return map[string]any{"tables": tables, "missing": missing}
}

func jsonResult(payload any) (*toolResult, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return textResult(string(text), false), nil
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: normalizeID(id), Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	s.write(response{JSONRPC: "2.0", ID: normalizeID(id), Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding response")
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("writing response")
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
