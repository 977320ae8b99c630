// Package mcp implements the line-delimited JSON-RPC tool server exposed to
// assistant clients over stdio.
package mcp

import "encoding/json"

const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes, plus the server-defined throttle code.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeRateLimited    = -32000
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no id and therefore
// expects no response.
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// content is one entry of a tool result's content array.
type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

func textResult(text string, isError bool) *toolResult {
	return &toolResult{
		Content: []content{{Type: "text", Text: text}},
		IsError: isError,
	}
}

func toolCatalog() []toolDescriptor {
	object := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

	return []toolDescriptor{
		{
			Name:        "sql_exec",
			Description: "Execute a SQL statement, wrapped in a transaction unless disabled",
			InputSchema: object(map[string]any{
				"sql":             map[string]any{"type": "string"},
				"use_transaction": map[string]any{"type": "boolean", "default": true},
				"timeout_ms":      map[string]any{"type": "integer"},
			}, "sql"),
		},
		{
			Name:        "sql_file",
			Description: "Execute the full contents of a SQL file",
			InputSchema: object(map[string]any{
				"path":            map[string]any{"type": "string"},
				"use_transaction": map[string]any{"type": "boolean", "default": true},
				"timeout_ms":      map[string]any{"type": "integer"},
			}, "path"),
		},
		{
			Name:        "sql_schema",
			Description: "Describe tables, columns and constraints; suggests close names for unknown tables",
			InputSchema: object(map[string]any{
				"tables":      stringArray,
				"all_schemas": map[string]any{"type": "boolean"},
			}),
		},
		{
			Name:        "sql_backup",
			Description: "Create a database backup with pg_dump",
			InputSchema: object(map[string]any{
				"format":      map[string]any{"type": "string", "enum": []string{"plain", "custom", "directory", "tar"}},
				"tables":      stringArray,
				"schemas":     stringArray,
				"data_only":   map[string]any{"type": "boolean"},
				"schema_only": map[string]any{"type": "boolean"},
				"compress":    map[string]any{"type": "integer"},
				"output_path": map[string]any{"type": "string"},
			}),
		},
		{
			Name:        "sql_health",
			Description: "Report connection pool statistics",
			InputSchema: object(map[string]any{}),
		},
	}
}
