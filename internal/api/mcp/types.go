// Package mcp implements the Model Context Protocol (MCP) server for Synapse.
// It provides JSON-RPC 2.0 based tools for an AI assistant to capture
// conversation, retrieve injected context, log events and authorize claims.
package mcp

import (
	"github.com/scrypster/synapse/internal/engine"
	"github.com/scrypster/synapse/pkg/types"
)

// CaptureTurnArgs contains arguments for the capture_turn tool.
type CaptureTurnArgs struct {
	ConversationID string `json:"conversation_id,omitempty"` // Omit to start a new conversation
	UserText       string `json:"user_text"`                 // The user's message (required)
	AssistantText  string `json:"assistant_text"`            // The assistant's reply (required)
}

// CaptureTurnResult contains the result of capturing a turn.
type CaptureTurnResult struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// InjectContextArgs contains arguments for the inject_context tool.
type InjectContextArgs struct {
	Request     string `json:"request"`                // The current user request (required)
	TokenBudget int    `json:"token_budget,omitempty"` // Context ceiling; 0 uses the configured default
}

// InjectContextResult contains the formatted context block.
type InjectContextResult struct {
	Context    string `json:"context"`
	TokenCount int    `json:"token_count"`
}

// QueryContextResult is a human-readable view of the last injection ranking.
type QueryContextResult struct {
	Report string `json:"report"`
}

// ForgetArgs contains arguments for the forget tool.
type ForgetArgs struct {
	Keywords []string `json:"keywords"` // Conversations mentioning any keyword are deleted (required)
}

// ForgetResult contains the result of a forget call.
type ForgetResult struct {
	Deleted int    `json:"deleted"`
	Message string `json:"message"`
}

// ClearAllResult contains the result of clearing working memory.
type ClearAllResult struct {
	Message string `json:"message"`
}

// LogEventArgs contains arguments for the log_event tool.
type LogEventArgs struct {
	Type    string         `json:"type"`              // Event type (required)
	Payload map[string]any `json:"payload,omitempty"` // Event payload
}

// LogEventResult contains the assigned sequence number.
type LogEventResult struct {
	Seq     int64  `json:"seq"`
	Message string `json:"message,omitempty"`
}

// RegisterCheckArgs contains arguments for the register_check tool.
type RegisterCheckArgs struct {
	SessionID string `json:"session_id,omitempty"` // Omit to use the server session
	Kind      string `json:"kind"`                 // unit, integration or visual (required)
	Passed    bool   `json:"passed"`               // Whether the check passed
}

// RegisterCheckResult returns the evidence ID to reference in claims.
type RegisterCheckResult struct {
	EvidenceID string `json:"evidence_id"`
}

// AuthorizeClaimArgs contains arguments for the authorize_claim tool.
type AuthorizeClaimArgs struct {
	SessionID        string   `json:"session_id,omitempty"`
	Type             string   `json:"type"`                  // success, integration_success or visual_change (required)
	Statement        string   `json:"statement"`             // What is being claimed (required)
	EvidenceID       string   `json:"evidence_id,omitempty"` // Evidence from register_check
	FilesTouched     []string `json:"files_touched,omitempty"`
	FailureSignature string   `json:"failure_signature,omitempty"`
	RootCause        string   `json:"root_cause,omitempty"`
}

// AuthorizeClaimResult carries the verdict.
type AuthorizeClaimResult struct {
	Verdict *types.Verdict `json:"verdict"`
}

// QueryPatternArgs contains arguments for the query_pattern tool.
type QueryPatternArgs struct {
	Signature     string  `json:"signature,omitempty"`      // Exact signature lookup; other filters ignored
	Kind          string  `json:"kind,omitempty"`           // Filter by pattern kind
	MinConfidence float64 `json:"min_confidence,omitempty"` // Confidence floor
	Limit         int     `json:"limit,omitempty"`          // Max results (default 20)
}

// QueryPatternResult contains matched patterns.
type QueryPatternResult struct {
	Patterns []*types.Pattern `json:"patterns"`
	Total    int              `json:"total"`
}

// RunAggregationResult carries the run report of a manual run.
type RunAggregationResult struct {
	Report *engine.RunReport `json:"report"`
}

// EndSessionArgs contains arguments for the end_session tool.
type EndSessionArgs struct {
	ConversationID string `json:"conversation_id,omitempty"` // Conversation to close
	SessionID      string `json:"session_id,omitempty"`      // Claim session to drop
}

// EndSessionResult contains the result of ending a session.
type EndSessionResult struct {
	Message string `json:"message"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"` // Must be "2.0"
	Method  string `json:"method"`  // Method name
	Params  any    `json:"params"`  // Method parameters
	ID      any    `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  any           `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      any           `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo  `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
