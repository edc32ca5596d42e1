package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/scrypster/synapse/internal/brain"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// serverVersion is reported in the initialize handshake.
const serverVersion = "1.0.0"

// Server implements the Model Context Protocol (MCP) for Synapse. It exposes
// the brain's operations as JSON-RPC 2.0 tools.
type Server struct {
	brain     *brain.Brain
	sessionID string // unique ID generated once per MCP server lifetime
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithSessionID overrides the generated session ID. Used by tests.
func WithSessionID(id string) ServerOption {
	return func(s *Server) { s.sessionID = id }
}

// NewServer creates a new MCP server over the given brain.
func NewServer(b *brain.Brain, opts ...ServerOption) *Server {
	s := &Server{
		brain:     b,
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Printf("synapse-mcp: session ID: %s", s.sessionID)
	return s
}

// SessionID returns the server's session identifier.
func (s *Server) SessionID() string {
	return s.sessionID
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// This is the main entry point for MCP protocol handling.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result any
	var err error

	switch req.Method {
	// Standard MCP protocol methods
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized":
		// Notification; return an empty object so the frame stays valid.
		result = map[string]any{}
	case "tools/list":
		result = &MCPToolsListResult{Tools: s.buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)

	// Native JSON-RPC methods for direct callers
	case "capture_turn":
		result, err = s.handleCaptureTurn(ctx, req.Params)
	case "inject_context":
		result, err = s.handleInjectContext(ctx, req.Params)
	case "query_context":
		result, err = s.handleQueryContext(ctx, req.Params)
	case "forget":
		result, err = s.handleForget(ctx, req.Params)
	case "clear_all":
		result, err = s.handleClearAll(ctx, req.Params)
	case "log_event":
		result, err = s.handleLogEvent(ctx, req.Params)
	case "register_check":
		result, err = s.handleRegisterCheck(ctx, req.Params)
	case "authorize_claim":
		result, err = s.handleAuthorizeClaim(ctx, req.Params)
	case "query_pattern":
		result, err = s.handleQueryPattern(ctx, req.Params)
	case "run_aggregation":
		result, err = s.handleRunAggregation(ctx, req.Params)
	case "brain_stats":
		result, err = s.handleBrainStats(ctx, req.Params)
	case "end_session":
		result, err = s.handleEndSession(ctx, req.Params)

	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeInternalError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize(_ context.Context, params any) (any, error) {
	var p MCPInitializeParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.ClientInfo.Name != "" {
		log.Printf("synapse-mcp: client connected: %s %s", p.ClientInfo.Name, p.ClientInfo.Version)
	}
	return &MCPInitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    MCPServerCapabilities{Tools: &MCPToolsCapability{}},
		ServerInfo:      MCPServerInfo{Name: "synapse", Version: serverVersion},
	}, nil
}

// handleToolsCall dispatches a tools/call request to the appropriate handler
// and wraps the result in the MCP content envelope.
func (s *Server) handleToolsCall(ctx context.Context, params any) (any, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	var result any
	var handlerErr error

	switch p.Name {
	case "capture_turn":
		result, handlerErr = s.handleCaptureTurn(ctx, p.Arguments)
	case "inject_context":
		result, handlerErr = s.handleInjectContext(ctx, p.Arguments)
	case "query_context":
		result, handlerErr = s.handleQueryContext(ctx, p.Arguments)
	case "forget":
		result, handlerErr = s.handleForget(ctx, p.Arguments)
	case "clear_all":
		result, handlerErr = s.handleClearAll(ctx, p.Arguments)
	case "log_event":
		result, handlerErr = s.handleLogEvent(ctx, p.Arguments)
	case "register_check":
		result, handlerErr = s.handleRegisterCheck(ctx, p.Arguments)
	case "authorize_claim":
		result, handlerErr = s.handleAuthorizeClaim(ctx, p.Arguments)
	case "query_pattern":
		result, handlerErr = s.handleQueryPattern(ctx, p.Arguments)
	case "run_aggregation":
		result, handlerErr = s.handleRunAggregation(ctx, p.Arguments)
	case "brain_stats":
		result, handlerErr = s.handleBrainStats(ctx, p.Arguments)
	case "end_session":
		result, handlerErr = s.handleEndSession(ctx, p.Arguments)
	default:
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", p.Name)}},
			IsError: true,
		}, nil
	}

	if handlerErr != nil {
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: handlerErr.Error()}},
			IsError: true,
		}, nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

func (s *Server) handleCaptureTurn(ctx context.Context, params any) (any, error) {
	var args CaptureTurnArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.UserText) == "" {
		return nil, fmt.Errorf("user_text is required")
	}

	id, err := s.brain.Capture(ctx, args.ConversationID, args.UserText, args.AssistantText)
	if err != nil {
		if errors.Is(err, storage.ErrConversationEnded) {
			return nil, fmt.Errorf("conversation %s has ended; omit conversation_id to start a new one", args.ConversationID)
		}
		return nil, err
	}
	return &CaptureTurnResult{
		ConversationID: id,
		Message:        "turn captured",
	}, nil
}

func (s *Server) handleInjectContext(ctx context.Context, params any) (any, error) {
	var args InjectContextArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Request) == "" {
		return nil, fmt.Errorf("request is required")
	}

	text := s.brain.InjectContext(ctx, args.Request, args.TokenBudget)
	return &InjectContextResult{
		Context:    text,
		TokenCount: estimateTokens(text),
	}, nil
}

func (s *Server) handleQueryContext(_ context.Context, _ any) (any, error) {
	return &QueryContextResult{Report: s.brain.QueryContext()}, nil
}

func (s *Server) handleForget(ctx context.Context, params any) (any, error) {
	var args ForgetArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if len(args.Keywords) == 0 {
		return nil, fmt.Errorf("keywords are required")
	}

	deleted, err := s.brain.Forget(ctx, args.Keywords)
	if err != nil {
		return nil, err
	}
	return &ForgetResult{
		Deleted: deleted,
		Message: fmt.Sprintf("deleted %d conversations", deleted),
	}, nil
}

func (s *Server) handleClearAll(ctx context.Context, _ any) (any, error) {
	if err := s.brain.ClearAll(ctx); err != nil {
		return nil, err
	}
	return &ClearAllResult{Message: "working memory cleared; learned patterns retained"}, nil
}

func (s *Server) handleLogEvent(ctx context.Context, params any) (any, error) {
	var args LogEventArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if args.Type == "" {
		return nil, fmt.Errorf("type is required")
	}

	seq, err := s.brain.LogEvent(ctx, types.EventType(args.Type), args.Payload)
	if err != nil {
		return nil, err
	}
	return &LogEventResult{Seq: seq}, nil
}

func (s *Server) handleRegisterCheck(_ context.Context, params any) (any, error) {
	var args RegisterCheckArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}

	kind := types.EvidenceKind(args.Kind)
	switch kind {
	case types.EvidenceUnit, types.EvidenceIntegration, types.EvidenceVisual:
	default:
		return nil, fmt.Errorf("unknown evidence kind %q", args.Kind)
	}

	ev := s.brain.RegisterCheck(s.effectiveSession(args.SessionID), kind, args.Passed)
	return &RegisterCheckResult{EvidenceID: ev.ID}, nil
}

func (s *Server) handleAuthorizeClaim(ctx context.Context, params any) (any, error) {
	var args AuthorizeClaimArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if args.Statement == "" {
		return nil, fmt.Errorf("statement is required")
	}

	claimType := types.ClaimType(args.Type)
	switch claimType {
	case types.ClaimSuccess, types.ClaimIntegrationSuccess, types.ClaimVisualChange:
	default:
		return nil, fmt.Errorf("unknown claim type %q", args.Type)
	}

	verdict, err := s.brain.AuthorizeClaim(ctx, &types.Claim{
		SessionID:        s.effectiveSession(args.SessionID),
		Type:             claimType,
		Statement:        args.Statement,
		EvidenceID:       args.EvidenceID,
		FilesTouched:     args.FilesTouched,
		FailureSignature: args.FailureSignature,
		RootCause:        args.RootCause,
	})
	if err != nil {
		return nil, err
	}
	return &AuthorizeClaimResult{Verdict: verdict}, nil
}

func (s *Server) handleQueryPattern(ctx context.Context, params any) (any, error) {
	var args QueryPatternArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}

	patterns, err := s.brain.QueryPattern(ctx, args.Signature, storage.PatternListOptions{
		Kind:          types.PatternKind(args.Kind),
		MinConfidence: args.MinConfidence,
		Limit:         args.Limit,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &QueryPatternResult{Patterns: []*types.Pattern{}}, nil
		}
		return nil, err
	}
	return &QueryPatternResult{Patterns: patterns, Total: len(patterns)}, nil
}

func (s *Server) handleRunAggregation(ctx context.Context, _ any) (any, error) {
	report, err := s.brain.RunAggregation(ctx)
	if err != nil && report == nil {
		return nil, err
	}
	// A validation-failed run still returns its report; the caller sees the
	// rolled-back state there.
	return &RunAggregationResult{Report: report}, nil
}

func (s *Server) handleBrainStats(ctx context.Context, _ any) (any, error) {
	return s.brain.BrainStats(ctx)
}

func (s *Server) handleEndSession(ctx context.Context, params any) (any, error) {
	var args EndSessionArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := s.brain.EndSession(ctx, args.ConversationID, s.effectiveSession(args.SessionID)); err != nil {
		return nil, err
	}
	return &EndSessionResult{Message: "session ended"}, nil
}

// effectiveSession falls back to the server's own session ID when a tool call
// does not carry one.
func (s *Server) effectiveSession(override string) string {
	if override != "" {
		return override
	}
	return s.sessionID
}

// estimateTokens mirrors the formatter's chars-per-token heuristic.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// buildToolsList returns the canonical list of MCP tool definitions.
func (s *Server) buildToolsList() []MCPTool {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return []MCPTool{
		{
			Name:        "capture_turn",
			Description: "Capture one user/assistant exchange into working memory. Entities and intent are extracted automatically. Omit conversation_id to start a new conversation; the ID is returned for subsequent turns.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"user_text", "assistant_text"},
				"properties": map[string]any{
					"conversation_id": str("Existing conversation to append to"),
					"user_text":       str("The user's message"),
					"assistant_text":  str("The assistant's reply"),
				},
			},
		},
		{
			Name:        "inject_context",
			Description: "Build the context block for the current request: relevant prior conversations, ranked and trimmed to the token budget, with pronouns in the request resolved against recent entities. Always returns text; an empty marker means nothing relevant was found.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"request"},
				"properties": map[string]any{
					"request":      str("The current user request"),
					"token_budget": map[string]any{"type": "integer", "description": "Context ceiling in tokens (default 500)"},
				},
			},
		},
		{
			Name:        "query_context",
			Description: "Explain the last context injection: which conversations were considered, their relevance scores, and what was included or dropped.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "forget",
			Description: "Delete conversations mentioning any of the given keywords from working memory.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"keywords"},
				"properties": map[string]any{
					"keywords": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Keywords to purge"},
				},
			},
		},
		{
			Name:        "clear_all",
			Description: "Wipe all conversations from working memory. Learned patterns in the knowledge graph are retained.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "log_event",
			Description: "Append an interaction event (intent_detected, file_edited, correction, validation_outcome, workflow_step) to the event log. Duplicates are deduplicated by content.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"type"},
				"properties": map[string]any{
					"type":    str("Event type"),
					"payload": map[string]any{"type": "object", "description": "Event payload"},
				},
			},
		},
		{
			Name:        "register_check",
			Description: "Register an automated check (unit, integration or visual) you just ran, with its outcome. Returns an evidence ID to reference in authorize_claim.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"kind", "passed"},
				"properties": map[string]any{
					"kind":       str("unit, integration or visual"),
					"passed":     map[string]any{"type": "boolean", "description": "Whether the check passed"},
					"session_id": str("Session override; defaults to the server session"),
				},
			},
		},
		{
			Name:        "authorize_claim",
			Description: "Authorize a success claim before asserting it. Claims must reference passing evidence registered this session; integration claims need integration evidence. Blocked verdicts carry a remediation hint.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"type", "statement"},
				"properties": map[string]any{
					"type":              str("success, integration_success or visual_change"),
					"statement":         str("What is being claimed"),
					"evidence_id":       str("Evidence ID from register_check"),
					"files_touched":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Files the change touched"},
					"failure_signature": str("Normalized signature of the failure being fixed"),
					"root_cause":        str("Diagnosed root cause of the failure"),
					"session_id":        str("Session override; defaults to the server session"),
				},
			},
		},
		{
			Name:        "query_pattern",
			Description: "Query the knowledge graph. Pass signature for an exact lookup, or filter by kind and minimum confidence.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"signature":      str("Exact pattern signature"),
					"kind":           str("intent, file_relationship, correction, workflow or validation_insight"),
					"min_confidence": map[string]any{"type": "number", "description": "Confidence floor"},
					"limit":          map[string]any{"type": "integer", "description": "Max results (default 20)"},
				},
			},
		},
		{
			Name:        "run_aggregation",
			Description: "Run knowledge-graph aggregation now: fold pending events into patterns, apply decay, validate and commit. Returns the run report.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "brain_stats",
			Description: "Report memory statistics: conversation count, pattern count, pending events and the last aggregation run.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "end_session",
			Description: "End the session: close the conversation, drop session-scoped claim evidence and trigger aggregation of pending events.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"conversation_id": str("Conversation to close"),
					"session_id":      str("Session override; defaults to the server session"),
				},
			},
		},
	}
}

// unmarshalParams unmarshals JSON-RPC parameters into a typed struct.
func (s *Server) unmarshalParams(params any, dest any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id any, result any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	})
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id any, code int, message string, data any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	})
}
