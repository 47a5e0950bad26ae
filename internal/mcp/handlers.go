package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
	"github.com/hpungsan/carchat/internal/ops"
	"github.com/hpungsan/carchat/internal/transcript"
	"github.com/hpungsan/carchat/internal/workflow"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	engine *workflow.Engine
	repo   *ops.Repository
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine *workflow.Engine, repo *ops.Repository) *Handlers {
	return &Handlers{engine: engine, repo: repo}
}

// TurnRequest represents the arguments for turn_process.
type TurnRequest struct {
	Question       string                `json:"question"`
	SubjectID      string                `json:"subject_id,omitempty"`
	Snapshot       conversation.Snapshot `json:"snapshot,omitempty"`
	SessionID      *string               `json:"session_id,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
}

// HistoryRequest represents the arguments for conversation_history.
type HistoryRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationRequest identifies one conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ListRequest represents the arguments for conversation_list.
type ListRequest struct {
	SessionID *string `json:"session_id,omitempty"`
	SubjectID *string `json:"subject_id,omitempty"`
	OpenOnly  bool    `json:"open_only,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}

// ExportRequest represents the arguments for conversation_export.
type ExportRequest struct {
	ConversationID string `json:"conversation_id"`
	Format         string `json:"format,omitempty"`
}

// ExportOutput is the rendered transcript.
type ExportOutput struct {
	ConversationID string           `json:"conversation_id"`
	Format         string           `json:"format"`
	Content        string           `json:"content"`
	Stats          transcript.Stats `json:"stats"`
}

// UserContextRequest represents the arguments for user_context.
type UserContextRequest struct {
	SessionID         string  `json:"session_id"`
	SubjectID         *string `json:"subject_id,omitempty"`
	RecencyWindowDays int     `json:"recency_window_days,omitempty"`
}

// AnalyticsRequest represents the arguments for analytics_summary.
type AnalyticsRequest struct {
	WindowDays int `json:"window_days,omitempty"`
}

// HandleTurn handles the turn_process tool call. Turn failures are part of
// the result, so this only errors on malformed arguments.
func (h *Handlers) HandleTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TurnRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if strings.TrimSpace(input.Question) == "" {
		return errorResult(errors.NewInvalidRequest("question is required")), nil
	}

	res := h.engine.Run(ctx, workflow.TurnInput{
		SubjectID:      input.SubjectID,
		Snapshot:       input.Snapshot,
		Question:       input.Question,
		SessionID:      input.SessionID,
		ConversationID: input.ConversationID,
	})
	return successResult(res)
}

// HandleHistory handles the conversation_history tool call.
func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := h.repo.GetHistory(ctx, input.ConversationID, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleClose handles the conversation_close tool call.
func (h *Handlers) HandleClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConversationRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := h.repo.CloseConversation(ctx, input.ConversationID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleList handles the conversation_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := h.repo.ListConversations(ctx, ops.ListInput{
		SessionID: input.SessionID,
		SubjectID: input.SubjectID,
		OpenOnly:  input.OpenOnly,
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleExport handles the conversation_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	format := strings.ToLower(strings.TrimSpace(input.Format))
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "html" {
		return errorResult(errors.NewInvalidRequest("format must be one of: markdown, html")), nil
	}

	t, err := transcript.Load(ctx, h.repo, input.ConversationID)
	if err != nil {
		return errorResult(err), nil
	}

	out := ExportOutput{ConversationID: t.Conversation.ID, Format: format, Stats: t.Stats()}
	if format == "html" {
		body, err := t.HTML()
		if err != nil {
			return errorResult(errors.NewInternal(err)), nil
		}
		out.Content = string(body)
	} else {
		out.Content = t.Markdown()
	}
	return successResult(out)
}

// HandleUserContext handles the user_context tool call.
func (h *Handlers) HandleUserContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UserContextRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := h.repo.GetUserContext(ctx, ops.UserContextInput{
		SessionID:         input.SessionID,
		SubjectID:         input.SubjectID,
		RecencyWindowDays: input.RecencyWindowDays,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleAnalytics handles the analytics_summary tool call.
func (h *Handlers) HandleAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AnalyticsRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := h.repo.GetAnalytics(ctx, input.WindowDays)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleCapabilities handles the capability_list tool call.
func (h *Handlers) HandleCapabilities(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(map[string]any{"capabilities": h.engine.Capabilities()})
}

// HandleHealth handles the workflow_health tool call.
func (h *Handlers) HandleHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.engine.Health())
}

// decode unmarshals tool arguments into T. Malformed arguments are an
// INVALID_REQUEST.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var out T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return out, errors.NewInvalidRequest("arguments: " + err.Error())
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, errors.NewInvalidRequest("arguments: " + err.Error())
	}
	return out, nil
}

// errorResult creates an MCP error result from any error. Internal errors
// carry no details so SQL text and paths stay out of client output.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var chatErr *errors.ChatError
	if stderrors.As(err, &chatErr) {
		message := chatErr.Message
		if chatErr.Code == errors.ErrInternal {
			message = "an internal error occurred"
		}
		// Keep context added by wrappers, e.g. "resolve conversation: ".
		if prefix, ok := strings.CutSuffix(err.Error(), chatErr.Error()); ok && prefix != "" && chatErr.Code != errors.ErrInternal {
			message = prefix + message
		}
		errorObj := map[string]any{
			"code":    chatErr.Code,
			"message": message,
			"status":  chatErr.Status,
		}
		if chatErr.Code != errors.ErrInternal && chatErr.Details != nil {
			errorObj["details"] = chatErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
