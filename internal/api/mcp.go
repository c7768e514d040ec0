package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sheetsage/sheetsage/internal/catalog"
	"github.com/sheetsage/sheetsage/internal/feedback"
	"github.com/sheetsage/sheetsage/internal/planner"
	"github.com/sheetsage/sheetsage/internal/sqlguard"
)

// NewMCPServer creates an MCP server with all sheetsage tools registered.
// It shares sessions with the HTTP API, so a session created over either
// surface is usable from the other.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sheetsage",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("sheetsage — ask questions about uploaded spreadsheets in plain language; answers come back as SQL results with explanations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Open a new analysis session with an empty table catalog. Returns the session id used by the other tools."),
		),
		mcpCreateSession(deps),
	)

	s.AddTool(
		mcp.NewTool("upload_spreadsheet",
			mcp.WithDescription("Add a spreadsheet to a session. Every sheet becomes a queryable table."),
			mcp.WithString("session_id", mcp.Description("Session id from create_session"), mcp.Required()),
			mcp.WithString("file_name", mcp.Description("Original file name, used for table naming"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Base64-encoded spreadsheet bytes"), mcp.Required()),
		),
		mcpUploadSpreadsheet(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tables",
			mcp.WithDescription("List the tables in a session with their columns, types, row counts, and sample rows."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpListTables(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Ask a plain-language question about the session's tables. Returns the generated SQL, an explanation, the result rows, and a record id for feedback."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Rate a previous answer so future answers improve. Optionally supply a corrected SQL query."),
			mcp.WithNumber("record_id", mcp.Description("Record id returned by ask_question"), mcp.Required()),
			mcp.WithNumber("rating", mcp.Description("+1 for a good answer, -1 for a bad one")),
			mcp.WithString("feedback_text", mcp.Description("Free-text feedback")),
			mcp.WithString("corrected_sql", mcp.Description("A corrected read-only SQL query")),
		),
		mcpSubmitFeedback(deps),
	)

	return s
}

func mcpCreateSession(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, err := deps.Sessions.Create()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create session: %v", err)), nil
		}
		return mcpJSON(map[string]string{"session_id": s.ID})
	}
}

func mcpUploadSpreadsheet(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		fileName, err := req.RequireString("file_name")
		if err != nil {
			return mcpError("file_name is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		s, err := deps.Sessions.Get(sessionID)
		if err != nil {
			return mcpError("session not found"), nil
		}

		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return mcpError("content is not valid base64"), nil
		}

		if err := s.Catalog.AddFile(fileName, data); err != nil {
			return mcpError(fmt.Sprintf("ingesting %s failed: %v", fileName, err)), nil
		}
		return mcpJSON(tablesResponse(s.Catalog))
	}
}

func mcpListTables(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		s, err := deps.Sessions.Get(sessionID)
		if err != nil {
			return mcpError("session not found"), nil
		}
		return mcpJSON(tablesResponse(s.Catalog))
	}
}

func mcpAskQuestion(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		s, err := deps.Sessions.Get(sessionID)
		if err != nil {
			return mcpError("session not found"), nil
		}

		answer, err := deps.Ask.Ask(ctx, s.Catalog, question)
		switch {
		case err == nil:
			return mcpJSON(askResponse{Answer: answer})
		case sqlguard.IsValidationError(err):
			return mcpError(fmt.Sprintf("generated query was rejected: %v", err)), nil
		case planner.IsPlannerError(err):
			return mcpError(fmt.Sprintf("planner unavailable: %v", err)), nil
		case catalog.IsExecError(err):
			// The answer still carries the SQL and record id for feedback.
			return mcpJSON(askResponse{Answer: answer, Error: err.Error()})
		default:
			return mcpError(err.Error()), nil
		}
	}
}

func mcpSubmitFeedback(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		recordID, err := req.RequireInt("record_id")
		if err != nil {
			return mcpError("record_id is required"), nil
		}

		var fb feedback.Feedback
		if rating := req.GetInt("rating", 0); rating != 0 {
			if rating != feedback.RatingGood && rating != feedback.RatingBad {
				return mcpError("rating must be +1 or -1"), nil
			}
			fb.Rating = &rating
		}
		if text := req.GetString("feedback_text", ""); text != "" {
			fb.Text = &text
		}
		if corrected := req.GetString("corrected_sql", ""); corrected != "" {
			validated, err := sqlguard.Validate(corrected)
			if err != nil {
				return mcpError(fmt.Sprintf("corrected_sql rejected: %v", err)), nil
			}
			fb.CorrectedSQL = &validated
		}

		err = deps.Store.SubmitFeedback(int64(recordID), fb)
		if errors.Is(err, feedback.ErrNotFound) {
			return mcpError("record not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("saving feedback: %v", err)), nil
		}
		return mcpText("feedback saved"), nil
	}
}

// mcpJSON renders v as an indented JSON text result.
func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
