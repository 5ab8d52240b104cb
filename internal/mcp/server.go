// Package mcp exposes the health data layer as MCP tools over stdio,
// so coding agents can inspect live issues and past diagnostic reports.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"healthwatch/internal/feed"
	"healthwatch/internal/models"
	"healthwatch/internal/session"
	"healthwatch/internal/store"
)

// Server wraps the healthwatch data layer and exposes it as MCP tools.
type Server struct {
	feed     *feed.Poller
	registry *session.Registry
	store    store.Store
}

// NewServer creates the MCP server wrapper. registry and st may be nil
// when the corresponding feature is not running in this process.
func NewServer(p *feed.Poller, reg *session.Registry, st store.Store) *Server {
	return &Server{
		feed:     p,
		registry: reg,
		store:    st,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("healthwatch", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.listIssuesTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.listReportsTool())
	srv.AddTool(s.getReportTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// healthwatch_list_issues
func (s *Server) listIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("healthwatch_list_issues",
		mcp.WithDescription("List currently unhealthy Kubernetes resources. Returns a JSON array with issue type, severity, resource identity, and unhealthy duration."),
		mcp.WithString("severity", mcp.Description("Filter by severity (critical, high, warning, info)")),
	)
	return tool, s.handleListIssues
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	severity := request.GetString("severity", "")

	type issueOut struct {
		Key               string `json:"key"`
		IssueType         string `json:"issueType"`
		Severity          string `json:"severity"`
		ResourceType      string `json:"resourceType"`
		Namespace         string `json:"namespace"`
		ResourceName      string `json:"resourceName"`
		Container         string `json:"container,omitempty"`
		UnhealthySince    string `json:"unhealthySince"`
		UnhealthyTimespan string `json:"unhealthyTimespan"`
		Message           string `json:"message"`
	}

	var out []issueOut
	for _, issue := range s.feed.Latest() {
		if severity != "" && issue.Severity != models.ParseSeverity(severity) {
			continue
		}
		out = append(out, issueOut{
			Key:               issue.Key(),
			IssueType:         issue.IssueType,
			Severity:          string(issue.Severity),
			ResourceType:      string(issue.ResourceType),
			Namespace:         issue.Namespace,
			ResourceName:      issue.ResourceName,
			Container:         issue.Container,
			UnhealthySince:    issue.UnhealthySince.Format(time.RFC3339),
			UnhealthyTimespan: issue.UnhealthyTimespan.String(),
			Message:           issue.Message,
		})
	}
	if out == nil {
		out = []issueOut{}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal issues: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// healthwatch_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("healthwatch_session_status",
		mcp.WithDescription("Get the lifecycle state of live diagnostic sessions, keyed by issue identity."),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("session registry not running in this process"), nil
	}

	type sessionOut struct {
		IssueKey string `json:"issue_key"`
		State    string `json:"state"`
	}

	statuses := s.registry.Statuses()
	out := make([]sessionOut, 0, len(statuses))
	for key, state := range statuses {
		out = append(out, sessionOut{IssueKey: key, State: string(state)})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// healthwatch_list_reports
func (s *Server) listReportsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("healthwatch_list_reports",
		mcp.WithDescription("List completed diagnostic reports. Returns id, issue key, root cause, and creation time for each."),
		mcp.WithString("issue_key", mcp.Description("Filter by issue identity key (namespace:resourceType:name:container)")),
	)
	return tool, s.handleListReports
}

func (s *Server) handleListReports(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("report store not configured"), nil
	}

	reports, err := s.store.ListReports(ctx, request.GetString("issue_key", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list reports: %v", err)), nil
	}

	type reportOut struct {
		ID        string `json:"id"`
		IssueKey  string `json:"issue_key"`
		IssueType string `json:"issue_type"`
		RootCause string `json:"root_cause"`
		CreatedAt string `json:"created_at"`
	}

	out := make([]reportOut, len(reports))
	for i, r := range reports {
		out[i] = reportOut{
			ID:        r.ID,
			IssueKey:  r.IssueKey,
			IssueType: r.IssueType,
			RootCause: r.RootCause,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal reports: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// healthwatch_get_report
func (s *Server) getReportTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("healthwatch_get_report",
		mcp.WithDescription("Get a single diagnostic report by id, including the proposed solution and the full transcript."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Report ULID")),
	)
	return tool, s.handleGetReport
}

func (s *Server) handleGetReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("report store not configured"), nil
	}

	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}

	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("report not found: %s", id)), nil
	}

	data, err := json.Marshal(report)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal report: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
