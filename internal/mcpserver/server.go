// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes HIEDB tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/jobs"
	"github.com/starford/hiedb/internal/recordservice"
)

const (
	submissionFormatURI = "hiedb://submission-format"
	constraintsURI      = "hiedb://constraints"
)

// Server wraps the MCP server with HIEDB tools.
type Server struct {
	mcp       *server.MCPServer
	svc       *recordservice.Service
	jobs      *jobs.Manager
	principal auth.Principal
}

// New creates a new MCP server with all HIEDB tools registered. Every tool
// call acts as principal. jm may be nil, in which case the job tools are
// not registered.
func New(svc *recordservice.Service, jm *jobs.Manager, principal auth.Principal) *Server {
	s := &Server{svc: svc, jobs: jm, principal: principal}

	s.mcp = server.NewMCPServer(
		"HIEDB",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Read the current version of a record by key."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Record key (UUID)")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("get_history",
		mcp.WithDescription("List every version of a record, newest first."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Record key (UUID)")),
	), s.getHistory)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Full-text search through clinical notes."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("submit_document",
		mcp.WithDescription("Submit records in the HIEDB submission format. "+
			"Read the format first via the hiedb://submission-format resource."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Document name; the extension selects the format (.yaml, .json, .md)")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Document content")),
	), s.submitDocument)

	s.mcp.AddTool(mcp.NewTool("list_duplicates",
		mcp.WithDescription("List local records that are probable duplicates of another master."),
	), s.listDuplicates)

	s.mcp.AddTool(mcp.NewTool("list_locals",
		mcp.WithDescription("List the local records linked to a master record."),
		mcp.WithString("master", mcp.Required(), mcp.Description("Master record key (UUID)")),
	), s.listLocals)

	if jm != nil {
		s.mcp.AddTool(mcp.NewTool("list_jobs",
			mcp.WithDescription("List registered background jobs and their last state."),
		), s.listJobs)

		s.mcp.AddTool(mcp.NewTool("start_job",
			mcp.WithDescription("Start a registered background job by name or id."),
			mcp.WithString("job", mcp.Required(), mcp.Description("Job name (e.g. fulltext-rebuild) or id")),
			mcp.WithObject("parameters", mcp.Description("Optional string parameters for the job")),
		), s.startJob)
	}

	s.mcp.AddResource(
		mcp.NewResource(submissionFormatURI, "Submission Format",
			mcp.WithResourceDescription("Document format accepted for record submissions."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readSubmissionFormat,
	)
	s.mcp.AddResource(
		mcp.NewResource(constraintsURI, "Formal Constraints",
			mcp.WithResourceDescription("Violation kinds a write can be rejected with."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readConstraints,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server (for testing).
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) as(ctx context.Context) context.Context {
	return auth.WithPrincipal(ctx, s.principal)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func requireKey(req mcp.CallToolRequest, name string) (uuid.UUID, error) {
	raw, err := req.RequireString(name)
	if err != nil {
		return uuid.Nil, err
	}
	key, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: invalid key %q", name, raw)
	}
	return key, nil
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := requireKey(req, "key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.Get(s.as(ctx), key)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) getHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := requireKey(req, "key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	versions, err := s.svc.History(s.as(ctx), key)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(versions)
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := s.svc.SearchNotes(s.as(ctx), query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(hits) == 0 {
		return mcp.NewToolResultText("no notes found"), nil
	}
	return jsonResult(hits)
}

func (s *Server) listDuplicates(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolver := s.svc.MDM()
	if resolver == nil {
		return mcp.NewToolResultError("mdm is not enabled"), nil
	}
	dups, err := resolver.Duplicates(s.as(ctx))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(dups) == 0 {
		return mcp.NewToolResultText("no duplicates found"), nil
	}
	return jsonResult(dups)
}

func (s *Server) listLocals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolver := s.svc.MDM()
	if resolver == nil {
		return mcp.NewToolResultError("mdm is not enabled"), nil
	}
	master, err := requireKey(req, "master")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	locals, err := resolver.Locals(s.as(ctx), master)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(locals)
}

func (s *Server) listJobs(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.jobs.Jobs(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(infos)
}

func (s *Server) startJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = s.as(ctx)
	if err := auth.Demand(ctx, auth.PermAdminister); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, err := req.RequireString("job")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		if id, err = s.jobs.Lookup(ref); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	params := map[string]string{}
	if raw, ok := req.GetArguments()["parameters"].(map[string]any); ok {
		for k, v := range raw {
			params[k] = fmt.Sprint(v)
		}
	}
	if err := s.jobs.Start(ctx, id, params); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("started: " + id.String()), nil
}

func (s *Server) readSubmissionFormat(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      submissionFormatURI,
			MIMEType: "text/markdown",
			Text:     SubmissionFormatContract,
		},
	}, nil
}

func (s *Server) readConstraints(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      constraintsURI,
			MIMEType: "text/markdown",
			Text:     ConstraintContract(),
		},
	}, nil
}
