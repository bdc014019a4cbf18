package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/hiedb/internal/parser"
)

const maxDocumentSize = 5 << 20 // 5 MB

type submitResult struct {
	Keys []string `json:"keys"`
}

func (s *Server) submitDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename, err := req.RequireString("filename")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(content) > maxDocumentSize {
		return mcp.NewToolResultError(fmt.Sprintf("document too large: %d bytes (max %d)", len(content), maxDocumentSize)), nil
	}
	if strings.ContainsAny(filename, `/\`) {
		return mcp.NewToolResultError("filename must not contain a path"), nil
	}

	parsed, err := parser.Parse(filename, []byte(content))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recs, err := s.svc.Submit(s.as(ctx), parsed.Bundle())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := submitResult{Keys: make([]string, 0, len(recs))}
	for _, r := range recs {
		out.Keys = append(out.Keys, r.Key.String())
	}
	return jsonResult(out)
}
