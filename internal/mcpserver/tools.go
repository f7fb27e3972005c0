package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/service"
)

// renderedHits caps how many hits are spelled out in query text output.
const renderedHits = 5

type QueryDocsInput struct {
	LibraryName string `json:"library_name" jsonschema:"the library to search, e.g. tokio or serde"`
	Question    string `json:"question" jsonschema:"the question to answer from the library documentation"`
	VersionSpec string `json:"version_spec,omitempty" jsonschema:"configured version spec to search, defaults to the latest populated one"`
	TopK        int    `json:"top_k,omitempty" jsonschema:"maximum number of chunks to return"`
	Summarize   bool   `json:"summarize,omitempty" jsonschema:"ask the language model for a grounded answer"`
}

type LibrarySpecInput struct {
	LibraryName    string   `json:"library_name" jsonschema:"the library name, e.g. tokio or serde"`
	VersionSpec    string   `json:"version_spec,omitempty" jsonschema:"'latest' or a specific version such as 1.35.0"`
	Features       []string `json:"features,omitempty" jsonschema:"optional features to record, e.g. full or macros"`
	Enabled        *bool    `json:"enabled,omitempty" jsonschema:"whether the library is enabled, default true"`
	ExpectedChunks int      `json:"expected_chunks,omitempty" jsonschema:"expected number of chunks, informational"`
}

func (in LibrarySpecInput) spec() model.LibrarySpec {
	return model.LibrarySpec{
		Name:           in.LibraryName,
		VersionSpec:    in.VersionSpec,
		Features:       in.Features,
		ExpectedChunks: in.ExpectedChunks,
		Enabled:        in.Enabled,
	}
}

type AddLibrariesInput struct {
	Libraries []LibrarySpecInput `json:"libraries" jsonschema:"libraries to add or update"`
	FailFast  bool               `json:"fail_fast,omitempty" jsonschema:"stop at the first failure instead of best effort"`
}

type ListLibrariesInput struct {
	EnabledOnly bool `json:"enabled_only,omitempty" jsonschema:"only list enabled libraries"`
}

type LibraryRefInput struct {
	LibraryName string `json:"library_name" jsonschema:"the library name"`
	VersionSpec string `json:"version_spec,omitempty" jsonschema:"version spec of the configuration, default latest"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "query_docs",
		Description: "Query the documentation of a populated library using semantic search, optionally summarized by a language model.",
	}, s.handleQueryDocs)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_library",
		Description: "Add or update a library configuration and start populating its documentation.",
	}, s.handleAddLibrary)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_libraries",
		Description: "Add or update multiple library configurations at once.",
	}, s.handleAddLibraries)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_libraries",
		Description: "List all configured libraries with their population state.",
	}, s.handleListLibraries)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "check_library_status",
		Description: "Check population status and queryability of a library.",
	}, s.handleCheckStatus)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "remove_library",
		Description: "Remove a library configuration together with its indexed documentation.",
	}, s.handleRemoveLibrary)
}

func (s *Server) handleQueryDocs(ctx context.Context, _ *mcp.CallToolRequest, in QueryDocsInput) (*mcp.CallToolResult, any, error) {
	res, err := s.libs.Query(ctx, in.LibraryName, in.Question, service.QueryOptions{
		VersionSpec: in.VersionSpec,
		TopK:        in.TopK,
		Summarize:   in.Summarize,
	})
	if err != nil {
		return nil, nil, err
	}
	return textResult(renderQuery(res)), res, nil
}

func (s *Server) handleAddLibrary(ctx context.Context, _ *mcp.CallToolRequest, in LibrarySpecInput) (*mcp.CallToolResult, any, error) {
	logutil.GetLogger(ctx).Info("add_library called",
		zap.String("library", in.LibraryName), zap.String("version_spec", in.VersionSpec))
	st, err := s.libs.AddLibrary(ctx, in.spec())
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(st)
}

func (s *Server) handleAddLibraries(ctx context.Context, _ *mcp.CallToolRequest, in AddLibrariesInput) (*mcp.CallToolResult, any, error) {
	specs := make([]model.LibrarySpec, 0, len(in.Libraries))
	for _, item := range in.Libraries {
		specs = append(specs, item.spec())
	}
	logutil.GetLogger(ctx).Info("add_libraries called", zap.Int("count", len(specs)), zap.Bool("fail_fast", in.FailFast))
	res, err := s.libs.AddLibraries(ctx, specs, in.FailFast)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(res)
}

type listOutput struct {
	Libraries []model.LibrarySummary `json:"libraries"`
	Total     int                    `json:"total"`
}

func (s *Server) handleListLibraries(ctx context.Context, _ *mcp.CallToolRequest, in ListLibrariesInput) (*mcp.CallToolResult, any, error) {
	items, err := s.libs.ListLibraries(ctx, in.EnabledOnly)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(listOutput{Libraries: items, Total: len(items)})
}

func (s *Server) handleCheckStatus(ctx context.Context, _ *mcp.CallToolRequest, in LibraryRefInput) (*mcp.CallToolResult, any, error) {
	st, err := s.libs.CheckStatus(ctx, in.LibraryName, in.VersionSpec)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(st)
}

type removeOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleRemoveLibrary(ctx context.Context, _ *mcp.CallToolRequest, in LibraryRefInput) (*mcp.CallToolResult, any, error) {
	versionSpec := in.VersionSpec
	if versionSpec == "" {
		versionSpec = model.VersionLatest
	}
	logutil.GetLogger(ctx).Info("remove_library called",
		zap.String("library", in.LibraryName), zap.String("version_spec", versionSpec))
	if err := s.libs.RemoveLibrary(ctx, in.LibraryName, versionSpec); err != nil {
		return nil, nil, err
	}
	return jsonResult(removeOutput{
		Success: true,
		Message: fmt.Sprintf("removed library configuration for %s (%s)", in.LibraryName, versionSpec),
	})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return textResult(string(raw)), v, nil
}

func renderQuery(res *model.QueryResult) string {
	if len(res.Chunks) == 0 {
		return fmt.Sprintf("No relevant documentation found for %q in %s %s", res.Question, res.Library, res.Version)
	}
	var sb strings.Builder
	if res.Summary != "" {
		sb.WriteString(res.Summary)
		sb.WriteString("\n\nSources:\n")
	} else {
		fmt.Fprintf(&sb, "From %s %s docs:\n", res.Library, res.Version)
	}
	for i, hit := range res.Chunks {
		if i >= renderedHits {
			break
		}
		fmt.Fprintf(&sb, "\n%d. [%s] %s (similarity: %.3f)\n", i+1, hit.ItemPath, strings.TrimSpace(hit.Content), hit.Score)
	}
	if res.SummaryError != "" {
		fmt.Fprintf(&sb, "\nsummary unavailable: %s\n", res.SummaryError)
	}
	return sb.String()
}
