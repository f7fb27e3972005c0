package mcpserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/service"
)

const serverName = "docindex"

// LibraryService is the operation set exposed as MCP tools.
type LibraryService interface {
	AddLibrary(ctx context.Context, spec model.LibrarySpec) (*model.LibraryStatus, error)
	AddLibraries(ctx context.Context, specs []model.LibrarySpec, failFast bool) (*model.AddLibrariesResult, error)
	RemoveLibrary(ctx context.Context, name, versionSpec string) error
	ListLibraries(ctx context.Context, enabledOnly bool) ([]model.LibrarySummary, error)
	CheckStatus(ctx context.Context, name, versionSpec string) (*model.LibraryStatus, error)
	Query(ctx context.Context, name, question string, opts service.QueryOptions) (*model.QueryResult, error)
}

type Server struct {
	libs   LibraryService
	server *mcp.Server
}

func New(libs LibraryService, version string) *Server {
	s := &Server{
		libs: libs,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler returns a streamable HTTP handler sharing this server.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// Connect attaches the server to an arbitrary transport.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
