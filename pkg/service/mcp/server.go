package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ServerName = "rapport"
)

// Version is set at build time
var Version = "dev"

// MemoryStore is the learning store exposed through the memory tools
type MemoryStore interface {
	Add(ctx context.Context, draft model.LearningDraft) (*model.Learning, bool, error)
	PushBulk(ctx context.Context, text, source, project string) (*memory.BulkResult, error)
	Query(ctx context.Context, filter memory.Filter, limit int) ([]*model.Learning, error)
	Stats(ctx context.Context) (*memory.Stats, error)
	RecordCall(ctx context.Context, tool string) error
}

// Collaborator runs collaboration sessions exposed through the collaborate tools
type Collaborator interface {
	Start(ctx context.Context, task, taskContext, project string) (*model.Session, error)
	Step(ctx context.Context, id model.SessionID, message string) (*collab.StepResult, error)
	End(ctx context.Context, id model.SessionID, extractLearnings bool) (*model.SessionSummary, error)
	List(ctx context.Context, includeClosed bool) ([]*model.Session, error)
	Execute(ctx context.Context, req collab.TaskRequest) (*collab.TaskResult, error)
}

// Server exposes memory and collaboration as MCP tools
type Server struct {
	store    MemoryStore
	sessions Collaborator
	server   *mcp.Server
	source   string
}

// Option is a functional option for Server
type Option func(*Server)

// WithDefaultSource sets the source recorded for pushed learnings without one
func WithDefaultSource(source string) Option {
	return func(s *Server) {
		if source != "" {
			s.source = source
		}
	}
}

// New creates a Server and registers all tools
func New(store MemoryStore, sessions Collaborator, opts ...Option) *Server {
	s := &Server{
		store:    store,
		sessions: sessions,
		source:   "claude",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: Version,
	}, nil)
	s.registerMemoryTools()
	s.registerCollabTools()

	return s
}

// MCPServer returns the underlying server, mainly to connect custom transports
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

// RunStdio serves over stdin/stdout until ctx is canceled or the client disconnects
func (s *Server) RunStdio(ctx context.Context) error {
	logging.From(ctx).Info("serving MCP over stdio", "version", Version)
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is canceled
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("serving MCP over HTTP", "addr", addr, "version", Version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return goerr.Wrap(err, "http server stopped", goerr.V("addr", addr))
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shutdown http server")
		}
		return nil
	}
}

// recordCall counts a tool call that reached the counterpart. Counting never fails the call.
func (s *Server) recordCall(ctx context.Context, tool string) {
	if err := s.store.RecordCall(ctx, tool); err != nil {
		logging.From(ctx).Warn("failed to record tool call", "tool", tool, logging.ErrAttr(err))
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// toolError reports a failed call to the client as a tool result instead of
// a protocol error, so the calling agent can read and react to it.
func toolError(ctx context.Context, tool string, err error) (*mcp.CallToolResult, any, error) {
	logging.From(ctx).Warn("tool call failed", "tool", tool, logging.ErrAttr(err))

	result := textResult(describeError(err))
	result.IsError = true
	return result, nil, nil
}
