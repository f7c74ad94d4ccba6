package mcp_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/repository"
	"github.com/m-mizutani/rapport/pkg/service/mcp"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/usecase/consensus"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type mockConverser struct {
	converseFunc func(ctx context.Context, systemPrompt string, history []model.Message) (string, error)
}

func (m *mockConverser) Converse(ctx context.Context, systemPrompt string, history []model.Message) (string, error) {
	return m.converseFunc(ctx, systemPrompt, history)
}

type fixture struct {
	dir     string
	session *mcpsdk.ClientSession
}

func setup(t *testing.T, converser *mockConverser) *fixture {
	ctx := context.Background()
	dir := t.TempDir()

	store := memory.New(dir)
	detector, err := consensus.New(consensus.DefaultConfig())
	gt.NoError(t, err)
	manager := collab.New(
		repository.NewFileSessions(filepath.Join(dir, "sessions")),
		store,
		prompt.New(store),
		detector,
		converser,
	)

	server := mcp.New(store, manager)

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	serverSession, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	gt.NoError(t, err)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	gt.NoError(t, err)

	t.Cleanup(func() {
		_ = clientSession.Close()
		_ = serverSession.Wait()
	})

	return &fixture{dir: dir, session: clientSession}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := f.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	gt.NoError(t, err)
	gt.A(t, result.Content).Length(1)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	gt.True(t, ok)
	return text.Text, result.IsError
}

func agreeingConverser() *mockConverser {
	return &mockConverser{
		converseFunc: func(ctx context.Context, systemPrompt string, history []model.Message) (string, error) {
			return "Good point, LRU it is. [STATUS: AGREE]", nil
		},
	}
}

func TestListTools(t *testing.T) {
	f := setup(t, agreeingConverser())

	result, err := f.session.ListTools(context.Background(), nil)
	gt.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, name := range []string{
		"memory_push", "memory_pull", "memory_status",
		"collaborate_start", "collaborate_step", "collaborate_end", "session_list",
		"execute_task",
	} {
		gt.True(t, names[name])
	}
}

func TestMemoryPushAndPullByProject(t *testing.T) {
	f := setup(t, agreeingConverser())

	text, isErr := f.call(t, "memory_push", map[string]any{
		"text":    "race condition in retry loop",
		"project": "svc-a",
	})
	gt.False(t, isErr)
	gt.S(t, text).Contains("Stored")

	text, isErr = f.call(t, "memory_push", map[string]any{
		"text":    "race condition in retry loop",
		"project": "svc-a",
	})
	gt.False(t, isErr)
	gt.S(t, text).Contains("Already known")

	text, _ = f.call(t, "memory_pull", map[string]any{"project": "svc-a"})
	gt.S(t, text).Contains("race condition in retry loop")

	text, _ = f.call(t, "memory_pull", map[string]any{"project": "svc-b"})
	gt.S(t, text).NotContains("race condition in retry loop")
}

func TestMemoryPushBulk(t *testing.T) {
	f := setup(t, agreeingConverser())

	text, isErr := f.call(t, "memory_push", map[string]any{
		"text": "- Always close response bodies in Go\n- Prefer table driven tests\nshort",
		"bulk": true,
	})
	gt.False(t, isErr)
	gt.S(t, text).Contains("Stored 2 learnings")
}

func TestMemoryPushRejectsUnknownCategory(t *testing.T) {
	f := setup(t, agreeingConverser())

	result, err := f.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "memory_push",
		Arguments: map[string]any{"text": "something", "category": "gossip"},
	})
	// rejected either by schema validation or by the handler
	if err == nil {
		gt.True(t, result.IsError)
	}
}

func TestMemoryPullInvalidSince(t *testing.T) {
	f := setup(t, agreeingConverser())

	text, isErr := f.call(t, "memory_pull", map[string]any{"since": "yesterday"})
	gt.True(t, isErr)
	gt.S(t, text).Contains("Invalid input")
}

func TestMemoryStatusRecoversCorruptFile(t *testing.T) {
	f := setup(t, agreeingConverser())

	path := filepath.Join(f.dir, memory.FileName)
	gt.NoError(t, os.WriteFile(path, []byte("\x00\x01 not json"), 0o600))

	text, isErr := f.call(t, "memory_status", map[string]any{})
	gt.False(t, isErr)
	gt.S(t, text).Contains("total_count: 0")

	entries, err := os.ReadDir(f.dir)
	gt.NoError(t, err)
	var found bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "learnings.backup-") {
			data, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
			gt.NoError(t, err)
			gt.Equal(t, string(data), "\x00\x01 not json")
			found = true
		}
	}
	gt.True(t, found)
}

func TestCollaborationFlow(t *testing.T) {
	f := setup(t, agreeingConverser())

	text, isErr := f.call(t, "collaborate_start", map[string]any{
		"task":    "pick cache eviction policy",
		"project": "svc-a",
	})
	gt.False(t, isErr)

	var sessionID string
	for _, line := range strings.Split(text, "\n") {
		if id, ok := strings.CutPrefix(line, "session_id: "); ok {
			sessionID = id
		}
	}
	gt.NotEqual(t, sessionID, "")

	text, _ = f.call(t, "memory_status", map[string]any{})
	gt.S(t, text).Contains(sessionID)

	text, isErr = f.call(t, "collaborate_step", map[string]any{
		"session_id": sessionID,
		"message":    "I agree, LRU makes sense for this access pattern.",
	})
	gt.False(t, isErr)
	gt.S(t, text).Contains("Good point, LRU it is.")
	gt.S(t, text).Contains("status: consensus_reached")

	text, isErr = f.call(t, "collaborate_end", map[string]any{"session_id": sessionID})
	gt.False(t, isErr)
	gt.S(t, text).Contains("outcome: consensus_reached")

	text, isErr = f.call(t, "collaborate_step", map[string]any{
		"session_id": sessionID,
		"message":    "hello again",
	})
	gt.True(t, isErr)
	gt.S(t, text).Contains("Not found")

	text, _ = f.call(t, "session_list", map[string]any{"include_closed": true})
	gt.S(t, text).Contains(sessionID)
	gt.S(t, text).Contains("closed/consensus_reached")
}

func TestCollaborateStepUnknownSession(t *testing.T) {
	f := setup(t, agreeingConverser())

	text, isErr := f.call(t, "collaborate_step", map[string]any{
		"session_id": "sess_unknown",
		"message":    "hi",
	})
	gt.True(t, isErr)
	gt.S(t, text).Contains("Not found")
}

func TestExecuteTask(t *testing.T) {
	var gotHistory []model.Message
	f := setup(t, &mockConverser{
		converseFunc: func(ctx context.Context, systemPrompt string, history []model.Message) (string, error) {
			gotHistory = history
			return "### Solution\nuse a bounded worker pool\n" +
				"[LEARNING category=\"architecture\"]Bound fan out with a worker pool sized to the downstream limit[/LEARNING]", nil
		},
	})

	text, isErr := f.call(t, "execute_task", map[string]any{
		"task":          "parallelize the importer",
		"constraints":   "stdlib only",
		"output_format": "review",
		"project":       "svc-a",
	})
	gt.False(t, isErr)
	gt.S(t, text).Contains("## Agent result (review)")
	gt.S(t, text).Contains("use a bounded worker pool")
	gt.S(t, text).NotContains("[LEARNING")
	gt.S(t, text).Contains("learnings_stored: 1")
	gt.A(t, gotHistory).Length(1)
	gt.S(t, gotHistory[0].Text).Contains("stdlib only")

	text, _ = f.call(t, "memory_pull", map[string]any{"project": "svc-a", "exact": true})
	gt.S(t, text).Contains("Bound fan out with a worker pool")

	text, _ = f.call(t, "session_list", map[string]any{"include_closed": true})
	gt.S(t, text).Contains("No sessions.")

	text, _ = f.call(t, "memory_status", map[string]any{})
	gt.S(t, text).Contains("total_calls: 1")
	gt.S(t, text).Contains("- execute_task: 1")
}

func TestExecuteTaskCountsOnlyAnsweredCalls(t *testing.T) {
	f := setup(t, &mockConverser{
		converseFunc: func(ctx context.Context, systemPrompt string, history []model.Message) (string, error) {
			return "", errors.New("connection refused")
		},
	})

	text, isErr := f.call(t, "execute_task", map[string]any{"task": "parallelize the importer"})
	gt.True(t, isErr)
	gt.S(t, text).Contains("counterpart call failed")

	text, _ = f.call(t, "memory_status", map[string]any{})
	gt.S(t, text).NotContains("total_calls")
}

func TestExecuteTaskUnknownFormat(t *testing.T) {
	f := setup(t, agreeingConverser())

	result, err := f.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "execute_task",
		Arguments: map[string]any{"task": "write a parser", "output_format": "poem"},
	})
	// rejected either by schema validation or by the handler
	if err == nil {
		gt.True(t, result.IsError)
	}
}

func TestCollaborateStepCountsCalls(t *testing.T) {
	f := setup(t, agreeingConverser())

	text, _ := f.call(t, "collaborate_start", map[string]any{"task": "pick a queue"})
	var sessionID string
	for _, line := range strings.Split(text, "\n") {
		if id, ok := strings.CutPrefix(line, "session_id: "); ok {
			sessionID = id
		}
	}

	_, isErr := f.call(t, "collaborate_step", map[string]any{"session_id": sessionID, "message": "SQS?"})
	gt.False(t, isErr)

	text, _ = f.call(t, "memory_status", map[string]any{})
	gt.S(t, text).Contains("- collaborate_step: 1")
}
