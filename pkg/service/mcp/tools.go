package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type memoryPushInput struct {
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
	Project  string `json:"project,omitempty"`
	Source   string `json:"source,omitempty"`
	Bulk     bool   `json:"bulk,omitempty"`
}

type memoryPullInput struct {
	Project  string `json:"project,omitempty"`
	Category string `json:"category,omitempty"`
	Since    string `json:"since,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Exact    bool   `json:"exact,omitempty"`
}

type memoryStatusInput struct{}

type collaborateStartInput struct {
	Task    string `json:"task" jsonschema:"What the two agents should work out together"`
	Context string `json:"context,omitempty" jsonschema:"Background the counterpart needs, such as constraints or code excerpts"`
	Project string `json:"project,omitempty" jsonschema:"Project used to scope learnings"`
}

type collaborateStepInput struct {
	SessionID string `json:"session_id" jsonschema:"Session ID returned by collaborate_start"`
	Message   string `json:"message" jsonschema:"Your next message to the counterpart"`
}

type collaborateEndInput struct {
	SessionID        string `json:"session_id" jsonschema:"Session ID returned by collaborate_start"`
	ExtractLearnings *bool  `json:"extract_learnings,omitempty" jsonschema:"Store learning blocks found in the transcript. Defaults to true"`
}

type executeTaskInput struct {
	Task         string `json:"task"`
	Files        string `json:"files,omitempty"`
	Constraints  string `json:"constraints,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	Project      string `json:"project,omitempty"`
}

type sessionListInput struct {
	IncludeClosed bool `json:"include_closed,omitempty" jsonschema:"Also list closed sessions"`
}

func (s *Server) registerMemoryTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_push",
		Description: "Store a learning in persistent memory. Duplicates of an existing learning in the same project are ignored.",
		InputSchema: memoryPushSchema(),
	}, s.memoryPush)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_pull",
		Description: "Retrieve stored learnings, most recent first, filtered by project, category and time.",
		InputSchema: memoryPullSchema(),
	}, s.memoryPull)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_status",
		Description: "Show memory statistics and active collaboration sessions.",
	}, s.memoryStatus)
}

func (s *Server) registerCollabTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "collaborate_start",
		Description: "Start a multi-turn collaboration session with the counterpart agent.",
	}, s.collaborateStart)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "collaborate_step",
		Description: "Send the next message in a collaboration session and receive the counterpart reply with the consensus status.",
	}, s.collaborateStep)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "collaborate_end",
		Description: "Close a collaboration session and return its summary.",
	}, s.collaborateEnd)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "session_list",
		Description: "List collaboration sessions.",
	}, s.sessionList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "execute_task",
		Description: "Hand a task to the counterpart agent and get back a complete solution in one call, with reasoning, confidence, caveats and alternatives. No session is created.",
		InputSchema: executeTaskSchema(),
	}, s.executeTask)
}

func (s *Server) memoryPush(ctx context.Context, req *mcp.CallToolRequest, in memoryPushInput) (*mcp.CallToolResult, any, error) {
	source := in.Source
	if source == "" {
		source = s.source
	}

	if in.Bulk {
		result, err := s.store.PushBulk(ctx, in.Text, source, in.Project)
		if err != nil {
			return toolError(ctx, "memory_push", err)
		}
		return textResult(fmt.Sprintf("Stored %d learnings (%d duplicates, %d lines too short).",
			result.Stored, result.Duplicates, result.Skipped)), nil, nil
	}

	category := memory.DetectCategory(in.Text)
	if in.Category != "" {
		c, err := model.ParseCategory(in.Category)
		if err != nil {
			return toolError(ctx, "memory_push", err)
		}
		category = c
	}

	learning, created, err := s.store.Add(ctx, model.LearningDraft{
		Text:     in.Text,
		Category: category,
		Project:  in.Project,
		Source:   source,
	})
	if err != nil {
		return toolError(ctx, "memory_push", err)
	}

	if !created {
		return textResult(fmt.Sprintf("Already known as %s [%s].", learning.ID, learning.Category)), nil, nil
	}
	return textResult(fmt.Sprintf("Stored %s [%s]%s.", learning.ID, learning.Category, scopeLabel(learning.Project))), nil, nil
}

func (s *Server) memoryPull(ctx context.Context, req *mcp.CallToolRequest, in memoryPullInput) (*mcp.CallToolResult, any, error) {
	filter := memory.Filter{
		Project:      in.Project,
		ExactProject: in.Exact,
	}

	if in.Category != "" {
		c, err := model.ParseCategory(in.Category)
		if err != nil {
			return toolError(ctx, "memory_pull", err)
		}
		filter.Category = c
	}

	if in.Since != "" {
		since, err := time.Parse(time.RFC3339, in.Since)
		if err != nil {
			return toolError(ctx, "memory_pull",
				goerr.Wrap(model.ErrInvalidInput, "since must be an RFC 3339 time", goerr.V("since", in.Since)))
		}
		filter.Since = since
	}

	learnings, err := s.store.Query(ctx, filter, in.Limit)
	if err != nil {
		return toolError(ctx, "memory_pull", err)
	}

	if len(learnings) == 0 {
		return textResult("No learnings found."), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Learnings (%d)\n", len(learnings))
	for _, l := range learnings {
		fmt.Fprintf(&b, "- [%s] %s%s (%s, %s)\n", l.Category, l.Text, scopeLabel(l.Project), l.ID, l.CreatedAt.Format(time.RFC3339))
	}
	return textResult(b.String()), nil, nil
}

func (s *Server) memoryStatus(ctx context.Context, req *mcp.CallToolRequest, in memoryStatusInput) (*mcp.CallToolResult, any, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return toolError(ctx, "memory_status", err)
	}

	var b strings.Builder
	b.WriteString("## Memory\n")
	fmt.Fprintf(&b, "total_count: %d\n", stats.TotalCount)
	if !stats.LastUpdated.IsZero() {
		fmt.Fprintf(&b, "last_updated: %s\n", stats.LastUpdated.Format(time.RFC3339))
	}
	for _, c := range model.Categories() {
		if n := stats.PerCategory[c]; n > 0 {
			fmt.Fprintf(&b, "- %s: %d\n", c, n)
		}
	}
	for _, p := range sortedKeys(stats.PerProject) {
		name := p
		if name == "" {
			name = "(global)"
		}
		fmt.Fprintf(&b, "- project %s: %d\n", name, stats.PerProject[p])
	}

	if stats.TotalCalls > 0 {
		fmt.Fprintf(&b, "\n## Calls\ntotal_calls: %d\n", stats.TotalCalls)
		for _, tool := range sortedKeys(stats.CallsByTool) {
			fmt.Fprintf(&b, "- %s: %d\n", tool, stats.CallsByTool[tool])
		}
	}

	sessions, err := s.sessions.List(ctx, false)
	if err != nil {
		return toolError(ctx, "memory_status", err)
	}
	fmt.Fprintf(&b, "\n## Active Sessions (%d)\n", len(sessions))
	for _, sess := range sessions {
		fmt.Fprintf(&b, "- %s [%s] round %d: %s\n", sess.ID, sess.Status, sess.Rounds, sess.Task)
	}

	return textResult(b.String()), nil, nil
}

func (s *Server) collaborateStart(ctx context.Context, req *mcp.CallToolRequest, in collaborateStartInput) (*mcp.CallToolResult, any, error) {
	session, err := s.sessions.Start(ctx, in.Task, in.Context, in.Project)
	if err != nil {
		return toolError(ctx, "collaborate_start", err)
	}

	return textResult(fmt.Sprintf("Session started.\nsession_id: %s\nstatus: %s\n\nSend your first message with collaborate_step.",
		session.ID, session.Status)), nil, nil
}

func (s *Server) collaborateStep(ctx context.Context, req *mcp.CallToolRequest, in collaborateStepInput) (*mcp.CallToolResult, any, error) {
	result, err := s.sessions.Step(ctx, model.SessionID(in.SessionID), in.Message)
	if err != nil {
		return toolError(ctx, "collaborate_step", err)
	}
	if result.Reply != "" {
		s.recordCall(ctx, "collaborate_step")
	}

	var b strings.Builder
	if result.Reply != "" {
		b.WriteString(result.Reply)
		b.WriteString("\n\n---\n")
	}
	fmt.Fprintf(&b, "session_id: %s\nround: %d\nstatus: %s\nconsensus_score: %.2f\n",
		result.SessionID, result.Round, result.Status, result.Score)
	if len(result.Learnings) > 0 {
		fmt.Fprintf(&b, "learnings_stored: %d\n", len(result.Learnings))
	}
	if result.Status.IsTerminal() {
		b.WriteString("\nThe session is finished. Call collaborate_end to close it.\n")
	}

	return textResult(b.String()), nil, nil
}

func (s *Server) collaborateEnd(ctx context.Context, req *mcp.CallToolRequest, in collaborateEndInput) (*mcp.CallToolResult, any, error) {
	extract := true
	if in.ExtractLearnings != nil {
		extract = *in.ExtractLearnings
	}

	summary, err := s.sessions.End(ctx, model.SessionID(in.SessionID), extract)
	if err != nil {
		return toolError(ctx, "collaborate_end", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Session %s closed\n", summary.SessionID)
	fmt.Fprintf(&b, "task: %s\noutcome: %s\nrounds: %d\nmessages: %d\nconsensus_score: %.2f\n",
		summary.Task, summary.Outcome, summary.Rounds, summary.MessageCount, summary.ConsensusScore)
	if len(summary.Learnings) > 0 {
		fmt.Fprintf(&b, "\n### Learnings (%d)\n", len(summary.Learnings))
		for _, l := range summary.Learnings {
			fmt.Fprintf(&b, "- [%s] %s\n", l.Category, l.Text)
		}
	}

	return textResult(b.String()), nil, nil
}

func (s *Server) sessionList(ctx context.Context, req *mcp.CallToolRequest, in sessionListInput) (*mcp.CallToolResult, any, error) {
	sessions, err := s.sessions.List(ctx, in.IncludeClosed)
	if err != nil {
		return toolError(ctx, "session_list", err)
	}

	if len(sessions) == 0 {
		return textResult("No sessions."), nil, nil
	}

	var b strings.Builder
	for _, sess := range sessions {
		status := sess.Status
		if status == model.SessionClosed && sess.Outcome != "" {
			status = model.SessionStatus(string(status) + "/" + string(sess.Outcome))
		}
		fmt.Fprintf(&b, "- %s [%s] round %d, score %.2f: %s\n",
			sess.ID, status, sess.Rounds, sess.ConsensusScore, sess.Task)
	}
	return textResult(b.String()), nil, nil
}

func (s *Server) executeTask(ctx context.Context, req *mcp.CallToolRequest, in executeTaskInput) (*mcp.CallToolResult, any, error) {
	format, err := prompt.ParseOutputFormat(in.OutputFormat)
	if err != nil {
		return toolError(ctx, "execute_task", err)
	}

	result, err := s.sessions.Execute(ctx, collab.TaskRequest{
		Task:        in.Task,
		Files:       in.Files,
		Constraints: in.Constraints,
		Format:      format,
		Project:     in.Project,
	})
	if err != nil {
		return toolError(ctx, "execute_task", err)
	}
	s.recordCall(ctx, "execute_task")

	var b strings.Builder
	fmt.Fprintf(&b, "## Agent result (%s)\n\n%s\n", result.Format, result.Reply)
	if len(result.Learnings) > 0 {
		fmt.Fprintf(&b, "\n---\nlearnings_stored: %d\n", len(result.Learnings))
	}
	return textResult(b.String()), nil, nil
}

func scopeLabel(project string) string {
	if project == "" {
		return ""
	}
	return " (project: " + project + ")"
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// describeError turns an error into a message the calling agent can act on
func describeError(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "Not found: the session does not exist or is already closed. " + err.Error()
	case errors.Is(err, model.ErrExternalTimeout):
		return "The counterpart did not answer in time. Nothing was recorded; retry the same message. " + err.Error()
	case errors.Is(err, model.ErrExternal):
		return "The counterpart call failed. Nothing was recorded; retry later. " + err.Error()
	case errors.Is(err, model.ErrWriteConflict):
		return "The store is busy with another writer. Retry shortly. " + err.Error()
	case errors.Is(err, model.ErrInvalidInput):
		return "Invalid input: " + err.Error()
	default:
		return "Internal error: " + err.Error()
	}
}
