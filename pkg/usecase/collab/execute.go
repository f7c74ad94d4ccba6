package collab

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/consensus"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
)

// TaskRequest is a task the counterpart completes in a single call
type TaskRequest struct {
	Task        string
	Files       string
	Constraints string
	Format      prompt.OutputFormat
	Project     string
}

// TaskResult is the answer to a delegated task
type TaskResult struct {
	Format    prompt.OutputFormat `json:"format"`
	Reply     string              `json:"reply"`
	Learnings []*model.Learning   `json:"learnings,omitempty"`
}

// Execute delegates a task to the counterpart without creating a session.
// Learning blocks in the answer are stored with the counterpart as source.
func (m *Manager) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if req.Format == "" {
		req.Format = prompt.FormatCode
	}
	message, err := prompt.AgentTask{
		Task:        req.Task,
		Files:       req.Files,
		Constraints: req.Constraints,
		Format:      req.Format,
	}.Render()
	if err != nil {
		return nil, err
	}

	pc, err := m.builder.Build(ctx, req.Task, req.Project, m.cfg.TaskBudget, prompt.WithExecution())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build system prompt")
	}

	history := []model.Message{
		{Speaker: model.SpeakerCaller, Text: message, Timestamp: m.now()},
	}
	reply, err := m.converse(ctx, "", pc.Prompt, history)
	if err != nil {
		return nil, err
	}

	learnings := m.storeLearnings(ctx, "", req.Project, memory.Extract(reply), m.cfg.CounterpartName)

	logging.From(ctx).Info("task executed",
		"project", req.Project,
		"format", req.Format,
		"learnings", len(learnings))

	return &TaskResult{
		Format:    req.Format,
		Reply:     consensus.StripStatus(memory.Strip(reply)),
		Learnings: learnings,
	}, nil
}
