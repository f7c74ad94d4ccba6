package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
)

type mockTaskRunner struct {
	executeFunc func(ctx context.Context, req collab.TaskRequest) (*collab.TaskResult, error)
}

func (m *mockTaskRunner) Execute(ctx context.Context, req collab.TaskRequest) (*collab.TaskResult, error) {
	return m.executeFunc(ctx, req)
}

func TestRunTask(t *testing.T) {
	ctx := context.Background()

	t.Run("prints reply and counts the call", func(t *testing.T) {
		dir := t.TempDir()
		store := memory.New(dir)

		var buf bytes.Buffer
		err := runTask(ctx, &buf, &mockTaskRunner{
			executeFunc: func(ctx context.Context, req collab.TaskRequest) (*collab.TaskResult, error) {
				gt.Equal(t, req.Task, "write a parser")
				gt.Equal(t, req.Format, prompt.FormatPlan)
				return &collab.TaskResult{
					Format:    req.Format,
					Reply:     "1. tokenize\n2. parse",
					Learnings: []*model.Learning{{ID: "lrn_1"}},
				}, nil
			},
		}, store, collab.TaskRequest{Task: "write a parser", Format: prompt.FormatPlan})
		gt.NoError(t, err)
		gt.S(t, buf.String()).Contains("1. tokenize")
		gt.S(t, buf.String()).Contains("[1 learnings stored]")

		out, cliErr := runCLI(t, "memory", "status", "--data-dir", dir)
		gt.V(t, cliErr).Nil()
		gt.S(t, out).Contains("total_calls: 1")
		gt.S(t, out).Contains("calls execute_task: 1")
	})

	t.Run("failure is not counted", func(t *testing.T) {
		store := memory.New(t.TempDir())

		err := runTask(ctx, &bytes.Buffer{}, &mockTaskRunner{
			executeFunc: func(ctx context.Context, req collab.TaskRequest) (*collab.TaskResult, error) {
				return nil, model.ErrExternalTimeout
			},
		}, store, collab.TaskRequest{Task: "write a parser"})
		gt.True(t, errors.Is(err, model.ErrExternalTimeout))

		stats, err := store.Stats(ctx)
		gt.NoError(t, err)
		gt.Equal(t, stats.TotalCalls, 0)
	})
}

func TestReadTaskFiles(t *testing.T) {
	a := writeFile(t, "a.go", "package a\n")
	b := writeFile(t, "b.go", "package b\n\n")

	got, err := readTaskFiles([]string{a, b})
	gt.NoError(t, err)
	gt.Equal(t, got, "// "+a+"\npackage a\n\n// "+b+"\npackage b")

	got, err = readTaskFiles(nil)
	gt.NoError(t, err)
	gt.Equal(t, got, "")

	_, err = readTaskFiles([]string{filepath.Join(t.TempDir(), "missing.go")})
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestExecuteCommandRejectsUnknownFormat(t *testing.T) {
	_, err := runCLI(t, "execute", "--data-dir", t.TempDir(), "--format", "poem", "write a parser")
	gt.V(t, err).NotNil()
}
