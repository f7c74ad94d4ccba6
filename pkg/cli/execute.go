package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// taskRunner is the part of the session manager used by the execute command
type taskRunner interface {
	Execute(ctx context.Context, req collab.TaskRequest) (*collab.TaskResult, error)
}

// callRecorder counts delegated calls in the learning store
type callRecorder interface {
	RecordCall(ctx context.Context, tool string) error
}

func executeCommand() *cli.Command {
	var (
		cfg         config
		project     string
		files       []string
		constraints string
		format      string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Project used to scope learnings",
			Sources:     cli.EnvVars("RAPPORT_PROJECT"),
			Destination: &project,
		},
		&cli.StringSliceFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "File the counterpart needs to see (repeatable)",
			Destination: &files,
		},
		&cli.StringFlag{
			Name:        "constraints",
			Usage:       "Coding style, frameworks and patterns to follow",
			Destination: &constraints,
		},
		&cli.StringFlag{
			Name:        "format",
			Usage:       "Shape of the answer (code, plan, review, diff)",
			Value:       string(prompt.FormatCode),
			Destination: &format,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, collabFlags(&cfg)...)

	return &cli.Command{
		Name:      "execute",
		Usage:     "Hand a task to the counterpart agent and print its solution",
		ArgsUsage: "<task...>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			outputFormat, err := prompt.ParseOutputFormat(format)
			if err != nil {
				return err
			}
			contents, err := readTaskFiles(files)
			if err != nil {
				return err
			}

			store, err := cfg.newStore()
			if err != nil {
				return err
			}
			converser, err := cfg.newConverser(ctx)
			if err != nil {
				return err
			}
			manager, closer, err := cfg.newManager(ctx, store, converser)
			if err != nil {
				return err
			}
			defer closer()

			return runTask(ctx, c.Root().Writer, manager, store, collab.TaskRequest{
				Task:        strings.Join(c.Args().Slice(), " "),
				Files:       contents,
				Constraints: constraints,
				Format:      outputFormat,
				Project:     project,
			})
		},
	}
}

func runTask(ctx context.Context, w io.Writer, runner taskRunner, recorder callRecorder, req collab.TaskRequest) error {
	result, err := runner.Execute(ctx, req)
	if err != nil {
		return goerr.Wrap(err, "failed to execute task")
	}
	if err := recorder.RecordCall(ctx, "execute_task"); err != nil {
		logging.From(ctx).Warn("failed to record call", logging.ErrAttr(err))
	}

	fmt.Fprintln(w, result.Reply)
	if len(result.Learnings) > 0 {
		fmt.Fprintf(w, "\n[%d learnings stored]\n", len(result.Learnings))
	}
	return nil
}

// readTaskFiles joins the named files, each under a header with its path
func readTaskFiles(paths []string) (string, error) {
	var b strings.Builder
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", goerr.Wrap(model.ErrInvalidInput, "failed to read task file",
				goerr.V("path", path),
				goerr.V("cause", err.Error()))
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "// %s\n%s", path, strings.TrimRight(string(data), "\n"))
	}
	return b.String(), nil
}
