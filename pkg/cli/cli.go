package cli

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	return run(ctx, argv, os.Stdout)
}

func run(ctx context.Context, argv []string, w io.Writer) *Error {
	cmd := &cli.Command{
		Name:   "rapport",
		Usage:  "Shared memory and multi-turn collaboration between coding agents",
		Writer: w,
		Commands: []*cli.Command{
			serveCommand(),
			memoryCommand(),
			sessionCommand(),
			collabCommand(),
			executeCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
