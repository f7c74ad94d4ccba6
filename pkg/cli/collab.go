package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const replHelp = `Commands:
  /status   show the session state
  /end      close the session and print its summary
  /quit     leave without closing (resume with --resume)
  /help     show this help
Anything else is sent to the counterpart.`

func collabCommand() *cli.Command {
	var (
		cfg         config
		project     string
		taskContext string
		resume      string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Project used to scope learnings",
			Sources:     cli.EnvVars("RAPPORT_PROJECT"),
			Destination: &project,
		},
		&cli.StringFlag{
			Name:        "context",
			Usage:       "Background the counterpart needs",
			Destination: &taskContext,
		},
		&cli.StringFlag{
			Name:        "resume",
			Aliases:     []string{"r"},
			Usage:       "Continue an existing session instead of starting one",
			Destination: &resume,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, collabFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:      "collab",
		Usage:     "Interactive collaboration session with the counterpart agent",
		ArgsUsage: "<task...>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

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

			var session *model.Session
			if resume != "" {
				session, err = manager.Get(ctx, model.SessionID(resume))
				if err != nil {
					return goerr.Wrap(err, "failed to resume session", goerr.V("session_id", resume))
				}
			} else {
				session, err = manager.Start(ctx, strings.Join(c.Args().Slice(), " "), taskContext, project)
				if err != nil {
					return goerr.Wrap(err, "failed to start session")
				}
			}

			dataDir, err := cfg.resolveDataDir()
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     filepath.Join(dataDir, ".collab_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "/quit",
				Stdout:          c.Root().Writer,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize line editor")
			}
			defer rl.Close()

			r := &repl{
				manager: manager,
				id:      session.ID,
				w:       c.Root().Writer,
				spin:    spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr)),
			}
			r.spin.Suffix = " waiting for " + cfg.counterpartDisplayName()

			fmt.Fprintf(r.w, "Session %s (%s). Type /help for commands.\n", session.ID, session.Status)
			fmt.Fprintf(r.w, "Task: %s\n", session.Task)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				done, err := r.handle(ctx, line)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		},
	}
}

func (cfg *config) counterpartDisplayName() string {
	return counterpartName(cfg.counterpart)
}

// sessionClient is the part of the session manager used by the REPL
type sessionClient interface {
	Get(ctx context.Context, id model.SessionID) (*model.Session, error)
	Step(ctx context.Context, id model.SessionID, message string) (*collab.StepResult, error)
	End(ctx context.Context, id model.SessionID, extractLearnings bool) (*model.SessionSummary, error)
}

// indicator shows progress while waiting for the counterpart
type indicator interface {
	Start()
	Stop()
}

type repl struct {
	manager sessionClient
	id      model.SessionID
	w       io.Writer
	spin    indicator
}

// handle processes one input line. done is true when the REPL should exit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	switch line {
	case "/quit", "/exit":
		fmt.Fprintf(r.w, "Session %s left open.\n", r.id)
		return true, nil

	case "/help":
		fmt.Fprintln(r.w, replHelp)
		return false, nil

	case "/status":
		s, err := r.manager.Get(ctx, r.id)
		if err != nil {
			return false, goerr.Wrap(err, "failed to get session", goerr.V("session_id", r.id))
		}
		fmt.Fprintf(r.w, "status: %s\nround: %d\nconsensus_score: %.2f\n", statusLabel(s), s.Rounds, s.ConsensusScore)
		return false, nil

	case "/end":
		summary, err := r.manager.End(ctx, r.id, true)
		if err != nil {
			return false, goerr.Wrap(err, "failed to end session", goerr.V("session_id", r.id))
		}
		printSummary(r.w, summary)
		return true, nil
	}

	r.spin.Start()
	result, err := r.manager.Step(ctx, r.id, line)
	r.spin.Stop()

	if err != nil {
		// The round was not recorded; the user can retry the same message
		switch {
		case errors.Is(err, model.ErrExternalTimeout), errors.Is(err, model.ErrExternal), errors.Is(err, model.ErrWriteConflict):
			logging.From(ctx).Warn("round failed, retry the message", logging.ErrAttr(err))
			return false, nil
		case errors.Is(err, model.ErrNotFound):
			fmt.Fprintf(r.w, "Session %s is closed.\n", r.id)
			return true, nil
		}
		return false, goerr.Wrap(err, "collaboration step failed", goerr.V("session_id", r.id))
	}

	if result.Reply != "" {
		fmt.Fprintf(r.w, "\n%s\n\n", result.Reply)
	}
	fmt.Fprintf(r.w, "[round %d, %s, score %.2f", result.Round, result.Status, result.Score)
	if len(result.Learnings) > 0 {
		fmt.Fprintf(r.w, ", %d learnings stored", len(result.Learnings))
	}
	fmt.Fprintln(r.w, "]")

	if result.Status.IsTerminal() {
		fmt.Fprintln(r.w, "The session is finished. Type /end to close it.")
	}
	return false, nil
}
