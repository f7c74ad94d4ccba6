package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/adapter"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
	"github.com/urfave/cli/v3"
)

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Inspect and close collaboration sessions",
		Commands: []*cli.Command{
			sessionListCommand(),
			sessionShowCommand(),
			sessionEndCommand(),
			sessionArchivedCommand(),
		},
	}
}

// sessionID returns the first argument as a session ID
func sessionID(c *cli.Command) (model.SessionID, error) {
	if c.Args().Len() != 1 {
		return "", goerr.Wrap(model.ErrInvalidInput, "exactly one session ID is required")
	}
	return model.SessionID(c.Args().First()), nil
}

func statusLabel(s *model.Session) string {
	if s.Status == model.SessionClosed && s.Outcome != "" {
		return string(s.Status) + "/" + string(s.Outcome)
	}
	return string(s.Status)
}

func sessionListCommand() *cli.Command {
	var (
		cfg config
		all bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Include closed sessions",
			Destination: &all,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, collabFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List collaboration sessions, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			store, err := cfg.newStore()
			if err != nil {
				return err
			}
			manager, closer, err := cfg.newManager(ctx, store, nil)
			if err != nil {
				return err
			}
			defer closer()

			sessions, err := manager.List(ctx, all)
			if err != nil {
				return goerr.Wrap(err, "failed to list sessions")
			}

			for _, s := range sessions {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%d\t%.2f\t%s\t%s\n",
					s.ID,
					statusLabel(s),
					s.Rounds,
					s.ConsensusScore,
					s.UpdatedAt.Format("2006-01-02 15:04:05"),
					s.Task,
				)
			}
			return nil
		},
	}
}

func sessionShowCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, collabFlags(&cfg)...)

	return &cli.Command{
		Name:      "show",
		Usage:     "Show the transcript of a session",
		ArgsUsage: "<session-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			id, err := sessionID(c)
			if err != nil {
				return err
			}

			store, err := cfg.newStore()
			if err != nil {
				return err
			}
			manager, closer, err := cfg.newManager(ctx, store, nil)
			if err != nil {
				return err
			}
			defer closer()

			session, err := manager.Get(ctx, id)
			if err != nil {
				return goerr.Wrap(err, "failed to get session", goerr.V("session_id", id))
			}

			printSession(c.Root().Writer, session)
			return nil
		},
	}
}

func printSession(w io.Writer, s *model.Session) {
	fmt.Fprintf(w, "ID: %s\n", s.ID)
	fmt.Fprintf(w, "Task: %s\n", s.Task)
	if s.Project != "" {
		fmt.Fprintf(w, "Project: %s\n", s.Project)
	}
	if s.Context != "" {
		fmt.Fprintf(w, "Context: %s\n", s.Context)
	}
	fmt.Fprintf(w, "Status: %s\n", statusLabel(s))
	fmt.Fprintf(w, "Rounds: %d\n", s.Rounds)
	fmt.Fprintf(w, "Consensus score: %.2f\n", s.ConsensusScore)
	fmt.Fprintf(w, "Created: %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Updated: %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05"))

	for _, msg := range s.Messages {
		fmt.Fprintf(w, "\n[%s] %s\n%s\n", msg.Speaker, msg.Timestamp.Format("15:04:05"), msg.Text)
	}

	if s.Summary != nil && len(s.Summary.Learnings) > 0 {
		fmt.Fprintf(w, "\nLearnings:\n")
		for _, l := range s.Summary.Learnings {
			fmt.Fprintf(w, "- [%s] %s\n", l.Category, l.Text)
		}
	}
}

func printSummary(w io.Writer, summary *model.SessionSummary) {
	fmt.Fprintf(w, "session_id: %s\n", summary.SessionID)
	fmt.Fprintf(w, "outcome: %s\n", summary.Outcome)
	fmt.Fprintf(w, "rounds: %d\n", summary.Rounds)
	fmt.Fprintf(w, "messages: %d\n", summary.MessageCount)
	fmt.Fprintf(w, "consensus_score: %.2f\n", summary.ConsensusScore)
	fmt.Fprintf(w, "learnings: %d\n", len(summary.Learnings))
	for _, l := range summary.Learnings {
		fmt.Fprintf(w, "- [%s] %s\n", l.Category, l.Text)
	}
}

func sessionEndCommand() *cli.Command {
	var (
		cfg       config
		noExtract bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "no-extract",
			Usage:       "Do not store learning blocks found in the transcript",
			Destination: &noExtract,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, collabFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:      "end",
		Usage:     "Close a session and print its summary",
		ArgsUsage: "<session-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			id, err := sessionID(c)
			if err != nil {
				return err
			}

			store, err := cfg.newStore()
			if err != nil {
				return err
			}
			manager, closer, err := cfg.newManager(ctx, store, nil)
			if err != nil {
				return err
			}
			defer closer()

			summary, err := manager.End(ctx, id, !noExtract)
			if err != nil {
				return goerr.Wrap(err, "failed to end session", goerr.V("session_id", id))
			}

			printSummary(c.Root().Writer, summary)
			return nil
		},
	}
}

func sessionArchivedCommand() *cli.Command {
	var (
		cfg   config
		limit int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of archived sessions to list",
			Value:       20,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:      "archived",
		Usage:     "List archived sessions, or show one archived transcript",
		ArgsUsage: "[session-id]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			if c.Args().Len() > 0 {
				if cfg.archiveBucket == "" {
					return goerr.New("archive-bucket is required")
				}
				storage, err := adapter.NewStorage(ctx, cfg.archiveBucket, adapter.WithStoragePrefix(cfg.archivePrefix))
				if err != nil {
					return goerr.Wrap(err, "failed to create archive storage")
				}
				defer func() { _ = storage.Close() }()

				id := model.SessionID(c.Args().First())
				session, err := collab.NewCloudArchiver(storage, nil).Load(ctx, id)
				if err != nil {
					return goerr.Wrap(err, "failed to load archived session", goerr.V("session_id", id))
				}
				printSession(c.Root().Writer, session)
				return nil
			}

			index, err := cfg.newArchiveIndex(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = index.Close() }()

			summaries, err := index.ListSessionSummaries(ctx, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to list archived sessions")
			}

			for _, s := range summaries {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%d\t%.2f\t%s\t%s\n",
					s.SessionID,
					s.Outcome,
					s.Rounds,
					s.ConsensusScore,
					s.ClosedAt.Format("2006-01-02 15:04:05"),
					s.Task,
				)
			}
			return nil
		},
	}
}
