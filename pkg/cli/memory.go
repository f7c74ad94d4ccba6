package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
	"github.com/urfave/cli/v3"
)

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Manage stored learnings",
		Commands: []*cli.Command{
			memoryPushCommand(),
			memoryPullCommand(),
			memoryStatusCommand(),
			memoryPromptCommand(),
		},
	}
}

// inputText returns the joined arguments, or stdin when there are none
func inputText(c *cli.Command) (string, error) {
	if c.Args().Len() > 0 {
		return strings.Join(c.Args().Slice(), " "), nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", goerr.Wrap(err, "failed to read stdin")
	}
	return string(data), nil
}

func memoryPushCommand() *cli.Command {
	var (
		cfg      config
		category string
		project  string
		source   string
		bulk     bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "category",
			Usage:       "Learning category (detected from the text when omitted)",
			Destination: &category,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Project the learning belongs to (global when omitted)",
			Sources:     cli.EnvVars("RAPPORT_PROJECT"),
			Destination: &project,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Who produced the learning",
			Value:       "user",
			Destination: &source,
		},
		&cli.BoolFlag{
			Name:        "bulk",
			Aliases:     []string{"b"},
			Usage:       "Store each line of the input as a separate learning",
			Destination: &bulk,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "push",
		Usage:     "Store a learning",
		ArgsUsage: "[text...] (reads stdin when omitted)",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			store, err := cfg.newStore()
			if err != nil {
				return err
			}

			text, err := inputText(c)
			if err != nil {
				return err
			}

			if bulk {
				result, err := store.PushBulk(ctx, text, source, project)
				if err != nil {
					return goerr.Wrap(err, "failed to push learnings")
				}
				fmt.Fprintf(c.Root().Writer, "stored: %d\tduplicates: %d\tskipped: %d\n",
					result.Stored, result.Duplicates, result.Skipped)
				return nil
			}

			cat := memory.DetectCategory(text)
			if category != "" {
				if cat, err = model.ParseCategory(category); err != nil {
					return err
				}
			}

			learning, created, err := store.Add(ctx, model.LearningDraft{
				Text:     text,
				Category: cat,
				Project:  project,
				Source:   source,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to push learning")
			}

			state := "stored"
			if !created {
				state = "duplicate"
			}
			fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\n", learning.ID, learning.Category, state)
			return nil
		},
	}
}

func memoryPullCommand() *cli.Command {
	var (
		cfg      config
		project  string
		category string
		since    string
		limit    int64
		exact    bool
		asJSON   bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Project to pull learnings for (global learnings included)",
			Sources:     cli.EnvVars("RAPPORT_PROJECT"),
			Destination: &project,
		},
		&cli.StringFlag{
			Name:        "category",
			Usage:       "Only this category",
			Destination: &category,
		},
		&cli.StringFlag{
			Name:        "since",
			Usage:       "Only learnings created at or after this time (RFC 3339 or a duration such as 24h)",
			Destination: &since,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of learnings",
			Value:       memory.DefaultQueryLimit,
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "exact",
			Usage:       "Exclude global learnings when --project is set",
			Destination: &exact,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print learnings as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "pull",
		Usage: "List stored learnings, most recent first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			store, err := cfg.newStore()
			if err != nil {
				return err
			}

			filter := memory.Filter{
				Project:      project,
				ExactProject: exact,
			}
			if category != "" {
				if filter.Category, err = model.ParseCategory(category); err != nil {
					return err
				}
			}
			if since != "" {
				if filter.Since, err = parseSince(since, time.Now()); err != nil {
					return err
				}
			}

			learnings, err := store.Query(ctx, filter, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to pull learnings")
			}

			if asJSON {
				if learnings == nil {
					learnings = []*model.Learning{}
				}
				enc := json.NewEncoder(c.Root().Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(learnings)
			}

			for _, l := range learnings {
				scope := l.Project
				if scope == "" {
					scope = "(global)"
				}
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\t%s\t%s\n",
					l.CreatedAt.Format("2006-01-02 15:04:05"), l.Category, scope, l.ID, l.Text)
			}
			return nil
		},
	}
}

// parseSince accepts an RFC 3339 time or a duration counted back from now
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, goerr.Wrap(model.ErrInvalidInput, "since must be an RFC 3339 time or a positive duration",
		goerr.V("since", s))
}

func memoryStatusCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "status",
		Usage: "Show memory statistics",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			store, err := cfg.newStore()
			if err != nil {
				return err
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to read memory statistics")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "path: %s\n", store.Path())
			fmt.Fprintf(w, "total_count: %d\n", stats.TotalCount)
			if !stats.LastUpdated.IsZero() {
				fmt.Fprintf(w, "last_updated: %s\n", stats.LastUpdated.Format(time.RFC3339))
			}
			for _, cat := range model.Categories() {
				fmt.Fprintf(w, "category %s: %d\n", cat, stats.PerCategory[cat])
			}

			projects := make([]string, 0, len(stats.PerProject))
			for p := range stats.PerProject {
				projects = append(projects, p)
			}
			sort.Strings(projects)
			for _, p := range projects {
				name := p
				if name == "" {
					name = "(global)"
				}
				fmt.Fprintf(w, "project %s: %d\n", name, stats.PerProject[p])
			}

			fmt.Fprintf(w, "total_calls: %d\n", stats.TotalCalls)
			tools := make([]string, 0, len(stats.CallsByTool))
			for tool := range stats.CallsByTool {
				tools = append(tools, tool)
			}
			sort.Strings(tools)
			for _, tool := range tools {
				fmt.Fprintf(w, "calls %s: %d\n", tool, stats.CallsByTool[tool])
			}
			return nil
		},
	}
}

func memoryPromptCommand() *cli.Command {
	var (
		cfg         config
		project     string
		budget      int64
		name        string
		collaborate bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Project the task belongs to",
			Sources:     cli.EnvVars("RAPPORT_PROJECT"),
			Destination: &project,
		},
		&cli.IntFlag{
			Name:        "budget",
			Usage:       "Maximum prompt size in characters",
			Value:       prompt.DefaultBudget,
			Destination: &budget,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "Name of the agent the prompt is written for",
			Value:       prompt.DefaultName,
			Destination: &name,
		},
		&cli.BoolFlag{
			Name:        "collaborate",
			Usage:       "Include the collaboration protocol",
			Destination: &collaborate,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "prompt",
		Usage:     "Print the system prompt built for a task from stored learnings",
		ArgsUsage: "<task...>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			if c.Args().Len() == 0 {
				return goerr.Wrap(model.ErrInvalidInput, "task is required")
			}
			task := strings.Join(c.Args().Slice(), " ")

			store, err := cfg.newStore()
			if err != nil {
				return err
			}

			var opts []prompt.BuildOption
			if collaborate {
				opts = append(opts, prompt.WithCollaboration())
			}

			pc, err := prompt.New(store, prompt.WithName(name)).Build(ctx, task, project, int(budget), opts...)
			if err != nil {
				return goerr.Wrap(err, "failed to build prompt")
			}

			fmt.Fprintln(c.Root().Writer, pc.Prompt)
			fmt.Fprintf(os.Stderr, "size: %d/%d, learnings: %d\n", pc.Size, pc.Budget, len(pc.Learnings))
			return nil
		},
	}
}
