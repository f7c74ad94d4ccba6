package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/adapter"
	"github.com/m-mizutani/rapport/pkg/service/mcp"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg    config
		addr   string
		source string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Serve streamable HTTP on this address instead of stdio",
			Sources:     cli.EnvVars("RAPPORT_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Source recorded for learnings pushed without one",
			Value:       "claude",
			Sources:     cli.EnvVars("RAPPORT_SOURCE"),
			Destination: &source,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, collabFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the MCP server (stdio by default)",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			store, err := cfg.newStore()
			if err != nil {
				return err
			}

			// Memory tools stay usable without counterpart credentials
			var converser adapter.Converser
			if conv, err := cfg.newConverser(ctx); err != nil {
				logging.From(ctx).Warn("counterpart unavailable, collaboration steps will fail",
					"counterpart", cfg.counterpart,
					logging.ErrAttr(err))
			} else {
				converser = conv
			}

			manager, closer, err := cfg.newManager(ctx, store, converser)
			if err != nil {
				return err
			}
			defer closer()

			server := mcp.New(store, manager, mcp.WithDefaultSource(source))

			logging.From(ctx).Info("starting MCP server",
				"data", store.Path(),
				"counterpart", cfg.counterpart,
				"addr", addr)

			if addr != "" {
				if err := server.ServeHTTP(ctx, addr); err != nil {
					return goerr.Wrap(err, "MCP HTTP server failed")
				}
				return nil
			}

			if err := server.RunStdio(ctx); err != nil {
				return goerr.Wrap(err, "MCP stdio server failed")
			}
			return nil
		},
	}
}
