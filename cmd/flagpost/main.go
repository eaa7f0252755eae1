package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/unix"

	"github.com/fieldwork/flagpost/internal/app"
	"github.com/fieldwork/flagpost/internal/config"
	"github.com/fieldwork/flagpost/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "flagpost",
		Usage:   "Supervised coordination worker with a shared flag table",
		Version: version.Version(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a config file (.yaml or .env)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the worker",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := parseConfig(c)
					if err != nil {
						return err
					}
					return app.New(cfg, flagsFrom(c)).Run(ctx)
				},
			},
			{
				Name:  "wake",
				Usage: "Wake the running worker out of its wait",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withShared(c, func(shared *app.Shared) error {
						return shared.Registry.Wake()
					})
				},
			},
			{
				Name:  "reload",
				Usage: "Ask the running worker to re-read its configuration",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withShared(c, func(shared *app.Shared) error {
						return shared.Registry.Signal(unix.SIGHUP)
					})
				},
			},
			{
				Name:  "stop",
				Usage: "Ask the running worker to shut down cleanly",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withShared(c, func(shared *app.Shared) error {
						return shared.Registry.Signal(unix.SIGTERM)
					})
				},
			},
			{
				Name:  "status",
				Usage: "Show the published worker identity",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withShared(c, func(shared *app.Shared) error {
						pid := shared.Registry.Pid()
						if pid == 0 {
							fmt.Println("no worker published")
							return nil
						}
						fmt.Printf("pid=%d instance=%s\n", pid, shared.Registry.InstanceID())
						return nil
					})
				},
			},
			{
				Name:  "flag",
				Usage: "Inspect or update shared flag cells",
				Commands: []*cli.Command{
					{
						Name:      "get",
						Usage:     "Read a flag cell",
						ArgsUsage: "<id>",
						Action: func(ctx context.Context, c *cli.Command) error {
							id, err := flagID(c)
							if err != nil {
								return err
							}
							return withShared(c, func(shared *app.Shared) error {
								if id >= shared.Flags.Len() {
									return fmt.Errorf("flag id %d out of range [0, %d)", id, shared.Flags.Len())
								}
								fmt.Println(shared.Flags.Get(id))
								return nil
							})
						},
					},
					{
						Name:      "set",
						Usage:     "Replace a flag cell's value",
						ArgsUsage: "<id> <value>",
						Action: func(ctx context.Context, c *cli.Command) error {
							id, err := flagID(c)
							if err != nil {
								return err
							}
							if c.NArg() < 2 {
								return fmt.Errorf("missing value argument")
							}
							value, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
							if err != nil {
								return fmt.Errorf("invalid value: %w", err)
							}
							return withShared(c, func(shared *app.Shared) error {
								if id >= shared.Flags.Len() {
									return fmt.Errorf("flag id %d out of range [0, %d)", id, shared.Flags.Len())
								}
								shared.Flags.Set(id, value)
								return nil
							})
						},
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func flagsFrom(c *cli.Command) config.Flags {
	return config.Flags{Config: c.String("config")}
}

func parseConfig(c *cli.Command) (*config.Config, error) {
	return config.Parse(flagsFrom(c))
}

func flagID(c *cli.Command) (int, error) {
	if c.NArg() < 1 {
		return 0, fmt.Errorf("missing flag id argument")
	}
	id, err := strconv.Atoi(c.Args().Get(0))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid flag id %q", c.Args().Get(0))
	}
	return id, nil
}

// withShared attaches the shared segment with the effective configuration
// and hands the handles to fn, closing the segment afterward.
func withShared(c *cli.Command, fn func(*app.Shared) error) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}
	shared, err := app.AttachShared(cfg.SegmentPath, cfg.NumFlags)
	if err != nil {
		return err
	}
	defer shared.Segment.Close()
	return fn(shared)
}
