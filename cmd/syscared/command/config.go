// Package command implements syscared's CLI subcommands. Grounded on
// the teacher's cmd/containerd/command/config.go (config default/dump
// subcommand pair) and cmd/ctr/app's urfave/cli bootstrap shape.
package command

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/syscare/syscared/internal/config"
)

var ConfigCommand = &cli.Command{
	Name:  "config",
	Usage: "Information on the syscared config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "See the output of the default config",
			Action: func(cliContext *cli.Context) error {
				return outputConfig(config.Default())
			},
		},
		{
			Name:  "dump",
			Usage: "See the output of the final config with the config file merged in",
			Action: func(cliContext *cli.Context) error {
				cfg := config.Default()
				if err := config.Load(cliContext.String("config"), cfg); err != nil {
					return err
				}
				return outputConfig(cfg)
			},
		},
	},
}

func outputConfig(cfg *config.Config) error {
	raw, err := config.Dump(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = os.Stdout.Write(raw)
	return err
}
