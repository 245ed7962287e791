package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/cmd/elc/actions"
	"gitlab.com/arcanecrypto/earnings/cmd/elc/flags"
)

var log = build.AddSubLogger("MAIN")

func main() {
	app := cli.NewApp()
	app.Name = "elc"
	app.Usage = "Creator earnings and withdrawal ledger"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		if log.Level != level {
			build.SetLogLevels(level)
		}

		return build.SetLogDir(c.GlobalString("logging.directory"))
	}

	app.Flags = flags.CommonFlags
	app.Commands = []cli.Command{
		actions.Serve(),
		actions.Db(),
		actions.Creators(),
		actions.Balance(),
		actions.Token(),
		{
			Name:  "fish-completion",
			Usage: "Generate fish shell completion",
			Action: func(c *cli.Context) error {
				// to make this pipeable to `source`, we don't want any other
				// output
				build.SetLogLevels(logrus.FatalLevel)

				completion, err := app.ToFishCompletion()
				if err != nil {
					return err
				}

				// prevent auto complete from suggesting files
				completion = fmt.Sprintf("complete -c %q -f \n", c.App.Name) + completion
				fmt.Println(completion)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		// help is printed anyways when no arguments are given
		if len(os.Args) > 1 {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
