package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/earnings/cmd/elc/flags"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/models/creators"
)

func printJson(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// creatorArg reads the creator ID given as the first argument
func creatorArg(c *cli.Context) (int, error) {
	if c.NArg() != 1 {
		return 0, cli.NewExitError("You need to specify a creator ID", 22)
	}
	id, err := strconv.Atoi(c.Args().First())
	if err != nil || id <= 0 {
		return 0, cli.NewExitError(fmt.Sprintf("%q is not a creator ID", c.Args().First()), 22)
	}
	return id, nil
}

// Creators returns commands for managing the creators the ledger knows about
func Creators() cli.Command {
	return cli.Command{
		Name:  "creators",
		Usage: "Creator related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:  "add",
				Usage: "registers a creator with the ledger",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:     "email",
						Required: true,
					},
					cli.StringFlag{
						Name: "name",
					},
					cli.IntFlag{
						Name:  "id",
						Usage: "ID the identity service knows the creator by. Assigned if not given",
					},
				},
				Action: func(c *cli.Context) error {
					return withLedger(c, func(ctx context.Context, l *ledger.Ledger) error {
						registered, err := l.RegisterCreator(ctx, creators.Creator{
							ID:          c.Int("id"),
							Email:       c.String("email"),
							DisplayName: c.String("name"),
						})
						if err != nil {
							return err
						}
						return printJson(registered)
					})
				},
			},
			{
				Name:      "get",
				Usage:     "shows a creator",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					id, err := creatorArg(c)
					if err != nil {
						return err
					}
					return withLedger(c, func(ctx context.Context, l *ledger.Ledger) error {
						creator, err := l.GetCreator(ctx, id)
						if err != nil {
							return err
						}
						return printJson(creator)
					})
				},
			},
		},
	}
}

// Balance returns a command printing the balance of a creator
func Balance() cli.Command {
	return cli.Command{
		Name:      "balance",
		Usage:     "Prints the balance of a creator",
		ArgsUsage: "CREATOR_ID",
		Flags: flags.Concat(flags.Db, []cli.Flag{
			cli.BoolFlag{
				Name:  "history",
				Usage: "Print the first ledger entries of the creator as well",
			},
		}),
		Action: func(c *cli.Context) error {
			id, err := creatorArg(c)
			if err != nil {
				return err
			}
			return withLedger(c, func(ctx context.Context, l *ledger.Ledger) error {
				balance, err := l.GetBalance(ctx, id)
				if err != nil {
					return err
				}
				if !c.Bool("history") {
					return printJson(balance)
				}

				history, err := l.History(ctx, id, 0, 0)
				if err != nil {
					return err
				}
				return printJson(map[string]interface{}{
					"balance": balance,
					"entries": history,
				})
			})
		},
	}
}
