// Package actions provides actions that the elc CLI can execute
package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/cmd/elc/flags"
	"gitlab.com/arcanecrypto/earnings/db"
	"gitlab.com/arcanecrypto/earnings/dummy"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/store/postgres"
)

var log = build.AddSubLogger("ACTN")

// withDb opens the configured database, hands it to fn and closes it
// afterwards
func withDb(c *cli.Context, fn func(database *db.DB) error) (err error) {
	conf, err := flags.ReadDbConf(c)
	if err != nil {
		return err
	}
	database, err := db.Open(conf)
	if err != nil {
		return err
	}
	defer func() {
		if dbErr := database.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}()
	return fn(database)
}

// withLedger is withDb, with a ledger over the database. Approvals made
// through it are not forwarded to the payout processor.
func withLedger(c *cli.Context, fn func(ctx context.Context, l *ledger.Ledger) error) error {
	return withDb(c, func(database *db.DB) error {
		l := ledger.New(postgres.New(database), ledger.Config{})
		return fn(context.Background(), l)
	})
}

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "migrates the database up",
				Action: func(c *cli.Context) error {
					return withDb(c, func(database *db.DB) error {
						return database.MigrateUp()
					})
				},
			},
			{
				Name:      "down",
				Aliases:   []string{"md"},
				Usage:     "migrates the database down the given number of steps",
				ArgsUsage: "STEPS",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down",
							22,
						)
					}
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return err
					}
					return withDb(c, func(database *db.DB) error {
						return database.MigrateDown(steps)
					})
				},
			},
			{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "check migrations status and version number",
				Action: func(c *cli.Context) error {
					return withDb(c, func(database *db.DB) error {
						status, err := database.MigrationStatus()
						if err != nil {
							return err
						}
						fmt.Printf("migration version: %d dirty: %t\n", status.Version, status.Dirty)
						return nil
					})
				},
			},
			{
				Name:      "newmigration",
				Aliases:   []string{"nm"},
				Usage:     "creates new up and down migration files",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					description := c.Args().First()
					if description == "" {
						return errors.New("you must provide a name for the migration")
					}
					return withDb(c, func(database *db.DB) error {
						return database.CreateMigration(description)
					})
				},
			},
			{
				Name:    "drop",
				Aliases: []string{"dr"},
				Usage:   "drops the entire database",
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "force",
						Usage: "Don't ask for confirmation before dropping the DB",
					},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("force") {
						fmt.Println("Are you sure you want to drop the entire database? y/n")
						if !askForConfirmation() {
							log.Debug("Not dropping DB")
							return nil
						}
					}
					return withDb(c, func(database *db.DB) error {
						if err := database.Drop(); err != nil {
							log.WithError(err).Error("Could not drop DB")
							return err
						}
						log.Info("Dropped DB")
						return nil
					})
				},
			},
			{
				Name:      "dump",
				Usage:     "prints the rows of a table",
				ArgsUsage: "TABLE",
				Flags: []cli.Flag{
					cli.IntFlag{
						Name:  "limit",
						Value: 100,
						Usage: "Maximum amount of rows to print",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError(
							fmt.Sprintf("You need to specify a table, one of %s", strings.Join(db.Tables, ", ")),
							22,
						)
					}
					return withDb(c, func(database *db.DB) error {
						columns, rows, err := database.DumpTable(context.Background(), c.Args().First(), c.Int("limit"))
						if err != nil {
							return err
						}
						w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
						fmt.Fprintln(w, strings.Join(columns, "\t"))
						for _, row := range rows {
							fmt.Fprintln(w, strings.Join(row, "\t"))
						}
						return w.Flush()
					})
				},
			},
			{
				Name:  "seed",
				Usage: "fills the database with creators, sales and withdrawals",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:      "fixture",
						Usage:     "YAML file to seed from. If not given, data is generated",
						TakesFile: true,
					},
					cli.IntFlag{
						Name:  "creators",
						Value: 20,
						Usage: "How many creators to generate when no fixture is given",
					},
				},
				Action: func(c *cli.Context) error {
					fixture := dummy.Generate(c.Int("creators"))
					if path := c.String("fixture"); path != "" {
						var err error
						if fixture, err = dummy.LoadFixture(path); err != nil {
							return err
						}
					}
					return withLedger(c, func(ctx context.Context, l *ledger.Ledger) error {
						result, err := dummy.Seed(ctx, l, fixture)
						if err != nil {
							return err
						}
						fmt.Printf("seeded %d creators, %d entries and %d withdrawals\n",
							result.Creators, result.Entries, result.Withdrawals)
						return nil
					})
				},
			},
		}}
}

func askForConfirmation() bool {
	var response string
	_, err := fmt.Scan(&response)
	if err != nil {
		log.Fatal(err)
	}
	switch response {
	case "y", "Y", "yes", "Yes", "YES":
		return true
	case "n", "N", "no", "No", "NO":
		return false
	default:
		fmt.Println("Please type yes or no and then press enter:")
		return askForConfirmation()
	}
}
