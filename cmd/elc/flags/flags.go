// Package flags provides functionality for managing flags for elc
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/earnings/api"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/db"
	"gitlab.com/arcanecrypto/earnings/payout"
)

var log = build.AddSubLogger("FLAG")

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{}, logging)

// MigrationsURL makes sure the given migrations path has a scheme, defaulting
// to file://
func MigrationsURL(migrationsPath string) (string, error) {
	parsedPath, err := url.Parse(migrationsPath)
	if err != nil {
		return "", fmt.Errorf("could not parse migrations path into URL: %w", err)
	}
	if len(parsedPath.Scheme) == 0 {
		abs, err := filepath.Abs(migrationsPath)
		if err != nil {
			return "", err
		}
		return "file://" + abs, nil
	}
	return migrationsPath, nil
}

// ReadDbConf reads the approriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) (db.DatabaseConfig, error) {
	// flags belong to the context they were declared on, so DB flags given
	// to a parent command are not visible here. recurse upwards until we
	// find the context that has them
	if c.String("db.user") == "" {
		parent := c.Parent()
		if parent == nil {
			return db.DatabaseConfig{}, fmt.Errorf("no DB user given, set --db.user or DATABASE_USER")
		}
		return ReadDbConf(parent)
	}

	migrations, err := MigrationsURL(c.String("db.migrationspath"))
	if err != nil {
		return db.DatabaseConfig{}, err
	}
	return db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: migrations,
		MaxOpenConns:   c.Int("db.maxconns"),
	}, nil
}

// ReadPayoutConf reads the flags for notifying the payout processor
func ReadPayoutConf(c *cli.Context) payout.Config {
	conf := payout.Config{
		URL:      c.String("payout.url"),
		Secret:   []byte(c.String("payout.secret")),
		Attempts: c.Int("payout.attempts"),
		Backoff:  c.Duration("payout.backoff"),
	}
	if conf.URL == "" {
		log.Warn("payout.url is not set, approved withdrawals will not be forwarded")
	}
	return conf
}

// ReadApiConf reads the flags that configure the HTTP API
func ReadApiConf(c *cli.Context) api.Config {
	var origins []string
	for _, origin := range strings.Split(c.String("api.origins"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return api.Config{
		AllowedOrigins:       origins,
		EventSecret:          []byte(c.String("events.secret")),
		WithdrawalsPerMinute: c.Float64("api.withdrawals-per-minute"),
		WithdrawalBurst:      c.Int("api.withdrawal-burst"),
	}
}

// Auth is a list of flags for verifying and signing JWTs
var Auth = []cli.Flag{
	cli.StringFlag{
		Name:      "jwt.publickey",
		EnvVar:    "EARNINGS_JWT_PUBLIC_KEY",
		Usage:     "File path to PEM encoded RSA public key JWTs are verified with",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:      "jwt.privatekey",
		EnvVar:    "EARNINGS_JWT_PRIVATE_KEY",
		Usage:     "File path to PEM encoded RSA private key. Only needed for creating tokens",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:   "jwt.privatekey-pass",
		EnvVar: "EARNINGS_JWT_PRIVATE_KEY_PASS",
		Usage:  "The password used to decrypt the RSA private key",
	},
}

// Payout is a list of flags for notifying the payout processor
var Payout = []cli.Flag{
	cli.StringFlag{
		Name:   "payout.url",
		EnvVar: "EARNINGS_PAYOUT_URL",
		Usage:  "URL approved withdrawals are POSTed to",
	},
	cli.StringFlag{
		Name:   "payout.secret",
		EnvVar: "EARNINGS_PAYOUT_SECRET",
		Usage:  "HMAC key notifications to the payout processor are signed with",
	},
	cli.IntFlag{
		Name:  "payout.attempts",
		Value: 5,
		Usage: "How many times to try notifying the payout processor",
	},
	cli.DurationFlag{
		Name:  "payout.backoff",
		Value: time.Second,
		Usage: "Initial wait between notification attempts, doubled for every attempt",
	},
}

// Api is a list of flags for the HTTP API
var Api = []cli.Flag{
	cli.IntFlag{
		Name:   "port",
		Value:  5000,
		EnvVar: "PORT",
		Usage:  "Port number to listen on",
	},
	cli.StringFlag{
		Name:   "api.origins",
		EnvVar: "EARNINGS_ALLOWED_ORIGINS",
		Usage:  "Comma separated list of origins allowed by CORS. Empty allows all",
	},
	cli.StringFlag{
		Name:     "events.secret",
		EnvVar:   "EARNINGS_EVENT_SECRET",
		Usage:    "HMAC key order and payout events are signed with",
		Required: true,
	},
	cli.Float64Flag{
		Name:  "api.withdrawals-per-minute",
		Value: 1,
		Usage: "How many withdrawal requests a creator can make per minute. 0 disables the limit",
	},
	cli.IntFlag{
		Name:  "api.withdrawal-burst",
		Value: 5,
		Usage: "How many withdrawal requests a creator can make in a burst",
	},
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:   "db.user",
		Usage:  "Database user",
		EnvVar: "DATABASE_USER",
	},
	cli.StringFlag{
		Name:   "db.password",
		Usage:  "Database password",
		EnvVar: "DATABASE_PASSWORD",
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "earnings",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:   "db.host",
		Usage:  "Database host to connect to",
		Value:  "localhost",
		EnvVar: "DATABASE_HOST",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.IntFlag{
		Name:  "db.maxconns",
		Usage: "Maximum amount of open connections. 0 means unlimited",
		Value: 20,
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Defaults to the "file" scheme if none is given`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply migrations before starting the API",
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "logs")
		}(),
		Usage: "What directory to write log files to",
	},
}
