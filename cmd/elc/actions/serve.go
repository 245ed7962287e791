package actions

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/earnings/api"
	"gitlab.com/arcanecrypto/earnings/cmd/elc/flags"
	"gitlab.com/arcanecrypto/earnings/db"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/metrics"
	"gitlab.com/arcanecrypto/earnings/payout"
	"gitlab.com/arcanecrypto/earnings/store/postgres"
)

const shutdownTimeout = 10 * time.Second

// Serve returns the command starting the HTTP API
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the earnings ledger API",
		Action: func(c *cli.Context) error {
			if err := readJwtKeys(c); err != nil {
				return err
			}
			return withDb(c, func(database *db.DB) error {
				// check that we can reach the DB now, otherwise errors
				// won't get picked up until the first request
				if err := database.Ping(context.Background()); err != nil {
					return fmt.Errorf("could not reach DB: %w", err)
				}
				if c.Bool("db.migrateup") {
					if err := database.MigrateUp(); err != nil {
						return err
					}
				}
				status, err := database.MigrationStatus()
				if err != nil {
					return fmt.Errorf("could not query DB migration status: %w", err)
				}
				if status.Dirty {
					return fmt.Errorf("DB is dirty at migration version %d, fix it before serving", status.Version)
				}

				m := metrics.New()
				l := ledger.New(postgres.New(database), ledger.Config{
					Notifier: payout.NewNotifier(flags.ReadPayoutConf(c), nil),
					Observer: m,
				})

				app, err := api.NewApp(l, m, database, flags.ReadApiConf(c))
				if err != nil {
					return err
				}
				return run(app, c.Int("port"), c.String("tls-cert-file"), c.String("tls-key-file"))
			})
		},
	}

	serve.Flags = flags.Concat([]cli.Flag{
		cli.StringFlag{
			Name:      "tls-cert-file",
			EnvVar:    "EARNINGS_TLS_CERT_FILE",
			Usage:     "Path to TLS cert file",
			TakesFile: true,
			Required:  os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
		cli.StringFlag{
			Name:      "tls-key-file",
			EnvVar:    "EARNINGS_TLS_KEY_FILE",
			Usage:     "Path to TLS key file",
			TakesFile: true,
			Required:  os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
	}, flags.Api, flags.Auth, flags.Payout, flags.Db)
	return serve
}

// run serves the app until we get SIGINT or SIGTERM. Requests in flight
// get some time to finish.
func run(app api.RestServer, port int, certFile, keyFile string) error {
	stop := make(chan struct{})
	defer close(stop)
	app.StartBackgroundJobs(stop)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"address": server.Addr,
			"tls":     certFile != "",
		}).Info("Serving API")
		if certFile != "" {
			errs <- server.ListenAndServeTLS(certFile, keyFile)
		} else {
			errs <- server.ListenAndServe()
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-errs:
		return err
	case sig := <-signals:
		log.WithField("signal", sig).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}
