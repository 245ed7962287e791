package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	// registers the postgres driver with database/sql
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/earnings/async"
)

// DatabaseConfig has all the values we need to connect to a DB
type DatabaseConfig struct {
	// The user to use when connecting
	User     string
	Password string
	Host     string
	Port     int
	// The name of the DB to connect to
	Name string

	// MigrationsPath is where our migrations are located, in the format
	// golang-migrate expects (file:///path/to/migrations)
	MigrationsPath string

	// MaxOpenConns limits the amount of open connections. 0 means unlimited
	MaxOpenConns int
}

// DB is our local DB struct
type DB struct {
	*sqlx.DB
	MigrationsPath string
}

// URL returns the connection URL for the given config
func (conf DatabaseConfig) URL() string {
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	databaseURL := url.URL{
		Scheme: "postgres",
		User: url.UserPassword(
			conf.User,
			conf.Password,
		),
		Host:     conf.Host + ":" + strconv.Itoa(conf.Port),
		Path:     conf.Name,
		RawQuery: q.Encode(),
	}
	return databaseURL.String()
}

// Open opens a connection pool to the configured database. It does not
// check that the database is reachable, see Ping for that
func Open(conf DatabaseConfig) (*DB, error) {
	hostWithPort := conf.Host + ":" + strconv.Itoa(conf.Port)
	d, err := sqlx.Open("postgres", conf.URL())
	if err != nil {
		return nil, errors.Wrapf(err,
			"Cannot connect to database %s with user %s at %s",
			conf.Name,
			conf.User,
			hostWithPort,
		)
	}
	if conf.MaxOpenConns > 0 {
		d.SetMaxOpenConns(conf.MaxOpenConns)
	}

	log.WithFields(logrus.Fields{
		"host":     hostWithPort,
		"user":     conf.User,
		"database": conf.Name,
	}).Info("Opened connection to DB")

	return &DB{
		DB:             d,
		MigrationsPath: conf.MigrationsPath,
	}, nil
}

// Ping checks that the database is reachable, retrying a couple of times
// with a backoff. Useful when the service starts up together with the DB.
func (d *DB) Ping(ctx context.Context) error {
	return async.Retry(5, 200*time.Millisecond, func() error {
		return d.PingContext(ctx)
	})
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "could not get postgres instance")
	}

	m, err := migrate.NewWithDatabaseInstance(
		d.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not get migration instance")
	}
	return m, nil
}

// MigrateOrReset applies migrations to the DB. If already applied, drops
// the db first, then applies migrations
func (d *DB) MigrateOrReset() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	err = m.Up()
	switch {
	case err == nil:
		return nil
	case err == migrate.ErrNoChange:
		log.Info("Migrations already applied, resetting")
		return d.Reset()
	default:
		log.WithError(err).Error("Error when migrating or resetting")
		return errors.Wrapf(err, "cannot migrate database")
	}
}

// Teardown drops the database, removing all data and schemas
func (d *DB) Teardown() error {
	if err := d.Drop(); err != nil {
		return fmt.Errorf("cannot teardown DB: %w", err)
	}
	return nil
}

// Reset first drops the DB, then applies migrations
func (d *DB) Reset() error {
	if err := d.Teardown(); err != nil {
		return err
	}
	return d.MigrateUp()
}

// Drop drops the existing database
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		log.WithError(err).Error("Could not get migrator")
		return err
	}

	return m.Drop()
}

// Getter can get from a db
type Getter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Selecter can select multiple rows from a db
type Selecter interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Execer can execute statements against a db
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Queryer is everything we need to read from and write to a DB. Both
// *sqlx.DB and *sqlx.Tx satisfy it.
type Queryer interface {
	Getter
	Selecter
	Execer
}

var _ Queryer = &sqlx.Tx{}
var _ Queryer = &sqlx.DB{}
