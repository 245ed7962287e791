package testutil

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/earnings/db"
	"gitlab.com/arcanecrypto/earnings/util"
)

// IntegrationEnv must be set to a truthy value for tests that need a
// running Postgres instance
const IntegrationEnv = "EARNINGS_INTEGRATION"

// migrationsPath points at db/migrations, wherever the tests run from
func migrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return "file://" + filepath.Join(filepath.Dir(file), "..", "db", "migrations")
}

// GetDatabaseConfig returns a DB config suitable for testing purposes. The
// given argument is added to the name of the database
func GetDatabaseConfig(name string) db.DatabaseConfig {
	return db.DatabaseConfig{
		User:           util.GetEnvOrElse("DATABASE_USER", "earnings_test"),
		Password:       util.GetEnvOrElse("DATABASE_PASSWORD", "password"),
		Port:           util.GetDatabasePort(),
		Host:           util.GetEnvOrElse("DATABASE_HOST", "localhost"),
		Name:           "earnings_" + name,
		MigrationsPath: migrationsPath(),
		MaxOpenConns:   20,
	}
}

// CreateIfNotExists creates a new database from the given config if it does
// not exist.
func CreateIfNotExists(conf db.DatabaseConfig) error {
	rootConfig := db.DatabaseConfig{
		User:     util.GetEnvOrElse("DATABASE_ROOT_USER", "postgres"),
		Password: util.GetEnvOrElse("DATABASE_ROOT_PASSWORD", "postgres"),
		Host:     conf.Host,
		Port:     conf.Port,
		Name:     "postgres",
	}

	database, err := db.Open(rootConfig)
	if err != nil {
		return errors.Wrapf(err, "couldn't connect to root Postgres DB")
	}
	defer database.Close()

	var exists bool
	if err := database.Get(&exists,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", conf.Name); err != nil {
		return errors.Wrap(err, "couldn't query pg_database")
	}
	if exists {
		return nil
	}

	if _, err = database.Exec(fmt.Sprintf("CREATE DATABASE %s", conf.Name)); err != nil {
		return errors.Wrap(err, "cannot create database")
	}

	_, err = database.Exec(fmt.Sprintf(
		"GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
		conf.Name,
		conf.User))
	return errors.Wrap(err, "cannot grant privileges to test user")
}

// InitDatabase initializes a DB for the given config such that tests can
// be run against it
func InitDatabase(config db.DatabaseConfig) (*db.DB, error) {
	log.Info("Opening, destroying and creating test DB")

	if err := CreateIfNotExists(config); err != nil {
		return nil, errors.Wrap(err, "could not create test DB")
	}

	testDB, err := db.Open(config)
	if err != nil {
		return nil, errors.Wrap(err, "could not open test database")
	}

	if err = testDB.MigrateOrReset(); err != nil {
		return nil, errors.Wrap(err, "could not migrate test database")
	}

	return testDB, nil
}
