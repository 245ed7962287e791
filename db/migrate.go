package db

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	// Necessary for reading migrations from disk
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
)

// MigrationStatus is the version and dirtyness of the DB schema
type MigrationStatus struct {
	Dirty   bool
	Version uint
}

// MigrationStatus returns the migrations version number and dirtyness
func (d *DB) MigrationStatus() (MigrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp Migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		log.WithError(err).Error("Could not get migrator")
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		log.WithError(err).Error("Could not migrate up")
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Succesfully migrated up")
	return nil
}

// MigrateDown migrates down the given amount of steps
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	return m.Steps(-steps)
}

func newMigrationFile(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "Could not create new file")
	}
	return f.Close()
}

// MigrationFileNames returns the up and down file names of a new migration
// with the given description, created at the given time
func MigrationFileNames(description string, at time.Time) (up, down string) {
	prefix := at.UTC().Format("20060102150405") + "_" + strcase.ToSnake(description)
	return prefix + ".up.pgsql", prefix + ".down.pgsql"
}

// CreateMigration creates a new empty migration file with correct name
func (d *DB) CreateMigration(description string) error {
	parts := strings.SplitN(d.MigrationsPath, "://", 2)
	if len(parts) != 2 {
		return fmt.Errorf("couldn't extract directory from migrations path: %s", d.MigrationsPath)
	}
	migrationsDir := parts[1]

	up, down := MigrationFileNames(description, time.Now())
	if err := newMigrationFile(path.Join(migrationsDir, up)); err != nil {
		return err
	}
	if err := newMigrationFile(path.Join(migrationsDir, down)); err != nil {
		return err
	}
	log.WithField("files", []string{up, down}).Info("Created migration")
	return nil
}
