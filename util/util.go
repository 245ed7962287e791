/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"os"
	"strconv"

	"gitlab.com/arcanecrypto/earnings/build"
)

var log = build.AddSubLogger("UTIL")

const defaultPostgresPort = 5432

// GetDatabasePort the `DATABASE_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	return GetEnvAsIntOrElse("DATABASE_PORT", defaultPostgresPort)
}

// GetEnvAsIntOrElse parses the given environment variable as an integer.
// If it is not set or not an integer, the default is returned.
func GetEnvAsIntOrElse(env string, defaultValue int) int {
	str := os.Getenv(env)
	if str == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(str)
	if err != nil {
		log.WithError(err).Warnf("%s (%s) is not a valid integer, using %d", env, str, defaultValue)
		return defaultValue
	}
	return parsed
}

// GetEnvAsBoolOrElse parses the given environment variable as a bool. If it
// is not set or not a bool, the default is returned.
func GetEnvAsBoolOrElse(env string, defaultValue bool) bool {
	str := os.Getenv(env)
	if str == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(str)
	if err != nil {
		log.WithError(err).Warnf("%s (%s) is not a valid bool, using %t", env, str, defaultValue)
		return defaultValue
	}
	return parsed
}

// GetEnvOrElse returns the value of the given environment
// variable, or the provided default value if the env variable
// does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	if found := os.Getenv(env); found != "" {
		return found
	}
	return defaultValue
}
