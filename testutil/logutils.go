package testutil

// Helpers for failing and logging tests with colored output

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	///////////////////////////
	// ASCII control characters
	green = "\u001b[32m"
	red   = "\u001b[31m"
	reset = "\u001b[0m"
	// resets coloring
	///////////////////////////

	checkmark = "✔️"
	cross     = "❌"
)

var log = logrus.New()

// T is the part of *testing.T our helpers use
type T interface {
	Helper()
	Fatalf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Logf(format string, args ...interface{})
}

// FatalMsg fails the test immediately, printing a red
// error message containing the given test message
func FatalMsg(t T, message interface{}) {
	t.Helper()
	var msg string

	switch message := message.(type) {
	case error:
		msg = message.Error()
	case fmt.Stringer:
		msg = message.String()
	case string:
		msg = message
	default:
		msg = fmt.Sprintf("%+v", message)
	}

	FatalMsgf(t, "%s", msg)
}

// FatalMsgf fails the test immediately, printing a red error message containing
// the given format string interpolated with the given args
func FatalMsgf(t T, format string, args ...interface{}) {
	t.Helper()
	message := fmt.Sprintf(format, args...)
	t.Fatalf("\t%s%s\t error: %s%s", red, cross, message, reset)
}

// FailMsgf marks the test as failed, but lets it keep running
func FailMsgf(t T, format string, args ...interface{}) {
	t.Helper()
	message := fmt.Sprintf(format, args...)
	t.Errorf("\t%s%s\t error: %s%s", red, cross, message, reset)
}

// Succeedf logs the given format message and arguments with a green checkmark
func Succeedf(t T, format string, args ...interface{}) {
	t.Helper()
	message := fmt.Sprintf(format, args...)
	t.Logf("\t%s%s\t%s%s", green, checkmark, message, reset)
}
