// Package async provides functionality for retrying and awaiting operations
package async

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Retry retries the given function until it doesn't fail. It doubles the
// period between attempts each time.
// Cribbed from https://upgear.io/blog/simple-golang-retry-function/
func Retry(attempts int, sleep time.Duration, fn func() error) error {
	return RetryIf(attempts, sleep, func(error) bool { return true }, fn)
}

// RetryIf is like Retry, but gives up as soon as fn fails with an error
// shouldRetry does not accept. That error is returned unwrapped.
func RetryIf(attempts int, sleep time.Duration, shouldRetry func(error) bool, fn func() error) error {
	start := time.Now()
	tried, err := innerRetry(attempts, sleep, 2, shouldRetry, fn)
	if err == nil {
		return nil
	}
	if !shouldRetry(err) {
		return err
	}
	return pkgerrors.Wrapf(err,
		"failed after %d attempts and %s total duration",
		tried, time.Since(start))
}

// RetryNoBackoff retries the given function until it doesn't fail. It keeps
// the amount of time between attempts constant.
func RetryNoBackoff(attempts int, sleep time.Duration, fn func() error) error {
	start := time.Now()
	always := func(error) bool { return true }
	tried, err := innerRetry(attempts, sleep, 1, always, fn)
	if err != nil {
		return pkgerrors.Wrapf(err,
			"failed after %d attempts and %s total duration",
			tried, time.Since(start))
	}
	return nil
}

func innerRetry(attempts int, sleep time.Duration, factor time.Duration,
	shouldRetry func(error) bool, fn func() error) (int, error) {
	var err error
	for tried := 1; ; tried++ {
		if err = fn(); err == nil {
			return tried, nil
		}
		if tried >= attempts || !shouldRetry(err) {
			return tried, err
		}
		time.Sleep(sleep)
		sleep *= factor
	}
}

// Await attempts the given condition the specified amount of times, doubling
// the amount of time between each attempt. If the condition doesn't succeed,
// it returns an error saying how many times we tried and how much time it
// took altogether.
func Await(attempts int, sleep time.Duration, fn func() bool, msgs ...string) error {
	start := time.Now()
	if !innerAwait(attempts, sleep, fn) {
		msg := fmt.Sprintf("Condition was not true after %d attempts and %s total waiting time",
			attempts, time.Since(start))
		if len(msgs) != 0 {
			msg += ": "
			for _, m := range msgs {
				msg += m + " "
			}
		}
		return errors.New(msg)
	}
	return nil
}

func innerAwait(attempts int, sleep time.Duration, fn func() bool) bool {
	for i := 0; i < attempts; i++ {
		if fn() {
			return true
		}
		if i < attempts-1 {
			time.Sleep(sleep)
			sleep *= 2
		}
	}
	return false
}
