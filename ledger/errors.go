package ledger

import (
	"errors"
	"fmt"

	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

var (
	// ErrInvalidEntry means an event or entry was malformed, or was already
	// recorded
	ErrInvalidEntry = entries.ErrInvalidEntry
	// ErrDuplicateEvent means the event was already recorded. It is an
	// ErrInvalidEntry, so emitters can tell it apart and stop retrying.
	ErrDuplicateEvent = fmt.Errorf("%w: event already recorded", ErrInvalidEntry)
	// ErrCreatorNotFound means the creator is not known to the ledger
	ErrCreatorNotFound = errors.New("creator not found")
	// ErrInsufficientBalance means a withdrawal asked for more than is
	// available
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrRequestAlreadyPending means the creator already has an open
	// withdrawal. The error is always a *PendingRequestError.
	ErrRequestAlreadyPending = errors.New("withdrawal request already pending")
	// ErrInvalidTransition means the withdrawal cannot move to the requested
	// status. The error is always a *TransitionError.
	ErrInvalidTransition = errors.New("invalid withdrawal status transition")
	// ErrWithdrawalNotFound means no withdrawal has the given ID
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	// ErrInvalidRequest means the input of an operation was malformed
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPersistenceFailure means the store failed. Writes that fail with
	// it were rolled back.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// PendingRequestError is returned when a creator asks for a withdrawal
// while another one is open
type PendingRequestError struct {
	WithdrawalID string
}

func (e *PendingRequestError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRequestAlreadyPending, e.WithdrawalID)
}

// Is makes errors.Is(err, ErrRequestAlreadyPending) work
func (e *PendingRequestError) Is(target error) bool {
	return target == ErrRequestAlreadyPending
}

// InsufficientBalanceError is returned when a withdrawal asks for more than
// the available balance
type InsufficientBalanceError struct {
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: requested %d, available %d",
		ErrInsufficientBalance, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// TransitionError is returned when a withdrawal cannot move to a status
// from the status it currently is in
type TransitionError struct {
	WithdrawalID string
	Current      withdrawals.Status
	Requested    withdrawals.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: withdrawal %s cannot go from %s to %s",
		ErrInvalidTransition, e.WithdrawalID, e.Current, e.Requested)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func wrapf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

func invalidRequest(format string, args ...interface{}) error {
	return wrapf(ErrInvalidRequest, format, args...)
}

var domainErrors = []error{
	ErrInvalidEntry,
	ErrCreatorNotFound,
	ErrInsufficientBalance,
	ErrRequestAlreadyPending,
	ErrInvalidTransition,
	ErrWithdrawalNotFound,
	ErrInvalidRequest,
	ErrPersistenceFailure,
}

// classify makes sure every error leaving the ledger is part of the
// taxonomy above. Anything unknown comes from the store or the driver.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
}

// IsPersistenceFailure is true for errors caused by the store. Only reads
// failing with such errors are retried.
func IsPersistenceFailure(err error) bool {
	return errors.Is(err, ErrPersistenceFailure)
}
