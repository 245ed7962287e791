// Package validation provides validation functionality for struct tag
// fields such as "binding", used in Gin/Validator.
package validation

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

var log = build.AddSubLogger("VALD")

const (
	payoutmethod     = "payoutmethod"
	withdrawalstatus = "withdrawalstatus"
	notblank         = "notblank"
)

// isValidPayoutMethod checks that the field names a payout method we
// support, case insensitively
func isValidPayoutMethod(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	_, err := withdrawals.ParsePayoutMethod(field.String())
	return err == nil
}

// isValidWithdrawalStatus checks that the field names a withdrawal status,
// case insensitively
func isValidWithdrawalStatus(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	_, err := withdrawals.ParseStatus(field.String())
	return err == nil
}

// isNotBlank checks that the field has something besides whitespace
func isNotBlank(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	return strings.TrimSpace(field.String()) != ""
}

// registerValidator registers a validator in our validation engine with the
// given name.
func registerValidator(engine *validator.Validate, name string, function validator.Func) error {
	err := engine.RegisterValidation(name, function)
	if err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// RegisterAllValidators registers all known validators to the Validator engine,
// quitting if this results in an error. This function should typically be
// called at startup.
func RegisterAllValidators(engine *validator.Validate) []string {
	type Validator struct {
		Name     string
		Function validator.Func
	}
	validators := []Validator{
		{
			Name:     payoutmethod,
			Function: isValidPayoutMethod,
		},
		{
			Name:     withdrawalstatus,
			Function: isValidWithdrawalStatus,
		},
		{
			Name:     notblank,
			Function: isNotBlank,
		},
	}
	names := make([]string, len(validators))
	for i, elem := range validators {
		names[i] = elem.Name
		if err := registerValidator(engine, elem.Name, elem.Function); err != nil {
			log.Fatalf("Fatal error during validation registration: %s", err)
		}
	}
	return names
}
