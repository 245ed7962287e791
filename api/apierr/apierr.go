// Package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that ensure a smooth user experience.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/earnings/api/httptypes"
	"gitlab.com/arcanecrypto/earnings/ledger"
)

// apiError is a type we can pass in to the Public method of this package.
// It ensure we're both giving a unique error code and a meaningful error
// message.
type apiError struct {
	err     error
	code    string
	details map[string]interface{}
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if stdErr, ok := err.(httptypes.StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == a.code
	}
	if aErr, ok := err.(apiError); ok {
		return a.code == aErr.code
	}
	return a.err.Error() == err.Error()
}

// Code is the machine readable code of the error
func (a apiError) Code() string {
	return a.code
}

// WithDetails returns a copy of the error that carries the given details
func (a apiError) WithDetails(details map[string]interface{}) apiError {
	a.details = details
	return a
}

var (
	// ErrInvalidEntry means an event was malformed, or referred to an order
	// that cannot be refunded
	ErrInvalidEntry = apiError{
		err:  errors.New("invalid ledger entry"),
		code: "ERR_INVALID_ENTRY",
	}

	// ErrDuplicateEvent means the event was already recorded. Emitters
	// should treat it as delivered.
	ErrDuplicateEvent = apiError{
		err:  errors.New("event already recorded"),
		code: "ERR_DUPLICATE_EVENT",
	}

	// ErrCreatorNotFound means the creator is not known to the ledger
	ErrCreatorNotFound = apiError{
		err:  errors.New("creator not found"),
		code: "ERR_CREATOR_NOT_FOUND",
	}

	// ErrInsufficientBalance means the creator tried to withdraw more money
	// than they had available
	ErrInsufficientBalance = apiError{
		err:  ledger.ErrInsufficientBalance,
		code: "ERR_INSUFFICIENT_BALANCE",
	}

	// ErrRequestAlreadyPending means the creator already has an open
	// withdrawal. The details carry its ID as "withdrawalId".
	ErrRequestAlreadyPending = apiError{
		err:  ledger.ErrRequestAlreadyPending,
		code: "ERR_REQUEST_ALREADY_PENDING",
	}

	// ErrInvalidTransition means the withdrawal cannot move to the requested
	// status. The details carry its status as "currentStatus".
	ErrInvalidTransition = apiError{
		err:  ledger.ErrInvalidTransition,
		code: "ERR_INVALID_TRANSITION",
	}

	// ErrWithdrawalNotFound means the requested withdrawal was not found
	ErrWithdrawalNotFound = apiError{
		err:  errors.New("withdrawal not found"),
		code: "ERR_WITHDRAWAL_NOT_FOUND",
	}

	// ErrInvalidSignature means a collaborator event was not signed with
	// the shared secret
	ErrInvalidSignature = apiError{
		err:  errors.New("invalid request signature"),
		code: "ERR_INVALID_SIGNATURE",
	}

	// ErrRateLimited means the client sent too many requests
	ErrRateLimited = apiError{
		err:  errors.New("too many requests"),
		code: "ERR_RATE_LIMITED",
	}

	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}

	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}

	// ErrMissingAuthHeader means the HTTP request had an empty auth header
	ErrMissingAuthHeader = apiError{
		err:  errors.New("missing authentication header"),
		code: "ERR_MISSING_AUTH_HEADER",
	}

	// ErrForbidden means the authenticated user does not have the role the
	// route requires
	ErrForbidden = apiError{
		err:  errors.New("not allowed to access this resource"),
		code: "ERR_FORBIDDEN",
	}

	//ErrBadRequest means we got a malformed request
	ErrBadRequest = apiError{
		err:  errors.New("bad request"),
		code: "ERR_BAD_REQUEST",
	}
	//ErrMalformedJwt means the given JWT was malformed
	ErrMalformedJwt = apiError{
		err:  errors.New("malformed JWT"),
		code: "ERR_MALFORMED_JWT",
	}
	//ErrInvalidJwtSignature means the JWT signature was invalid
	ErrInvalidJwtSignature = apiError{
		err:  errors.New("invalid JWT signature"),
		code: "ERR_INVALID_JWT_SIGNATURE",
	}
	//ErrExpiredJwt means we were given an expired JWT
	ErrExpiredJwt = apiError{
		err:  errors.New("expired JWT"),
		code: "ERR_EXPIRED_JWT",
	}
	//ErrJwtNotValidYet means the given JWT has a start time set in the future
	ErrJwtNotValidYet = apiError{
		err:  errors.New("JWT is not valid yet"),
		code: "ERR_JWT_NOT_VALID_YET",
	}

	// ErrRequestValidationFailed means the user gave us an invalid request, either
	// in JSON, URL or query format
	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}
)

// Ledger fails the request with the public error matching the given ledger
// error. Errors the ledger does not classify end up as 500s.
func Ledger(c *gin.Context, err error) {
	var pending *ledger.PendingRequestError
	var transition *ledger.TransitionError
	switch {
	case errors.As(err, &pending):
		Public(c, http.StatusConflict, ErrRequestAlreadyPending.WithDetails(map[string]interface{}{
			"withdrawalId": pending.WithdrawalID,
		}))
	case errors.As(err, &transition):
		Public(c, http.StatusConflict, ErrInvalidTransition.WithDetails(map[string]interface{}{
			"withdrawalId":    transition.WithdrawalID,
			"currentStatus":   transition.Current,
			"requestedStatus": transition.Requested,
		}))
	case errors.Is(err, ledger.ErrDuplicateEvent):
		Public(c, http.StatusConflict, ErrDuplicateEvent)
	case errors.Is(err, ledger.ErrInvalidEntry):
		Public(c, http.StatusBadRequest, apiError{err: err, code: ErrInvalidEntry.code})
	case errors.Is(err, ledger.ErrInvalidRequest):
		Public(c, http.StatusBadRequest, apiError{err: err, code: ErrBadRequest.code})
	case errors.Is(err, ledger.ErrCreatorNotFound):
		Public(c, http.StatusNotFound, ErrCreatorNotFound)
	case errors.Is(err, ledger.ErrWithdrawalNotFound):
		Public(c, http.StatusNotFound, ErrWithdrawalNotFound)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		Public(c, http.StatusBadRequest, apiError{err: err, code: ErrInsufficientBalance.code})
	default:
		_ = c.AbortWithError(http.StatusInternalServerError, err)
	}
}

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	var decapitalized string
	for index, c := range str {
		if index == 0 {
			decapitalized = string(unicode.ToLower(c))
			continue
		}
		decapitalized = decapitalized + string(c)
	}
	return decapitalized
}

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return ""
	}
	var capitalized string
	for index, c := range str {
		if index == 0 {
			capitalized = string(unicode.ToUpper(c))
			continue
		}
		capitalized = capitalized + string(c)
	}
	return capitalized
}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		fieldErrors := handleValidationErrors(c, log)
		response := &httptypes.StandardErrorResponse{
			ErrorField: httptypes.StandardError{
				Fields: fieldErrors,
			},
		}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				response.ErrorField.Code = errBodyRequired.code
				response.ErrorField.Message = errBodyRequired.err.Error()
				c.JSON(http.StatusBadRequest, response)
				return
			} else if errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = errInvalidJson.code
				response.ErrorField.Message = errInvalidJson.err.Error()
				c.JSON(http.StatusBadRequest, response)
				return
			}
		}

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// we only take the last one because our error format only has space for one error.
			// as of writing, we immediately return from all places where we send a public error,
			// so this shouldn't really matter
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
				response.ErrorField.Details = apiErr.details
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		// ensure all responses have a code
		if response.ErrorField.Code == "" {
			if len(fieldErrors) > 0 {
				// if we have any field errors, request validation failed
				response.ErrorField.Code = ErrRequestValidationFailed.code
				response.ErrorField.Message = ErrRequestValidationFailed.err.Error()
			} else {
				// this is bad, but should be picked up by tests
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		response.ErrorField.Message = capitalize(response.ErrorField.Message)
		c.JSON(httpCode, response)
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the end user with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// UnknownValidationTag is the tag we apply when encountering a validation tag
// we don't know how to handle
const UnknownValidationTag = "unknown"

func handleValidationErrors(c *gin.Context, log *logrus.Logger) []httptypes.FieldError {
	// initialize to empty list instead of pointer, to make sure the empty list
	// is returned instead of nil
	//noinspection GoPreferNilSlice
	fieldErrors := []httptypes.FieldError{}
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// not all errors encountered in validation is a nice validator.ValidationErrors type
		// if you request an int in a form for example, parsing of that int will fail before
		// proper validation happens, and we're left with this ugly error type.
		// see these GitHub issues:  https://github.com/gin-gonic/gin/issues/1093
		//							 https://github.com/gin-gonic/gin/issues/1907
		if numError, ok := err.Err.(*strconv.NumError); ok {
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				// don't know how to find out which field failed here...
				Field:   "unknown",
				Message: fmt.Sprintf("%q is not a valid number, %q failed", numError.Num, numError.Func),
				Code:    "invalid-number",
			})
			continue
		}

		// if we pass an int to a JSON field expecting a string (or something similar),
		// we end up with this kind of error, not a validator.ValidationErrors
		if jsonError, ok := err.Err.(*json.UnmarshalTypeError); ok {
			log.WithError(jsonError).WithFields(logrus.Fields{
				"field":  jsonError.Field,
				"value":  jsonError.Value,
				"type":   jsonError.Type,
				"struct": jsonError.Struct,
			}).Debug("Handling JSON error")
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   jsonError.Field,
				Message: fmt.Sprintf("%q requires a %s, got a %s", jsonError.Field, jsonError.Type, jsonError.Value),
				Code:    "invalid-type",
			})
			continue
		}

		validationErrors, ok := err.Err.(validator.ValidationErrors)
		if !ok {
			continue
		}
		for _, validationErr := range validationErrors {
			// When doing field validation, it's not possible to get the name of
			// the JSON/Query field we're validating, only the field of the struct.
			// The assumption here is that all struct fields are named the same
			// as corresponding form/JSON fields, except for the first letter.
			field := decapitalize(validationErr.Field)
			var message string
			var code string
			switch validationErr.Tag {
			case "required":
				message = fmt.Sprintf("%q is required", field)
				code = "required"
			case "payoutmethod":
				message = fmt.Sprintf("%q is not a supported payout method", field)
				code = "payoutmethod"
			case "withdrawalstatus":
				message = fmt.Sprintf("%q is not a withdrawal status", field)
				code = "withdrawalstatus"
			case "email":
				message = fmt.Sprintf("%q field does not contain a valid email", field)
				code = "email"
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %v",
					field, validationErr.Param, validationErr.Value)
				code = "gte"
			case "lte":
				message = fmt.Sprintf("%q field must be less than or equal %s. Got: %v",
					field, validationErr.Param, validationErr.Value)
				code = "lte"
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %v",
					field, validationErr.Param, validationErr.Value)
				code = "gt"
			case "uuid4":
				message = fmt.Sprintf("%q is not a valid ID", field)
				code = "uuid"
			case "max":
				message = fmt.Sprintf("%q cannot be longer than %s characters", field, validationErr.Param)
				code = "max"
			default:
				log.WithField("tag", validationErr.Tag).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
				code = UnknownValidationTag
			}
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   field,
				Message: message,
				Code:    code,
			})
		}
	}
	return fieldErrors
}
