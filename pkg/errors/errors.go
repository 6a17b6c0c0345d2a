package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrorType classifies failures so callers can decide whether a failure is
// fatal at startup or recoverable inside the control loop.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeRemoteQuery   ErrorType = "remote_query"
	ErrorTypeManifestParse ErrorType = "manifest_parse"
	ErrorTypeNotification  ErrorType = "notification"
	ErrorTypeProcess       ErrorType = "process"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeIO            ErrorType = "io"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeCancelled     ErrorType = "cancelled"
)

// ContextKeySetting holds the name of the offending setting on configuration errors.
const ContextKeySetting = "setting"

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

// NewConfigurationError reports an invalid setting. The setting name is kept
// in the error context so the CLI can point the operator at it.
func NewConfigurationError(setting string, message string) *DomainError {
	return NewDomainError(ErrorTypeConfiguration, message, nil).WithContext(ContextKeySetting, setting)
}

// NewRemoteQueryError is returned when the release source is unreachable or
// answers with a non-success status.
func NewRemoteQueryError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeRemoteQuery, message, cause)
}

// NewManifestParseError is returned when a successful release response lacks
// the version tag or a usable download asset.
func NewManifestParseError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeManifestParse, message, cause)
}

func NewNotificationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotification, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool    { return isType(err, ErrorTypeValidation) }
func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }
func IsRemoteQueryError(err error) bool   { return isType(err, ErrorTypeRemoteQuery) }
func IsManifestParseError(err error) bool { return isType(err, ErrorTypeManifestParse) }
func IsNotificationError(err error) bool  { return isType(err, ErrorTypeNotification) }
func IsProcessError(err error) bool       { return isType(err, ErrorTypeProcess) }
func IsTimeoutError(err error) bool       { return isType(err, ErrorTypeTimeout) }
func IsIOError(err error) bool            { return isType(err, ErrorTypeIO) }
func IsNetworkError(err error) bool       { return isType(err, ErrorTypeNetwork) }
func IsInternalError(err error) bool      { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool     { return isType(err, ErrorTypeCancelled) }

// SettingOf returns the setting named by the first configuration error in the
// chain, or an empty string.
func SettingOf(err error) string {
	var domainErr *DomainError
	for err != nil {
		if !errors.As(err, &domainErr) {
			return ""
		}
		if domainErr.Type == ErrorTypeConfiguration {
			setting, _ := domainErr.Context[ContextKeySetting].(string)
			return setting
		}
		err = domainErr.Cause
	}
	return ""
}

func formatErrors(es []error) string {
	if len(es) == 1 {
		return es[0].Error()
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = err.Error()
	}
	return fmt.Sprintf("%d errors occurred: %s", len(es), strings.Join(points, "; "))
}

// Append collects err into result, ignoring nil errors.
func Append(result *multierror.Error, err error) *multierror.Error {
	if err == nil {
		return result
	}
	return multierror.Append(result, err)
}

// ErrorOrNil flattens a collection into a single error with a one-line format.
func ErrorOrNil(result *multierror.Error) error {
	if result == nil {
		return nil
	}
	result.ErrorFormat = formatErrors
	return result.ErrorOrNil()
}
