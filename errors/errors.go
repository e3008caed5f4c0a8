package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a caller what to do with an error
type ErrorClass int

const (
	// ErrorTransient may succeed if retried later
	ErrorTransient ErrorClass = iota
	// ErrorInvalid is bad input or configuration; retrying will not help
	ErrorInvalid
	// ErrorFatal stops the component
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// Lifecycle
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and networking
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Data processing
	ErrInvalidData   = errors.New("invalid data format")
	ErrDataCorrupted = errors.New("data corrupted")
	ErrParsingFailed = errors.New("parsing failed")

	// Storage
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Admission
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRateLimited       = errors.New("rate limited")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	// Pipeline
	ErrUnresolvableProtocol = errors.New("unresolvable protocol")
	ErrDecodeFailed         = errors.New("decode failed")
	ErrDispatchFailed       = errors.New("dispatch failed")
	ErrDeviceUnresolved     = errors.New("device unresolved")

	// Biometrics
	ErrUnsupportedModality = errors.New("unsupported modality")
	ErrInvalidTemplate     = errors.New("invalid biometric template")
)

// Unclassified errors are matched against these sentinels, in class order.
var (
	transientSentinels = []error{
		ErrConnectionTimeout, ErrConnectionLost, ErrStorageUnavailable,
		ErrRateLimited, ErrCircuitOpen, ErrResourceExhausted,
		context.DeadlineExceeded, context.Canceled,
	}
	invalidSentinels = []error{
		ErrInvalidData, ErrParsingFailed, ErrUnresolvableProtocol,
		ErrDecodeFailed, ErrInvalidTemplate, ErrUnsupportedModality,
	}
	fatalSentinels = []error{
		ErrInvalidConfig, ErrMissingConfig, ErrDataCorrupted,
	}

	// Substrings of driver and network errors that are worth a retry
	transientHints = []string{"timeout", "connection", "unavailable", "temporary"}
)

// ClassifiedError is an error with a class and the component that raised it
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string { return ce.Err.Error() }

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

func classified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	ok := errors.As(err, &ce)
	return ce, ok
}

func matchesAny(err error, sentinels []error) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying. Unclassified errors
// qualify by sentinel or by a transient-sounding message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := classified(err); ok {
		return ce.Class == ErrorTransient
	}
	if matchesAny(err, transientSentinels) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop the component
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := classified(err); ok {
		return ce.Class == ErrorFatal
	}
	return matchesAny(err, fatalSentinels)
}

// IsInvalid reports whether err was caused by bad input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := classified(err); ok {
		return ce.Class == ErrorInvalid
	}
	return matchesAny(err, invalidSentinels)
}

// Classify returns the class of err. The outermost ClassifiedError wins;
// otherwise sentinels decide and anything unknown is transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if ce, ok := classified(err); ok {
		return ce.Class
	}
	switch {
	case matchesAny(err, invalidSentinels):
		return ErrorInvalid
	case matchesAny(err, fatalSentinels):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrap(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient is Wrap for errors a caller may retry
func WrapTransient(err error, component, method, action string) error {
	return wrap(ErrorTransient, err, component, method, action)
}

// WrapFatal is Wrap for errors that stop the component
func WrapFatal(err error, component, method, action string) error {
	return wrap(ErrorFatal, err, component, method, action)
}

// WrapInvalid is Wrap for errors caused by bad input
func WrapInvalid(err error, component, method, action string) error {
	return wrap(ErrorInvalid, err, component, method, action)
}

// Is, As, New and Join re-export the standard library helpers so callers can
// use a single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)
