// Unified error handling for the thermal host
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// Code represents the category of error
type Code string

const (
	// ErrConfig indicates malformed or missing static configuration.
	// Fatal at startup; aborts initialization of the offending section.
	ErrConfig Code = "CONFIG"

	// ErrCommand indicates a bad runtime command argument. Reported to
	// the caller, state unchanged.
	ErrCommand Code = "COMMAND"

	// ErrUnknownEntity indicates an unknown heater, sensor or profile name.
	ErrUnknownEntity Code = "UNKNOWN_ENTITY"

	// ErrIncompatibleProfile indicates a stored profile whose schema
	// version does not match the current one. The profile stays listed
	// but cannot be loaded.
	ErrIncompatibleProfile Code = "PROFILE_INCOMPATIBLE"

	// ErrShutdown indicates the host (or a heater) latched a fatal fault.
	ErrShutdown Code = "SHUTDOWN"
)

// HostError is the unified error type for the thermal host
type HostError struct {
	// Code is the error category
	Code Code

	// Message is a human-readable error description
	Message string

	// Section is the config section or entity name the error refers to
	Section string

	// Option is the config option or command parameter (if applicable)
	Option string

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *HostError) Error() string {
	switch {
	case e.Section != "" && e.Option != "":
		return fmt.Sprintf("[%s] %s (section %q, option %q)", e.Code, e.Message, e.Section, e.Option)
	case e.Section != "":
		return fmt.Sprintf("[%s] %s (section %q)", e.Code, e.Message, e.Section)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option or command parameter
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// New creates a new HostError
func New(code Code, format string, args ...interface{}) *HostError {
	return &HostError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a category and message
func Wrap(err error, code Code, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// IsCode reports whether err (or any error it wraps) carries the given code
func IsCode(err error, code Code) bool {
	var he *HostError
	if stderrors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// AsHostError finds the first HostError in err's chain
func AsHostError(err error, target **HostError) bool {
	return stderrors.As(err, target)
}

// ConfigError creates a configuration error
func ConfigError(section, format string, args ...interface{}) *HostError {
	return New(ErrConfig, format, args...).SetSection(section)
}

// CommandError creates a runtime command error
func CommandError(format string, args ...interface{}) *HostError {
	return New(ErrCommand, format, args...)
}

// UnknownEntity creates an error for an unknown heater/sensor/profile name
func UnknownEntity(kind, name string) *HostError {
	return New(ErrUnknownEntity, "Unknown %s '%s'", kind, name).SetSection(name)
}

// IncompatibleProfile creates an error for a profile schema version mismatch
func IncompatibleProfile(name string, stored, current int) *HostError {
	return New(ErrIncompatibleProfile,
		"Profile [%s] not compatible with this version of pid_profile. "+
			"Profile Version: %d Current Version: %d",
		name, stored, current).SetSection(name)
}

// ShutdownError creates an error for an operation rejected by a latched fault
func ShutdownError(format string, args ...interface{}) *HostError {
	return New(ErrShutdown, format, args...)
}
