// Unified error handling for the winder host
//
// Copyright (C) 2026  Coil Winder Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package werrors

import (
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Pre-motion errors
	ErrInvalidProgram ErrorCode = "INVALID_PROGRAM"

	// Motion faults
	ErrEncoderFault     ErrorCode = "ENCODER_FAULT"
	ErrTensionFault     ErrorCode = "TENSION_FAULT"
	ErrTravelLimitFault ErrorCode = "TRAVEL_LIMIT_FAULT"
	ErrActuatorFault    ErrorCode = "ACTUATOR_FAULT"

	// Runtime errors
	ErrRuntime       ErrorCode = "RUNTIME"
	ErrRuntimeInit   ErrorCode = "RUNTIME_INIT"
	ErrSerialLink    ErrorCode = "SERIAL_LINK"
	ErrEmergencyStop ErrorCode = "EMERGENCY_STOP"
)

// WinderError is the unified error type for the winder host
type WinderError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component name
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context (layer, turn, tick, ...)
	Context map[string]interface{}
}

// Error implements the error interface
func (e *WinderError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *WinderError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *WinderError) SetSection(section string) *WinderError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *WinderError) SetOption(option string) *WinderError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *WinderError) SetContext(key string, value interface{}) *WinderError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new WinderError
func New(code ErrorCode, message string) *WinderError {
	return &WinderError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new WinderError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *WinderError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *WinderError {
	return &WinderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if we, ok := err.(*WinderError); ok && we.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the error code carried by err, or ErrRuntime when err
// is not a WinderError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if we, ok := err.(*WinderError); ok {
			return we.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrRuntime
}

// InvalidProgramError creates an error for a winding program that fails
// validation before motion starts
func InvalidProgramError(reason string) *WinderError {
	return New(ErrInvalidProgram, reason)
}

// EncoderFaultError creates an error for missing or inconsistent encoder edges
func EncoderFaultError(reason string) *WinderError {
	return New(ErrEncoderFault, reason)
}

// TensionFaultError creates an error for sustained out-of-band tension
func TensionFaultError(measured, setpoint, tolerance float64) *WinderError {
	return Newf(ErrTensionFault,
		"tension %.1fg outside band %.1fg±%.1fg beyond dwell time",
		measured, setpoint, tolerance).
		SetContext("measured", measured).
		SetContext("setpoint", setpoint)
}

// TravelLimitError creates an error for a traverse target beyond the
// physical travel range. Never clamp instead of raising this: a silently
// clamped target produces a geometrically wrong coil with no evidence.
func TravelLimitError(target, min, max float64) *WinderError {
	return Newf(ErrTravelLimitFault,
		"traverse target %.3fmm out of range [%.3f, %.3f]", target, min, max)
}

// ActuatorFaultError creates an error for a stepper stall or missing
// driver acknowledgement
func ActuatorFaultError(device, reason string) *WinderError {
	return Newf(ErrActuatorFault, "%s: %s", device, reason).SetSection(device)
}
