package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies dispatch failures independently of their wire
// representation. The HTTP layer maps kinds to status codes and the MQTT
// publisher tags events with the kind string.
type ErrorKind string

const (
	KindBadKeyset     ErrorKind = "BadKeyset"
	KindBadConfig     ErrorKind = "BadConfig"
	KindUnknownSlot   ErrorKind = "UnknownSlot"
	KindUnknownDevice ErrorKind = "UnknownDevice"
	KindUnknownKey    ErrorKind = "UnknownKey"
	KindNotReady      ErrorKind = "NotReady"
	KindLinkLost      ErrorKind = "LinkLost"
	KindTimeout       ErrorKind = "Timeout"
	KindDeviceBusy    ErrorKind = "DeviceBusy"
	KindDeviceError   ErrorKind = "DeviceError"
	KindInvariant     ErrorKind = "Invariant"
)

// DispatchError is the typed error returned across the dispatcher facade.
type DispatchError struct {
	Kind ErrorKind
	Code int // device error code, only set for KindDeviceError
	Msg  string
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func dispatchErr(kind ErrorKind, format string, args ...interface{}) *DispatchError {
	return &DispatchError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrorKind, err error, format string, args ...interface{}) *DispatchError {
	return &DispatchError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func deviceErr(code int, format string, args ...interface{}) *DispatchError {
	return &DispatchError{Kind: KindDeviceError, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ErrKindOf extracts the error kind from any error in the chain.
// Unclassified errors report as Invariant since they indicate a bug.
func ErrKindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInvariant
}
