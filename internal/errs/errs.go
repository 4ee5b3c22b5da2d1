// Package errs defines the domain error categories used across Omikuji.
//
// Categories follow the propagation policy: Configuration and Fatal errors
// abort the process; Transient, Data, Protocol, and Security errors are
// recorded and suppressed at the task boundary of a Feed Monitor or
// Scheduled-Task Runner so that one bad feed cannot bring down the daemon.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies an error for logging, metrics, and propagation policy.
type Category string

const (
	Configuration Category = "configuration"
	Transient     Category = "transient"
	Data          Category = "data"
	Protocol      Category = "protocol"
	Security      Category = "security"
	Fatal         Category = "fatal"
)

// Error is a categorized, wrapped error carrying the operation and
// network/feed context that produced it. Error messages never contain
// secret material.
type Error struct {
	Category Category
	Op       string
	Network  string
	Feed     string
	Err      error
}

func (e *Error) Error() string {
	scope := e.Op
	if e.Network != "" {
		scope = fmt.Sprintf("%s[%s]", scope, e.Network)
	}
	if e.Feed != "" {
		scope = fmt.Sprintf("%s/%s", scope, e.Feed)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, scope, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, scope)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a category and context. err may be nil, producing a
// bare categorized error.
func New(cat Category, op string, err error) *Error {
	return &Error{Category: cat, Op: op, Err: err}
}

// WithNetwork attaches a network name to the error for logging context.
func (e *Error) WithNetwork(network string) *Error {
	e.Network = network
	return e
}

// WithFeed attaches a feed or task name to the error for logging context.
func (e *Error) WithFeed(feed string) *Error {
	e.Feed = feed
	return e
}

func ConfigurationErr(op string, err error) *Error { return New(Configuration, op, err) }
func TransientErr(op string, err error) *Error     { return New(Transient, op, err) }
func DataErr(op string, err error) *Error          { return New(Data, op, err) }
func ProtocolErr(op string, err error) *Error      { return New(Protocol, op, err) }
func SecurityErr(op string, err error) *Error      { return New(Security, op, err) }
func FatalErr(op string, err error) *Error         { return New(Fatal, op, err) }

// Is reports whether err (or any error it wraps) is a categorized Error
// with category cat.
func Is(err error, cat Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == cat
	}
	return false
}

// CategoryOf extracts the category of err, returning "" if err is not a
// categorized Error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// Sentinel errors used across packages for errors.Is comparisons.
var (
	ErrNotEligible     = errors.New("oracle not eligible to submit for current round")
	ErrNonceTooLow     = errors.New("nonce too low")
	ErrOutOfBounds     = errors.New("submission value out of configured bounds")
	ErrNoActiveBackend = errors.New("no active key backend configured")
	ErrKeyNotFound     = errors.New("key not found")
	ErrNoSession       = errors.New("no desktop session available for OS credential store")
)
