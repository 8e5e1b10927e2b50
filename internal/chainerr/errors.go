// Package chainerr holds the error taxonomy shared by every layer of a run:
// the classes a failure can fall into, one sentinel per class and the
// classifier that maps raw RPC / transport errors onto a class.
package chainerr

import (
	"github.com/pkg/errors"
)

// Class is a coarse error category that decides retry and propagation.
type Class int

const (
	Unknown Class = iota
	Connectivity
	Configuration
	RateLimit
	Transient
	NonceConflict
	Reverted
	InsufficientBalance
)

func (c Class) String() string {
	switch c {
	case Connectivity:
		return "connectivity"
	case Configuration:
		return "configuration"
	case RateLimit:
		return "rate_limit"
	case Transient:
		return "transient"
	case NonceConflict:
		return "nonce_conflict"
	case Reverted:
		return "reverted"
	case InsufficientBalance:
		return "insufficient_balance"
	default:
		return "unknown"
	}
}

// Retryable reports whether the retry controller may repeat a call that
// failed with this class. Nonce conflicts are resolved by the sequencer.
func (c Class) Retryable() bool {
	return c == RateLimit || c == Transient || c == Reverted
}

// Sentinel returns the sentinel error for the class.
func (c Class) Sentinel() error {
	switch c {
	case Connectivity:
		return ErrConnectivity
	case Configuration:
		return ErrConfiguration
	case RateLimit:
		return ErrRateLimited
	case Transient:
		return ErrTransient
	case NonceConflict:
		return ErrNonceConflict
	case Reverted:
		return ErrReverted
	case InsufficientBalance:
		return ErrInsufficientBalance
	default:
		return ErrUnknown
	}
}

var (
	ErrConnectivity        = errors.New("no rpc endpoint reachable")
	ErrConfiguration       = errors.New("configuration error")
	ErrRateLimited         = errors.New("rate limited")
	ErrTransient           = errors.New("transient rpc failure")
	ErrNonceConflict       = errors.New("nonce conflict")
	ErrReverted            = errors.New("execution reverted")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknown             = errors.New("unknown error")
)

var sentinels = []Class{
	Connectivity, Configuration, RateLimit, Transient,
	NonceConflict, Reverted, InsufficientBalance, Unknown,
}

type marked struct {
	class Class
	err   error
}

func (m *marked) Error() string   { return m.err.Error() }
func (m *marked) Unwrap() []error { return []error{m.class.Sentinel(), m.err} }

// Mark tags err with class so errors.Is(err, class.Sentinel()) holds while
// the original message and chain stay intact.
func Mark(err error, class Class) error {
	if err == nil {
		return nil
	}
	if Is(err, class) {
		return err
	}
	return &marked{class: class, err: err}
}

// Configf builds a configuration error.
func Configf(format string, args ...any) error {
	return Mark(errors.Errorf(format, args...), Configuration)
}

// Is reports whether err carries the sentinel of class.
func Is(err error, class Class) bool {
	return errors.Is(err, class.Sentinel())
}

// ClassOf returns the class of err. Sentinels found in the chain win over
// message inspection.
func ClassOf(err error) Class {
	if err == nil {
		return Unknown
	}
	for _, c := range sentinels {
		if errors.Is(err, c.Sentinel()) {
			return c
		}
	}
	return Classify(err)
}

// Fatal reports whether err must abort the whole run.
func Fatal(err error) bool {
	c := ClassOf(err)
	return c == Connectivity || c == Configuration
}
