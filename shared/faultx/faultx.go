// Package faultx is the closed classification of downstream failures.
//
// Adapters (kafka, asynq, postgres, sqlite) translate driver errors into a Kind
// at their boundary. Retry and breaker policies match on the Kind and never
// look at error text.
package faultx

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindThrottled   Kind = "throttled"
	KindUnavailable Kind = "unavailable"
	KindValidation  Kind = "validation"
	KindMalformed   Kind = "malformed"
	KindCanceled    Kind = "canceled"
)

// Transient reports whether the kind is expected to succeed on retry.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindConnection, KindThrottled, KindUnavailable:
		return true
	default:
		return false
	}
}

// Permanent reports whether the failure is caused by the input, not the dependency.
func (k Kind) Permanent() bool {
	return k == KindValidation || k == KindMalformed
}

type Error struct {
	Kind       Kind
	Dependency string
	Err        error
}

func (e *Error) Error() string {
	if e.Dependency == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Dependency, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, dependency string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Dependency: dependency, Err: err}
}

func Transient(dependency string, err error) error {
	return New(KindUnavailable, dependency, err)
}

func Validation(dependency string, err error) error {
	return New(KindValidation, dependency, err)
}

// KindOf returns the kind of the outermost classified error in the chain.
// Bare context errors map to KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

func IsPermanent(err error) bool {
	return KindOf(err).Permanent()
}

// IsCanceled reports whether err stems from the caller abandoning the
// operation rather than the dependency failing it.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}
