package main

import (
	"os"

	"github.com/pkg/errors"
)

type ExitCode int

const (
	ExitOk    ExitCode = 0
	ExitFlags ExitCode = 1
	ExitOther ExitCode = 100
)

// ErrPrecondition marks a run that stopped before sending anything.
// These are reported through the log only; the process still exits 0.
var ErrPrecondition = errors.New("precondition failed")

type ExitError struct {
	err  error
	exit ExitCode
}

func (e ExitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e ExitError) Unwrap() error {
	return e.err
}

func (e ExitError) Code() ExitCode {
	return e.exit
}

func Exit(code ExitCode) {
	os.Exit(int(code))
}

func Fatalf(code ExitCode, msg string, args ...interface{}) error {
	return ExitError{
		err:  errors.Errorf(msg, args...),
		exit: code,
	}
}

func preconditionf(msg string, args ...interface{}) error {
	return errors.Wrapf(ErrPrecondition, msg, args...)
}

// precondition marks err as a precondition failure, keeping err itself
// reachable through errors.Is and errors.As.
func precondition(err error) error {
	return preconditionError{err: err}
}

type preconditionError struct {
	err error
}

func (e preconditionError) Error() string {
	return e.err.Error()
}

func (e preconditionError) Unwrap() []error {
	return []error{ErrPrecondition, e.err}
}
