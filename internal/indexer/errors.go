package indexer

import (
	"errors"
	"fmt"
)

// fatalError marks a failure in a core infrastructure phase: the vector
// store, the relational store or the task store. It aborts the run.
type fatalError struct {
	phase string
	err   error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.phase, e.err)
}

func (e *fatalError) Unwrap() error { return e.err }

func fatal(phase string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return err
	}
	return &fatalError{phase: phase, err: err}
}

// IsFatal reports whether err aborted a run.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
