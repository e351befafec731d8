package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
)

func (o outcome) String() string {
	if o == outcomeOK {
		return "ok"
	}
	return "failed"
}

// kind preserves the error class across the worker boundary so callers can
// still match it with errors.Is.
type kind int

const (
	kindJob kind = iota
	kindParse
	kindFatal
	kindCanceled
	kindDeadline
)

// response is the message a worker sends back to the dispatcher.
type response struct {
	id      uint64
	worker  int
	outcome outcome
	kind    kind
	message string
	fatal   bool
	result  estimator.TransformResult
}

func classify(err error) kind {
	var parseErr *estimator.ParseError
	switch {
	case errors.As(err, &parseErr):
		return kindParse
	case errors.Is(err, estimator.ErrWorkerFatal):
		return kindFatal
	case errors.Is(err, context.DeadlineExceeded):
		return kindDeadline
	case errors.Is(err, context.Canceled):
		return kindCanceled
	default:
		return kindJob
	}
}

func (r response) decode() (estimator.TransformResult, error) {
	if r.outcome == outcomeOK {
		return r.result, nil
	}
	return estimator.TransformResult{}, &JobError{ID: r.id, Kind: r.kind, Message: r.message}
}

// JobError reports a failed job. It matches estimator.ErrJobFailed and the
// class of the underlying failure.
type JobError struct {
	ID      uint64
	Kind    kind
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d: %s", e.ID, e.Message)
}

// Is lets callers test for the job failure class.
func (e *JobError) Is(target error) bool {
	switch target {
	case estimator.ErrJobFailed:
		return true
	case estimator.ErrParse:
		return e.Kind == kindParse
	case estimator.ErrWorkerFatal:
		return e.Kind == kindFatal
	case context.Canceled:
		return e.Kind == kindCanceled
	case context.DeadlineExceeded:
		return e.Kind == kindDeadline
	}
	return false
}

// ParseMessage returns the parse error text when the job failed to parse.
func (e *JobError) ParseMessage() (string, bool) {
	if e.Kind != kindParse {
		return "", false
	}
	return e.Message, true
}
