package enrich

import (
	"context"
	"errors"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
)

// Enricher computes additional fields for one company from an external source.
//
// Implementations return a delta and must not modify c. They may be invoked again for
// the same company when a previous attempt failed, so calls must be safe to repeat.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, c company.Company) (company.Fields, error)
}

// Func adapts a function to the Enricher interface.
type Func struct {
	ID string
	F  func(ctx context.Context, c company.Company) (company.Fields, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Enrich(ctx context.Context, c company.Company) (company.Fields, error) {
	return f.F(ctx, c)
}

// TransientError marks an error as retryable (network, timeout, throttling).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PermanentError marks an error as pointless to retry (malformed identifier,
// unsupported entity, rejected credentials).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Terminal stops the retry loop early.
func (e *PermanentError) Terminal() bool { return true }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
