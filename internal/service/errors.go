package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"prices-service/internal/store"
)

// ValidationError collects every violated field of a rejected mutation
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(e.Fields[field], ", ")))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a violation of field
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Merge copies the violations of other into e
func (e *ValidationError) Merge(other *ValidationError) {
	if other == nil {
		return
	}
	for field, msgs := range other.Fields {
		for _, msg := range msgs {
			e.Add(field, msg)
		}
	}
}

// OrNil returns e when it holds a violation and nil otherwise
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func fieldError(field, msg string) *ValidationError {
	e := &ValidationError{}
	e.Add(field, msg)
	return e
}

// NotFoundError is returned when a referenced entity does not exist
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id %d not found", e.Entity, e.ID)
}

// ProofFileError is returned when a proof exists but its file cannot be read
type ProofFileError struct {
	ProofID int64
	Path    string
}

func (e *ProofFileError) Error() string {
	return fmt.Sprintf("file of proof %d is not readable", e.ProofID)
}

// ConflictError is returned when a mutation would break a reference
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// ForbiddenError is returned when the actor does not own the entity
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return e.Reason
}

// ExternalError wraps a failure of an outer collaborator (OCR, classifier, storage)
type ExternalError struct {
	Collaborator string
	Err          error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Collaborator, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// isUnprocessableProof reports a proof that is gone or whose file is
// gone. Background prediction runs skip such proofs.
func isUnprocessableProof(err error) bool {
	var (
		notFoundErr *NotFoundError
		fileErr     *ProofFileError
	)
	if errors.As(err, &fileErr) {
		return true
	}
	return errors.As(err, &notFoundErr) && notFoundErr.Entity == "proof"
}

// lookupError turns a store miss into a NotFoundError and wraps anything else
func lookupError(err error, entity string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return fmt.Errorf("failed to get %s: %w", entity, err)
}
