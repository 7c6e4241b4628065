// Package fault defines the domain error taxonomy shared by the lifecycle
// controllers. Validation, authorization, and state errors surface
// synchronously to the caller; transient delivery errors are converted into
// scheduled retries and never propagate past the controller boundary.
package fault

import (
	"errors"
	"fmt"
)

// ValidationError indicates malformed input (bad enum value, over-length
// field, non-positive amount). Rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for the given field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError indicates an unknown entity id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NewNotFound builds a NotFoundError for the given entity and id.
func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ForbiddenError indicates an ownership check failed.
type ForbiddenError struct {
	Entity string
	ID     string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s %s is owned by another user", e.Entity, e.ID)
}

// NewForbidden builds a ForbiddenError for the given entity and id.
func NewForbidden(entity, id string) *ForbiddenError {
	return &ForbiddenError{Entity: entity, ID: id}
}

// InvalidStateError indicates an attempted transition that is not legal from
// the entity's current state. Conditional updates in the store report this
// when the state observed at write time no longer matches the precondition.
type InvalidStateError struct {
	Entity  string
	ID      string
	Current string
	Wanted  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s %s is %q, operation requires %q",
		e.Entity, e.ID, e.Current, e.Wanted)
}

// NewInvalidState builds an InvalidStateError.
func NewInvalidState(entity, id, current, wanted string) *InvalidStateError {
	return &InvalidStateError{Entity: entity, ID: id, Current: current, Wanted: wanted}
}

// TransientDeliveryError wraps a channel or ledger failure that should be
// retried rather than surfaced to the caller.
type TransientDeliveryError struct {
	Channel string
	Err     error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery failure on %s: %v", e.Channel, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable delivery failure.
func NewTransient(channel string, err error) *TransientDeliveryError {
	return &TransientDeliveryError{Channel: channel, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsForbidden reports whether err is a ForbiddenError.
func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// IsTransient reports whether err is a TransientDeliveryError.
func IsTransient(err error) bool {
	var te *TransientDeliveryError
	return errors.As(err, &te)
}
