// Package errdefs defines the error taxonomy shared by every carebus component.
//
// Validation, schema and missing-key errors indicate a caller bug and are never
// retried. Publish and unavailable errors are surfaced after the lowest layer that
// can safely retry has exhausted its budget. Processing errors are retried by the
// consumer and then routed to the dead-letter topic.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a bad topic, schema or client specification. It is
// returned before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Validationf is a shorthand for building a ValidationError.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a topic redefinition that does not match the existing
// definition. It is operator-visible and never resolved automatically.
type ConflictError struct {
	Topic   string
	Reasons []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("topic %q conflicts with existing definition: %s", e.Topic, strings.Join(e.Reasons, "; "))
}

// SchemaIncompatibleError reports a payload that does not conform to its
// registered schema, or a schema that is not backward-compatible with its
// predecessor.
type SchemaIncompatibleError struct {
	EventType string
	Version   int
	Reasons   []string
}

func (e *SchemaIncompatibleError) Error() string {
	return fmt.Sprintf("schema incompatible: %s v%d: %s", e.EventType, e.Version, strings.Join(e.Reasons, "; "))
}

// MissingKeyError is returned when a keyless event targets a topic that
// requires an entity key.
type MissingKeyError struct {
	Topic string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("topic %q requires an entity key", e.Topic)
}

// PublishFailedError is returned once the producer gave up on an event. The
// caller must not assume durability and should roll back the paired business
// operation.
type PublishFailedError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishFailedError) Error() string {
	return fmt.Sprintf("publish to %q failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishFailedError) Unwrap() error { return e.Err }

// ProcessingError wraps a consumer-side business failure.
type ProcessingError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("processing %s/%d@%d failed", e.Topic, e.Partition, e.Offset)
	}
	return fmt.Sprintf("processing %s/%d@%d failed: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// UnavailableError reports that no broker in the configured list was reachable.
type UnavailableError struct {
	Brokers []string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no broker reachable in [%s]: %v", strings.Join(e.Brokers, ","), e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsSchemaIncompatible reports whether err is, or wraps, a SchemaIncompatibleError.
func IsSchemaIncompatible(err error) bool {
	var target *SchemaIncompatibleError
	return errors.As(err, &target)
}

// IsMissingKey reports whether err is, or wraps, a MissingKeyError.
func IsMissingKey(err error) bool {
	var target *MissingKeyError
	return errors.As(err, &target)
}

// IsPublishFailed reports whether err is, or wraps, a PublishFailedError.
func IsPublishFailed(err error) bool {
	var target *PublishFailedError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err is, or wraps, an UnavailableError.
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// IsPermanent reports whether err belongs to the classes that must never be
// retried because they indicate a caller bug.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsSchemaIncompatible(err) || IsMissingKey(err) || IsConflict(err)
}

// Class returns a short, stable name for the error class, used in dead-letter
// records and metric labels.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsSchemaIncompatible(err):
		return "schema_incompatible"
	case IsMissingKey(err):
		return "missing_key"
	case IsConflict(err):
		return "conflict"
	case IsPublishFailed(err):
		return "publish_failed"
	case IsUnavailable(err):
		return "unavailable"
	}
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return "processing"
	}
	return "unknown"
}
