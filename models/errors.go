package models

import (
	"errors"
	"time"
)

// Error taxonomy shared by processors, the scheduler and the HTTP layer
var (
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedType    = errors.New("unsupported asset type")
	ErrExtractionFailure  = errors.New("no usable content extracted")
	ErrPartialUnitFailure = errors.New("unit failed")
	ErrExternalService    = errors.New("external service error")
	ErrMalformedState     = errors.New("malformed state")
	ErrInvalidInput       = errors.New("invalid input")
	ErrJobActive          = errors.New("a job is already active for this asset")
)

// Error kinds persisted in asset metadata
const (
	KindNotFound           = "NotFound"
	KindUnsupportedType    = "UnsupportedType"
	KindExtractionFailure  = "ExtractionFailure"
	KindPartialUnitFailure = "PartialUnitFailure"
	KindExternalService    = "ExternalServiceError"
	KindMalformedState     = "MalformedState"
	KindInvalidInput       = "InvalidInput"
	KindInternal           = "Internal"
)

// ProcessingError is the structured failure stored on an asset
type ProcessingError struct {
	Kind    string    `bson:"kind" json:"kind"`
	Message string    `bson:"message" json:"message"`
	Page    int       `bson:"page,omitempty" json:"page,omitempty"`
	At      time.Time `bson:"at" json:"at"`
}

// ErrorKind maps an error chain onto the taxonomy
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupportedType):
		return KindUnsupportedType
	case errors.Is(err, ErrExtractionFailure):
		return KindExtractionFailure
	case errors.Is(err, ErrPartialUnitFailure):
		return KindPartialUnitFailure
	case errors.Is(err, ErrExternalService):
		return KindExternalService
	case errors.Is(err, ErrMalformedState):
		return KindMalformedState
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// NewProcessingError builds the persisted form of err
func NewProcessingError(err error) *ProcessingError {
	return &ProcessingError{
		Kind:    ErrorKind(err),
		Message: err.Error(),
		At:      time.Now(),
	}
}
