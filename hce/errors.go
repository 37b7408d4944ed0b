package hce

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a class of engine error for programmatic handling.
type ErrorCode int

const (
	// Storage and state errors (100-199)
	ErrCodeStoreFailed ErrorCode = iota + 100
	ErrCodeStatePersist
	ErrCodeInvalidRecord
)

// EmulationError provides structured error information for failures that
// cross the engine boundary. Protocol-expected conditions (no card selected,
// record not found, short frame) never surface as errors; they map to status
// words inside the dispatcher.
type EmulationError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "Activate", "UpdateUsage")
	CardID  int64  // Card involved, if any
	Message string
	Cause   error
}

func (e *EmulationError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.CardID != 0 {
		fmt.Fprintf(&sb, " (card %d)", e.CardID)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *EmulationError) Unwrap() error {
	return e.Cause
}

func (e *EmulationError) Is(target error) bool {
	if t, ok := target.(*EmulationError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewStoreError wraps a card store failure.
func NewStoreError(op string, cardID int64, cause error) *EmulationError {
	return &EmulationError{
		Code:    ErrCodeStoreFailed,
		Op:      op,
		CardID:  cardID,
		Message: "card store operation failed",
		Cause:   cause,
	}
}

// NewStatePersistError wraps a selection-state durability failure.
func NewStatePersistError(op string, cause error) *EmulationError {
	return &EmulationError{
		Code:    ErrCodeStatePersist,
		Op:      op,
		Message: "failed to persist selection state",
		Cause:   cause,
	}
}

// NewInvalidRecordError reports a record that fails its invariants.
func NewInvalidRecordError(op string, cause error) *EmulationError {
	return &EmulationError{
		Code:    ErrCodeInvalidRecord,
		Op:      op,
		Message: "invalid card record",
		Cause:   cause,
	}
}

// GetErrorCode extracts the ErrorCode from an error if it is an
// EmulationError. Returns 0 otherwise.
func GetErrorCode(err error) ErrorCode {
	var emulErr *EmulationError
	if errors.As(err, &emulErr) {
		return emulErr.Code
	}
	return 0
}
