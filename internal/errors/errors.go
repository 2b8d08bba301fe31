// Package errors defines the stable error codes reported by crawl and analysis runs.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// FetchFailed indicates an entity fetch failed (transport error, non-2xx, bad payload)
	FetchFailed ErrorCode = "FETCH_FAILED"
	// Timeout indicates a fetch exceeded its per-request deadline
	Timeout ErrorCode = "TIMEOUT"
	// UnknownReference indicates an id referenced by a node is not present in the graph; reported as a warning
	UnknownReference ErrorCode = "UNKNOWN_REFERENCE"
	// CycleDetected indicates the parent->child relation is not acyclic; reported as a warning
	CycleDetected ErrorCode = "CYCLE_DETECTED"
	// MissingRoot indicates the configured root id is absent from the graph
	MissingRoot ErrorCode = "MISSING_ROOT"
	// SnapshotInvalid indicates a snapshot file could not be decoded
	SnapshotInvalid ErrorCode = "SNAPSHOT_INVALID"
	// SnapshotCorrupt indicates a snapshot does not match its manifest digest
	SnapshotCorrupt ErrorCode = "SNAPSHOT_CORRUPT"
	// ConfigInvalid indicates a configuration value is out of range
	ConfigInvalid ErrorCode = "CONFIG_INVALID"
	// StorageFailed indicates the SQLite sink rejected a read or write
	StorageFailed ErrorCode = "STORAGE_FAILED"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// EditConfig suggests changing a configuration value
	EditConfig FixActionType = "edit-config"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type" yaml:"type"`
	Command     string        `json:"command,omitempty" yaml:"command,omitempty"`
	Key         string        `json:"key,omitempty" yaml:"key,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// Error carries a stable code, a human message and the underlying cause.
type Error struct {
	Code           ErrorCode   `json:"code" yaml:"code"`
	Message        string      `json:"message" yaml:"message"`
	Details        interface{} `json:"details,omitempty" yaml:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty" yaml:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// NewError creates a new Error populated with the default fixes for its code.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:           code,
		Message:        message,
		SuggestedFixes: GetSuggestedFixes(code),
		cause:          cause,
	}
}

// Errorf creates a new Error with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	MissingRoot: {
		{
			Type:        RunCommand,
			Command:     "icdgraph crawl --out foundation_graph.json",
			Description: "Re-crawl from the root so the snapshot contains it",
		},
		{
			Type:        EditConfig,
			Key:         "crawl.rootId",
			Description: "Point the analysis at the root id used by the snapshot",
		},
	},
	SnapshotCorrupt: {
		{
			Type:        RunCommand,
			Command:     "icdgraph stats --input ${snapshot}",
			Description: "Recompute metrics and rewrite the manifest",
		},
	},
	Timeout: {
		{
			Type:        EditConfig,
			Key:         "crawl.fetchTimeoutMs",
			Description: "Raise the per-fetch timeout",
		},
	},
	ConfigInvalid: {
		{
			Type:        RunCommand,
			Command:     "icdgraph config init",
			Description: "Write a default icdgraph.toml",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
