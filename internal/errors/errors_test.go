package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	cause := errors.New("underlying error")

	err := NewError(MissingRoot, "root not found in graph", cause)

	if err.Code != MissingRoot {
		t.Errorf("Code = %v, want %v", err.Code, MissingRoot)
	}
	if err.Message != "root not found in graph" {
		t.Errorf("Message = %q, want %q", err.Message, "root not found in graph")
	}
	if len(err.SuggestedFixes) != 2 {
		t.Errorf("len(SuggestedFixes) = %d, want 2", len(err.SuggestedFixes))
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		message   string
		cause     error
		wantParts []string
	}{
		{
			name:      "with cause",
			code:      FetchFailed,
			message:   "GET /icd/entity/123",
			cause:     errors.New("connection refused"),
			wantParts: []string{"FETCH_FAILED", "GET /icd/entity/123", "connection refused"},
		},
		{
			name:      "without cause",
			code:      CycleDetected,
			message:   "parent relation has 2 cyclic components",
			cause:     nil,
			wantParts: []string{"CYCLE_DETECTED", "2 cyclic components"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewError(tt.code, tt.message, tt.cause).Error()

			for _, part := range tt.wantParts {
				if !strings.Contains(got, part) {
					t.Errorf("Error() = %q, want to contain %q", got, part)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(StorageFailed, "something went wrong", cause)

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}

	if Errorf(Timeout, "fetch %s", "root").Unwrap() != nil {
		t.Errorf("Unwrap() on error without cause should return nil")
	}
}

func TestError_WithDetails(t *testing.T) {
	err := NewError(SnapshotCorrupt, "digest mismatch", nil)
	details := map[string]string{"want": "abc", "got": "def"}

	if result := err.WithDetails(details); result != err {
		t.Error("WithDetails should return the same error for chaining")
	}
	if err.Details == nil {
		t.Error("Details should be set")
	}
}

func TestCodeOf(t *testing.T) {
	base := Errorf(MissingRoot, "root %q absent", "root")
	wrapped := fmt.Errorf("analyze: %w", base)

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"direct", base, MissingRoot},
		{"wrapped", wrapped, MissingRoot},
		{"plain", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}

	if !Is(wrapped, MissingRoot) {
		t.Error("Is(wrapped, MissingRoot) = false, want true")
	}
	if Is(wrapped, CycleDetected) {
		t.Error("Is(wrapped, CycleDetected) = true, want false")
	}
}

func TestGetSuggestedFixes(t *testing.T) {
	tests := []struct {
		code    ErrorCode
		wantNil bool
		wantLen int
	}{
		{MissingRoot, false, 2},
		{SnapshotCorrupt, false, 1},
		{Timeout, false, 1},
		{ConfigInvalid, false, 1},
		{FetchFailed, true, 0},
		{CycleDetected, true, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			fixes := GetSuggestedFixes(tt.code)

			if tt.wantNil && fixes != nil {
				t.Errorf("GetSuggestedFixes(%v) = %v, want nil", tt.code, fixes)
			}
			if !tt.wantNil && len(fixes) != tt.wantLen {
				t.Errorf("GetSuggestedFixes(%v) len = %d, want %d", tt.code, len(fixes), tt.wantLen)
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		FetchFailed,
		Timeout,
		UnknownReference,
		CycleDetected,
		MissingRoot,
		SnapshotInvalid,
		SnapshotCorrupt,
		ConfigInvalid,
		StorageFailed,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if seen[code] {
			t.Errorf("Duplicate error code: %v", code)
		}
		seen[code] = true

		if string(code) == "" {
			t.Error("Error code should not be empty")
		}
	}
}

func TestErrorActionsMap(t *testing.T) {
	for code, fixes := range ErrorActions {
		if len(fixes) == 0 {
			t.Errorf("ErrorActions[%v] has no fix actions", code)
		}
		for i, fix := range fixes {
			if fix.Type == "" {
				t.Errorf("ErrorActions[%v][%d].Type is empty", code, i)
			}
			if fix.Type == EditConfig && fix.Key == "" {
				t.Errorf("ErrorActions[%v][%d] edits config without a key", code, i)
			}
		}
	}
}
