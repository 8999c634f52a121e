package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeTemplateNotFound, "no template for category xyz")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeTemplateNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTemplateNotFound)
	}

	if err.Message != "no template for category xyz" {
		t.Errorf("Message = %v, want 'no template for category xyz'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("original error")
	err := Wrap(underlying, ErrCodeStorageRead, "failed to read archive")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if err.Code != ErrCodeStorageRead {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStorageRead)
	}

	if !strings.Contains(err.Error(), "original error") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	err := Wrap(nil, ErrCodeInternal, "test")

	if err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeGenerationFailed, "generation failed")
	err.WithContext("agent_id", "agent-7")
	err.WithContext("attempt", 1)

	if err.Context["agent_id"] != "agent-7" {
		t.Error("Context should contain 'agent_id' key")
	}

	if err.Context["attempt"] != 1 {
		t.Error("Context should contain 'attempt' key")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "agent_id") || !strings.Contains(errStr, "agent-7") {
		t.Error("Error string should include context")
	}
}

func TestWithRetryable(t *testing.T) {
	err := New(ErrCodeGenerationTimeout, "generation timed out")
	err.WithRetryable(true)

	if !err.Retryable {
		t.Error("WithRetryable should set Retryable to true")
	}

	if !err.IsRetryable() {
		t.Error("IsRetryable should return true")
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("root cause")
	err := Wrap(underlying, ErrCodeStorageWrite, "write failed")

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should match underlying error")
	}
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching code", New(ErrCodeConfigInvalid, "bad value"), ErrCodeConfigInvalid, true},
		{"mismatched code", New(ErrCodeConfigInvalid, "bad value"), ErrCodeCacheRead, false},
		{"nil error", nil, ErrCodeConfigInvalid, false},
		{"plain error", errors.New("plain"), ErrCodeConfigInvalid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %v, want empty", got)
	}

	if got := GetCode(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("GetCode(plain) = %v, want %v", got, ErrCodeInternal)
	}

	if got := GetCode(New(ErrCodeExperimentInvalid, "bad")); got != ErrCodeExperimentInvalid {
		t.Errorf("GetCode() = %v, want %v", got, ErrCodeExperimentInvalid)
	}
}

func TestIsConfiguration(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid config", New(ErrCodeConfigInvalid, "bad"), true},
		{"rejected update", New(ErrCodeConfigUpdate, "bad"), true},
		{"load failure", New(ErrCodeConfigLoad, "bad"), true},
		{"template miss", New(ErrCodeTemplateNotFound, "gone"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfiguration(tt.err); got != tt.want {
				t.Errorf("IsConfiguration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "boom")
	trace := err.StackTrace()

	if !strings.Contains(trace, "Stack trace:") {
		t.Error("StackTrace should include header")
	}
	if !strings.Contains(trace, "TestStackTrace") {
		t.Error("StackTrace should include the calling test function")
	}
	if !strings.Contains(trace, "types_test.go") {
		t.Error("StackTrace should attribute the call site to this file")
	}
}
