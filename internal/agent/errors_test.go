package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStreamError(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("chat: %w", &StreamError{ChatID: "c-7", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}
	if !IsStreamError(err) {
		t.Error("IsStreamError() = false for wrapped StreamError")
	}
	if IsStreamError(cause) {
		t.Error("IsStreamError() = true for plain error")
	}
	for _, want := range []string{"c-7", "connection reset"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should contain %q", err.Error(), want)
		}
	}
}

func TestValidationFailureOmitsEmptyDetails(t *testing.T) {
	data, err := json.Marshal(ValidationFailure{Error: "arguments are not valid JSON", Tool: "query_db"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "details") {
		t.Errorf("json = %s", data)
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrTaskNotPending,
		ErrDuplicateTool,
		ErrNoProvider,
		ErrInvalidTool,
	}

	seen := map[string]bool{}
	for _, err := range sentinels {
		msg := err.Error()
		if msg == "" {
			t.Errorf("sentinel %v should have message", err)
		}
		if seen[msg] {
			t.Errorf("duplicate sentinel message %q", msg)
		}
		seen[msg] = true
	}
}
