package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndFields(t *testing.T) {
	err := New(
		"executor",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("batch too large"),
		WithCanonicalCode(CanonicalBatchSizeExceedsMaximum),
		WithField("size", "9"),
		WithField("max", "6"),
		WithRemediation("split the batch"),
		WithCause(errors.New("upstream")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=executor") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=BatchSizeExceedsMaximum") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedFields := "fields=max=\"6\",size=\"9\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "remediation=\"split the batch\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"upstream\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("executor", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestIsMatchesCanonicalThroughWrapping(t *testing.T) {
	sentinel := Domain("hooks", CodeAuth, CanonicalNotExecutor)
	derived := sentinel.With(WithField("caller", "0xabc"))
	wrapped := fmt.Errorf("initialize: %w", derived)

	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped derived error to match sentinel")
	}
	if errors.Is(wrapped, Domain("hooks", CodeAuth, CanonicalNotStrategyOwner)) {
		t.Fatalf("different canonical codes must not match")
	}
	if len(sentinel.Fields) != 0 {
		t.Fatalf("With must not mutate the sentinel, got %v", sentinel.Fields)
	}
	if got := CanonicalOf(wrapped); got != CanonicalNotExecutor {
		t.Fatalf("expected canonical NotExecutor, got %q", got)
	}
}

func TestCanonicalOfPlainError(t *testing.T) {
	if got := CanonicalOf(errors.New("boom")); got != CanonicalUnknown {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
