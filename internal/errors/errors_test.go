package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestCodeRegistryDefaults(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{
		Message:   "registered for test",
		Severity:  SeverityWarning,
		Retryable: true,
		Alert:     true,
	})

	err := New(code, "")
	if err.Message() != "registered for test" {
		t.Fatalf("empty message must fall back to the registry: %q", err.Message())
	}
	if !err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityWarning {
		t.Fatal("registered attributes must apply")
	}

	unknown := New("NEVER_REGISTERED", "boom")
	if unknown.Severity() != SeverityCritical {
		t.Fatal("unregistered code must fall back to UNKNOWN attributes")
	}
}

func TestOptionOverrides(t *testing.T) {
	err := New(CodeStorageFailure, "写入失败",
		WithRetryable(false),
		WithAlert(false),
		WithSeverity(SeverityInfo),
		WithMetadata("table", "exec_claims"),
	)
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatal("options must override registry defaults")
	}
	if err.Metadata()["table"] != "exec_claims" {
		t.Fatalf("metadata lost: %v", err.Metadata())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeQueueFailure, cause, "投递失败")

	if !stdErrors.Is(err, cause) {
		t.Fatal("wrapped cause must survive errors.Is")
	}
	if CodeOf(err) != CodeQueueFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if got := err.Error(); got != "[QUEUE_FAILURE] 投递失败: connection refused" {
		t.Fatalf("unexpected rendering: %q", got)
	}
}

func TestIsComparesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "resource not found")
	other := New(CodeNotFound, "凭据不存在")

	if !stdErrors.Is(other, sentinel) {
		t.Fatal("errors with the same code must match")
	}
	if stdErrors.Is(New(CodeConflict, ""), sentinel) {
		t.Fatal("different codes must not match")
	}
}

func TestHelpersOnForeignErrors(t *testing.T) {
	plain := fmt.Errorf("plain error")
	if CodeOf(plain) != CodeUnknown {
		t.Fatal("foreign errors map to UNKNOWN")
	}
	if RetryableError(plain) || ShouldAlert(plain) {
		t.Fatal("foreign errors carry no retry or alert semantics")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatal("foreign errors inherit UNKNOWN severity")
	}
}
