package errors

import (
	stdErrors "errors"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeExternalCall, cause, "pull funds", WithMetadata("asset", "0xaa"))

	if CodeOf(err) != CodeExternalCall {
		t.Fatalf("code = %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("wrapped cause must survive errors.Is")
	}
	coded, ok := From(err)
	if !ok {
		t.Fatal("From must find the coded error")
	}
	if coded.Metadata()["asset"] != "0xaa" {
		t.Fatalf("metadata = %+v", coded.Metadata())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "thing not found")
	wrapped := Wrap(CodeNotFound, stdErrors.New("row missing"), "lookup thing")

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatal("errors with the same code must match")
	}
	other := New(CodeConflict, "thing exists")
	if stdErrors.Is(wrapped, other) {
		t.Fatal("errors with different codes must not match")
	}
}

func TestRegisteredAttributesDriveAlerting(t *testing.T) {
	const code Code = "TEST_ALERTING_CODE"
	Register(code, Attributes{Message: "boom", Severity: SeverityCritical, Alert: true})

	err := New(code, "boom")
	if !ShouldAlert(err) {
		t.Fatal("registered alert flag must surface")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("severity = %s", SeverityOf(err))
	}
	if ShouldAlert(stdErrors.New("plain")) {
		t.Fatal("uncoded errors must not alert")
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeNotFound, "missing", WithSeverity(SeverityCritical), WithAlert(true))
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("severity = %s", SeverityOf(err))
	}
	if !ShouldAlert(err) {
		t.Fatal("WithAlert must override the registry default")
	}
}
