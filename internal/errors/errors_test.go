package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("expected 0 for nil, got %d", got)
	}
	if got := ExitCode(New(CodeConfig, "no wallets")); got != 3 {
		t.Fatalf("expected config exit code 3, got %d", got)
	}
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeReport, "report usage", errors.New("boom")))
	if got := ExitCode(wrapped); got != int(CodeReport) {
		t.Fatalf("expected wrapped report code, got %d", got)
	}
	if got := ExitCode(errors.New("plain")); got != int(CodeInternal) {
		t.Fatalf("expected internal code for untyped error, got %d", got)
	}
}

func TestIsTransport(t *testing.T) {
	if !IsTransport(New(CodeUnavailable, "down")) {
		t.Fatal("expected unavailable to be a transport error")
	}
	if !IsTransport(New(CodeRateLimited, "slow down")) {
		t.Fatal("expected rate limited to be a transport error")
	}
	if IsTransport(New(CodeReport, "report failed")) {
		t.Fatal("report errors are not transport errors")
	}
	if IsTransport(errors.New("plain")) {
		t.Fatal("untyped errors are not transport errors")
	}
}

func TestTypeName(t *testing.T) {
	if got := TypeName(New(CodeConfig, "x")); got != "config_error" {
		t.Fatalf("unexpected type name: %s", got)
	}
	if got := TypeName(errors.New("x")); got != "internal_error" {
		t.Fatalf("unexpected type name: %s", got)
	}
}

func TestWithHint(t *testing.T) {
	err := New(CodeConfig, "no wallets configured").WithHint("infer wallets add <address>")
	cErr, ok := As(fmt.Errorf("run: %w", err))
	if !ok || cErr.Hint != "infer wallets add <address>" {
		t.Fatalf("expected hint to survive wrapping, got %+v", cErr)
	}
	if err.Error() != "no wallets configured" {
		t.Fatalf("hint must not leak into message: %q", err.Error())
	}
}
