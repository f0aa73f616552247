package sshsession

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIsSentinel(t *testing.T) {
	err := NewError(KindNotFound, "close terminal", nil, "terminal %q not found", "t1")
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("NotFound error should not match ErrTimeout")
	}

	wrapped := fmt.Errorf("api: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("expected wrapped error to match ErrNotFound")
	}
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("expected kind %q, got %q", KindNotFound, KindOf(wrapped))
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewError(KindTransport, "dashboard exec", io.EOF, "open channel")
	if got := err.Error(); got != "dashboard exec: open channel: EOF" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(err, io.EOF) {
		t.Error("expected Unwrap to expose the cause")
	}
	if got := ErrTimeout.Error(); got != "timeout" {
		t.Errorf("expected sentinel message %q, got %q", "timeout", got)
	}
}

func TestNeedsReconnect(t *testing.T) {
	if !NeedsReconnect(NewError(KindTransport, "op", nil, "")) {
		t.Error("transport errors need reconnect")
	}
	if !NeedsReconnect(NewError(KindTimeout, "op", nil, "")) {
		t.Error("timeouts need reconnect")
	}
	if NeedsReconnect(NewError(KindNotFound, "op", nil, "")) {
		t.Error("NotFound should not need reconnect")
	}
	if NeedsReconnect(errors.New("plain")) {
		t.Error("untyped errors should not need reconnect")
	}
	if KindOf(nil) != "" {
		t.Error("expected empty kind for nil")
	}
}
