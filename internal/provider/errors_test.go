package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/echoctl/internal/testutil/testlog"
)

func TestSessionErrorClassification(t *testing.T) {
	testlog.Start(t)
	err := fmt.Errorf("server read: %w", NewSessionError(KindTimeout, "read", context.DeadlineExceeded))
	kind, ok := KindOf(err)
	if !ok || kind != KindTimeout {
		t.Fatalf("unexpected kind=%q ok=%v", kind, ok)
	}
	if !IsRecoverable(err) {
		t.Fatalf("timeout should be recoverable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("session error should unwrap cause")
	}
	if IsRecoverable(ErrPresenceRequired) {
		t.Fatalf("untyped error must not be recoverable")
	}
	if IsRecoverable(NewSessionError(ErrorKind("other"), "read", nil)) {
		t.Fatalf("unknown kind must not be recoverable")
	}
}

func TestIsFatal(t *testing.T) {
	testlog.Start(t)
	for _, err := range []error{ErrKeyStoreCorrupt, ErrInvalidCredential, ErrInvalidState, fmt.Errorf("resolve: %w", ErrNoSuchContact)} {
		if !IsFatal(err) {
			t.Fatalf("expected fatal: %v", err)
		}
	}
	if IsFatal(ErrNoMessages) {
		t.Fatalf("no messages is not fatal")
	}
}

func TestCSRSetCapabilitiesCopies(t *testing.T) {
	testlog.Start(t)
	caps := []string{"a", "b"}
	csr := &CSR{}
	csr.SetCapabilities(caps)
	caps[0] = "mutated"
	if csr.Capabilities[0] != "a" {
		t.Fatalf("capabilities not copied: %+v", csr.Capabilities)
	}
}
