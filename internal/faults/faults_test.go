package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapPreservesMarker(t *testing.T) {
	base := errors.New("connection reset")
	err := Wrap(ErrTransient, "download", "fetch", "toolchain-xtensa", base)
	if !errors.Is(err, ErrTransient) {
		t.Fatal("marker lost")
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped cause lost")
	}
	for _, want := range []string{"download", "fetch", "toolchain-xtensa", "connection reset"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestWrapNilMarkerDefaultsTransient(t *testing.T) {
	err := Wrap(nil, "c", "op", "", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v", err)
	}
}

func TestIsCancelledThroughWrapping(t *testing.T) {
	inner := Wrap(ErrCancelled, "cancel", "checkpoint", "client_dead", nil)
	outer := fmt.Errorf("build aborted: %w", inner)
	if !IsCancelled(outer) {
		t.Fatal("cancellation marker lost through wrapping")
	}
	if IsCancelled(Wrap(ErrPermanent, "x", "y", "", nil)) {
		t.Fatal("permanent error classified as cancelled")
	}
}
