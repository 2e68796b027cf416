package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors_Identity(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", ErrNotFound},
		{"ErrInvalidTable", ErrInvalidTable},
		{"ErrInvalidID", ErrInvalidID},
	}

	for _, s := range sentinels {
		t.Run(s.name, func(t *testing.T) {
			if s.err == nil {
				t.Fatal("Sentinel error should not be nil")
			}
			if s.err.Error() == "" {
				t.Fatal("Sentinel error should have a message")
			}
		})
	}
}

func TestSentinelErrors_Wrapping(t *testing.T) {
	wrapped := fmt.Errorf("get products/abc: %w", ErrNotFound)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("wrapped ErrNotFound should match with errors.Is")
	}
	if errors.Is(wrapped, ErrInvalidID) {
		t.Error("wrapped ErrNotFound should not match ErrInvalidID")
	}
}
