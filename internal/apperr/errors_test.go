package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNotFoundError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("assigning authority", "NHID"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("wrapped NotFoundError should match ErrNotFound")
	}
	key, ok := MissingKey(err)
	if !ok || key != "NHID" {
		t.Errorf("MissingKey = %q, %v; want NHID, true", key, ok)
	}
	if got := err.Error(); got != `lookup: assigning authority "NHID" not found` {
		t.Errorf("message = %q", got)
	}
}

func TestMissingKey_OtherError(t *testing.T) {
	if _, ok := MissingKey(ErrConflict); ok {
		t.Error("plain sentinel should carry no key")
	}
}
