package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	errNoSession := New(ErrNotFound, "no session")
	wrapped := fmt.Errorf("next fcnt down: %w", errNoSession)

	if !errors.Is(wrapped, errNoSession) {
		t.Error("wrapped error lost its sentinel")
	}
	if got := Kind(wrapped); got != ErrNotFound {
		t.Errorf("Kind = %v, want ErrNotFound", got)
	}
	if got := Kind(errors.New("boom")); got != nil {
		t.Errorf("Kind = %v, want nil", got)
	}
}
