package syncerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/scrivanohq/scrivano/internal/syncerr"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		category  syncerr.Category
		retryable bool
	}{
		{syncerr.CategoryNetwork, true},
		{syncerr.CategoryAuthentication, true},
		{syncerr.CategoryPermission, false},
		{syncerr.CategoryOrphanedRecord, false},
		{syncerr.CategoryValidation, false},
		{syncerr.CategoryUnknown, true},
	}
	for _, tc := range cases {
		if got := tc.category.Retryable(); got != tc.retryable {
			t.Errorf("%s: Retryable() = %v, want %v", tc.category, got, tc.retryable)
		}
	}
}

func TestCategoryOf(t *testing.T) {
	err := syncerr.New(syncerr.CategoryPermission, "row-level security")
	cat, ok := syncerr.CategoryOf(err)
	if !ok || cat != syncerr.CategoryPermission {
		t.Fatalf("CategoryOf = %q, %v", cat, ok)
	}

	// The tag survives fmt.Errorf wrapping.
	wrapped := fmt.Errorf("apply batch: %w", err)
	cat, ok = syncerr.CategoryOf(wrapped)
	if !ok || cat != syncerr.CategoryPermission {
		t.Fatalf("CategoryOf(wrapped) = %q, %v", cat, ok)
	}

	if _, ok := syncerr.CategoryOf(errors.New("plain")); ok {
		t.Fatal("plain error should have no category")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := syncerr.Wrap(syncerr.CategoryNetwork, cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped error should match its cause")
	}
	if err.Error() != cause.Error() {
		t.Fatalf("Error() = %q, want %q", err.Error(), cause.Error())
	}
	if syncerr.Wrap(syncerr.CategoryNetwork, nil) != nil {
		t.Fatal("wrapping nil should return nil")
	}
}
