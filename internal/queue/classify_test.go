package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/scrivanohq/scrivano/internal/syncerr"
)

func TestClassifyHonorsTags(t *testing.T) {
	err := fmt.Errorf("apply batch: %w", syncerr.New(syncerr.CategoryOrphanedRecord, "chapter deleted"))
	cls := Classify(err)
	if cls.Category != syncerr.CategoryOrphanedRecord || cls.Retryable {
		t.Fatalf("Classify = %+v", cls)
	}

	// A tag wins even when the message reads like another category.
	err = syncerr.New(syncerr.CategoryPermission, "request timed out")
	cls = Classify(err)
	if cls.Category != syncerr.CategoryPermission || cls.Retryable {
		t.Fatalf("tag should override message heuristics: %+v", cls)
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	var netErr net.Error = &net.OpError{Op: "dial", Err: errors.New("refused")}
	cls := Classify(fmt.Errorf("send: %w", netErr))
	if cls.Category != syncerr.CategoryNetwork || !cls.Retryable {
		t.Fatalf("net.Error: %+v", cls)
	}

	cls = Classify(context.DeadlineExceeded)
	if cls.Category != syncerr.CategoryNetwork || !cls.Retryable {
		t.Fatalf("deadline exceeded: %+v", cls)
	}
}

func TestClassifyMessageHeuristics(t *testing.T) {
	cases := []struct {
		msg       string
		category  syncerr.Category
		retryable bool
	}{
		{"dial tcp: connection refused", syncerr.CategoryNetwork, true},
		{"fetch failed", syncerr.CategoryNetwork, true},
		{"JWT expired", syncerr.CategoryAuthentication, true},
		{"401 Unauthorized", syncerr.CategoryAuthentication, true},
		{"new row violates row-level security policy", syncerr.CategoryPermission, false},
		{"access denied for relation chapters", syncerr.CategoryPermission, false},
		{"parent record not found", syncerr.CategoryOrphanedRecord, false},
		{"insert violates foreign key constraint", syncerr.CategoryOrphanedRecord, false},
		{"payload validation error", syncerr.CategoryValidation, false},
		{"something odd happened", syncerr.CategoryUnknown, true},
	}
	for _, tc := range cases {
		cls := Classify(errors.New(tc.msg))
		if cls.Category != tc.category || cls.Retryable != tc.retryable {
			t.Errorf("Classify(%q) = %+v, want %s retryable=%v", tc.msg, cls, tc.category, tc.retryable)
		}
	}
}

func TestClassifyNil(t *testing.T) {
	cls := Classify(nil)
	if cls.Category != syncerr.CategoryUnknown || !cls.Retryable {
		t.Fatalf("Classify(nil) = %+v", cls)
	}
}

// Foreign-key message ordering: "foreign key constraint" contains both an
// orphaned-record and a validation keyword; orphaned-record must win.
func TestClassifyForeignKeyBeatsConstraint(t *testing.T) {
	cls := Classify(errors.New(`update or delete violates foreign key constraint "sections_chapter_id_fkey"`))
	if cls.Category != syncerr.CategoryOrphanedRecord {
		t.Fatalf("Classify = %+v, want orphaned-record", cls)
	}
}
