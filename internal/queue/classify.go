package queue

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/scrivanohq/scrivano/internal/syncerr"
)

// Classification is the verdict on a sync failure.
type Classification struct {
	Category  syncerr.Category
	Retryable bool
}

// Classify maps a failure to a category and retryability. Pure function.
// Errors tagged at origin are honored regardless of message content;
// untagged errors fall back to transport checks and message heuristics,
// defaulting to a retryable unknown.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: syncerr.CategoryUnknown, Retryable: true}
	}

	if cat, ok := syncerr.CategoryOf(err); ok {
		return Classification{Category: cat, Retryable: cat.Retryable()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: syncerr.CategoryNetwork, Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "connection reset", "no such host",
		"network", "timeout", "timed out", "temporarily unavailable", "fetch failed"):
		return Classification{Category: syncerr.CategoryNetwork, Retryable: true}
	case containsAny(msg, "unauthorized", "jwt", "token expired", "not authenticated", "401"):
		return Classification{Category: syncerr.CategoryAuthentication, Retryable: true}
	case containsAny(msg, "permission denied", "access denied", "forbidden",
		"row-level security", "403"):
		return Classification{Category: syncerr.CategoryPermission, Retryable: false}
	case containsAny(msg, "not found", "no longer exists", "foreign key",
		"parent record", "orphan"):
		return Classification{Category: syncerr.CategoryOrphanedRecord, Retryable: false}
	case containsAny(msg, "validation", "invalid", "malformed", "constraint", "422"):
		return Classification{Category: syncerr.CategoryValidation, Retryable: false}
	default:
		return Classification{Category: syncerr.CategoryUnknown, Retryable: true}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
