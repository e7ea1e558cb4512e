package kv

import (
	"bytes"
	"testing"
)

func TestOpKeyRoundTrip(t *testing.T) {
	k := OpKey("op_0123abc")
	id, ok := OpIDFromKey(k)
	if !ok || id != "op_0123abc" {
		t.Fatalf("OpIDFromKey = %q, %v", id, ok)
	}
	if _, ok := OpIDFromKey([]byte("d|op_0123abc")); ok {
		t.Fatal("dead letter key should not parse as op key")
	}
}

func TestOpIndexKeyOrdering(t *testing.T) {
	// Higher priority sorts first within a status+table.
	hi := OpIndexKey("pending", "chapters", 10, 100, "op_a")
	lo := OpIndexKey("pending", "chapters", 1, 100, "op_b")
	if bytes.Compare(hi, lo) >= 0 {
		t.Fatal("higher priority should sort before lower priority")
	}

	// Same priority: older created_ns sorts first.
	old := OpIndexKey("pending", "chapters", 5, 100, "op_a")
	new_ := OpIndexKey("pending", "chapters", 5, 200, "op_b")
	if bytes.Compare(old, new_) >= 0 {
		t.Fatal("older operation should sort before newer one")
	}

	// Tables sort lexically within a status.
	ch := OpIndexKey("pending", "chapters", 5, 100, "op_a")
	no := OpIndexKey("pending", "notes", 5, 100, "op_b")
	if bytes.Compare(ch, no) >= 0 {
		t.Fatal("chapters should sort before notes")
	}
}

func TestOpIDFromIndexKey(t *testing.T) {
	k := OpIndexKey("pending", "sections", 42, 987654321, "op_feedface00")
	id, ok := OpIDFromIndexKey(k)
	if !ok || id != "op_feedface00" {
		t.Fatalf("OpIDFromIndexKey = %q, %v", id, ok)
	}
	if _, ok := OpIDFromIndexKey([]byte("x|pending")); ok {
		t.Fatal("truncated index key should not parse")
	}
}

func TestOpIndexStatusPrefixMatches(t *testing.T) {
	k := OpIndexKey("failed", "notes", 0, 1, "op_x")
	if !bytes.HasPrefix(k, OpIndexStatusPrefix("failed")) {
		t.Fatal("index key should carry its status prefix")
	}
	if bytes.HasPrefix(k, OpIndexStatusPrefix("pending")) {
		t.Fatal("index key should not match another status prefix")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	if got := PrefixUpperBound([]byte("o|")); !bytes.Equal(got, []byte("o}")) {
		t.Fatalf("PrefixUpperBound(o|) = %q", got)
	}
	if got := PrefixUpperBound([]byte{0xff, 0xff}); got != nil {
		t.Fatalf("all-0xff prefix should have no upper bound, got %q", got)
	}
}

func TestInvertPriorityClamps(t *testing.T) {
	if invertPriority(-5) != 255 {
		t.Error("negative priority should clamp to 0")
	}
	if invertPriority(300) != 0 {
		t.Error("oversized priority should clamp to 255")
	}
	if invertPriority(0) != 255 || invertPriority(255) != 0 {
		t.Error("inversion endpoints wrong")
	}
}
