package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixOp         = "o|" // o|{op_id}
	PrefixOpIndex    = "x|" // x|{status}\x00{table}\x00{prio:1B inverted}{created_ns:8BE}{op_id}
	PrefixDeadLetter = "d|" // d|{op_id}
)

const sep = '\x00'

// OpKey returns the primary key for an operation: o|{op_id}
func OpKey(opID string) []byte {
	return append([]byte(PrefixOp), opID...)
}

// OpIDFromKey extracts the operation ID from a primary key.
func OpIDFromKey(k []byte) (string, bool) {
	if !bytes.HasPrefix(k, []byte(PrefixOp)) {
		return "", false
	}
	return string(k[len(PrefixOp):]), true
}

// OpPrefix returns the scan prefix for all operations.
func OpPrefix() []byte {
	return []byte(PrefixOp)
}

// OpIndexKey returns the secondary index key for an operation.
// Iteration order within a status is table ASC, priority DESC (the byte is
// inverted so higher priorities sort first), created_ns ASC, then op_id for
// uniqueness. This matches the batch processor's dispatch order.
func OpIndexKey(status, table string, priority int, createdNs uint64, opID string) []byte {
	k := append([]byte(PrefixOpIndex), status...)
	k = append(k, sep)
	k = append(k, table...)
	k = append(k, sep)
	k = PutUint8(k, invertPriority(priority))
	k = PutUint64BE(k, createdNs)
	return append(k, opID...)
}

// OpIndexStatusPrefix returns the scan prefix for one status: x|{status}\x00
func OpIndexStatusPrefix(status string) []byte {
	k := append([]byte(PrefixOpIndex), status...)
	return append(k, sep)
}

// OpIndexPrefix returns the scan prefix for the whole secondary index.
func OpIndexPrefix() []byte {
	return []byte(PrefixOpIndex)
}

// OpIDFromIndexKey extracts the operation ID from a secondary index key.
// The ID is the fixed-length tail after the second separator plus the
// 1-byte priority and 8-byte timestamp.
func OpIDFromIndexKey(k []byte) (string, bool) {
	rest := k[len(PrefixOpIndex):]
	i := bytes.IndexByte(rest, sep)
	if i < 0 {
		return "", false
	}
	rest = rest[i+1:]
	i = bytes.IndexByte(rest, sep)
	if i < 0 || len(rest) < i+1+9 {
		return "", false
	}
	return string(rest[i+1+9:]), true
}

// DeadLetterKey returns the key for a dead letter entry: d|{op_id}
func DeadLetterKey(opID string) []byte {
	return append([]byte(PrefixDeadLetter), opID...)
}

// DeadLetterPrefix returns the scan prefix for all dead letter entries.
func DeadLetterPrefix() []byte {
	return []byte(PrefixDeadLetter)
}

// PrefixUpperBound returns the exclusive upper bound for a prefix scan.
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// invertPriority maps an operation priority to a byte that sorts higher
// priorities first. Priorities are clamped to [0, 255].
func invertPriority(p int) uint8 {
	if p < 0 {
		p = 0
	}
	if p > 255 {
		p = 255
	}
	return uint8(255 - p)
}
