package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UUID is a GATT identifier in canonical form: lowercase, dashed, 128-bit
// (e.g. "0000180d-0000-1000-8000-00805f9b34fb"). Values produced by ParseUUID
// can be compared with ==.
type UUID string

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// 00000000-0000-1000-8000-00805f9b34fb that 16/32-bit aliases expand onto.
const sigBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// ParseUUID normalizes a UUID string into canonical form.
// Accepts 16-bit ("180D", "0x180d"), 32-bit ("0000180d") and 128-bit forms,
// with or without dashes, in any case.
func ParseUUID(s string) (UUID, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if raw == "" {
		return "", Errorf(KindInvalidArgument, "empty UUID")
	}

	compact := strings.ToLower(strings.ReplaceAll(raw, "-", ""))
	switch len(compact) {
	case 4:
		compact = "0000" + compact
		fallthrough
	case 8:
		if !isHex(compact) {
			return "", Errorf(KindInvalidArgument, "invalid UUID %q", s)
		}
		return UUID(compact + sigBaseSuffix), nil
	case 32:
		u, err := uuid.Parse(compact)
		if err != nil {
			return "", &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf("invalid UUID %q", s), Err: err}
		}
		return UUID(u.String()), nil
	default:
		return "", Errorf(KindInvalidArgument, "invalid UUID %q", s)
	}
}

// MustParseUUID is like ParseUUID but panics on malformed input.
// Intended for package-level constants and tests.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseUUIDs normalizes a list of UUID strings, failing on the first invalid one.
func ParseUUIDs(ss []string) ([]UUID, error) {
	result := make([]UUID, 0, len(ss))
	for i, s := range ss {
		u, err := ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("UUID at index %d: %w", i, err)
		}
		result = append(result, u)
	}
	return result, nil
}

// String returns the canonical form
func (u UUID) String() string {
	return string(u)
}

// IsSIG reports whether u lives on the Bluetooth SIG base UUID
func (u UUID) IsSIG() bool {
	return len(u) == 36 && strings.HasSuffix(string(u), sigBaseSuffix)
}

// Short returns the 16-bit alias ("180d") for SIG UUIDs whose upper 16 bits
// are zero, and the full canonical form otherwise. Display only.
func (u UUID) Short() string {
	if u.IsSIG() && strings.HasPrefix(string(u), "0000") {
		return string(u[4:8])
	}
	return string(u)
}

// Equal reports whether two UUID strings denote the same identifier,
// normalizing both sides. Malformed input never matches.
func Equal(a, b string) bool {
	ua, err := ParseUUID(a)
	if err != nil {
		return false
	}
	ub, err := ParseUUID(b)
	if err != nil {
		return false
	}
	return ua == ub
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
