package peripheral

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidUUID is returned for identifiers that cannot name a BLE attribute.
var ErrInvalidUUID = errors.New("invalid BLE attribute id")

// bluetoothBase is the Bluetooth base UUID; short ids replace its first 32 bits.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// CanonicalUUID returns the canonical lower-case 128-bit string form of a BLE
// service or characteristic id. Integers and 4 or 8 digit hex strings are expanded
// on the Bluetooth base UUID; full UUIDs are normalised; other strings (named
// services understood by the bridge) pass through unchanged.
func CanonicalUUID(id any) (string, error) {
	switch v := id.(type) {
	case string:
		return canonicalString(v)
	case uuid.UUID:
		return v.String(), nil
	case int:
		return shortUUID(int64(v))
	case int32:
		return shortUUID(int64(v))
	case int64:
		return shortUUID(v)
	case uint:
		return shortUUID(int64(v))
	case uint16:
		return shortUUID(int64(v))
	case uint32:
		return shortUUID(int64(v))
	case uint64:
		if v > 0xFFFFFFFF {
			return "", fmt.Errorf("%w: %d", ErrInvalidUUID, v)
		}
		return shortUUID(int64(v))
	case float64:
		// JSON numbers decode as float64.
		if v != float64(int64(v)) {
			return "", fmt.Errorf("%w: %v", ErrInvalidUUID, v)
		}
		return shortUUID(int64(v))
	}
	return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidUUID, id)
}

func canonicalString(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUUID)
	}
	if u, err := uuid.Parse(s); err == nil {
		return u.String(), nil
	}
	hex := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(hex) == 4 || len(hex) == 8 {
		if n, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return shortUUID(int64(n))
		}
	}
	return s, nil
}

func shortUUID(n int64) (string, error) {
	if n < 0 || n > 0xFFFFFFFF {
		return "", fmt.Errorf("%w: %d out of range", ErrInvalidUUID, n)
	}
	u := bluetoothBase
	binary.BigEndian.PutUint32(u[:4], uint32(n))
	return u.String(), nil
}
