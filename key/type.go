// Package key resolves, caches and applies the rotating symmetric keys that
// protect each share.
package key

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the kind of share key.
type Type int

const (
	// VaultKey protects every item of a vault share.
	VaultKey Type = iota + 1
	// ItemKey protects the single item of an item share.
	ItemKey
)

// ErrUnknownType is returned when an unrecognized key type is encountered.
var ErrUnknownType = errors.New("unknown key type")

func (t Type) String() string {
	switch t {
	case VaultKey:
		return "VaultKey"
	case ItemKey:
		return "ItemKey"
	default:
		return "Unknown"
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	switch s {
	case "VaultKey":
		return VaultKey, nil
	case "ItemKey":
		return ItemKey, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling key type: %w", err)
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
