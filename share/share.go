// Package share owns the set of shares a user can access: vaults and
// individually shared items.
package share

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/ironpass/key"
)

// Kind distinguishes vault shares from item shares.
type Kind int

const (
	KindVault Kind = iota + 1
	KindItem
)

func (k Kind) String() string {
	switch k {
	case KindVault:
		return "vault"
	case KindItem:
		return "item"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "vault":
		*k = KindVault
	case "item":
		*k = KindItem
	default:
		return fmt.Errorf("unknown share kind %q", s)
	}
	return nil
}

// Role bounds what the share's key may be used for.
type Role int

const (
	RoleAdmin Role = iota + 1
	RoleWrite
	RoleRead
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleWrite:
		return "write"
	case RoleRead:
		return "read"
	default:
		return "unknown"
	}
}

// CanWrite reports whether items may be encrypted under the share key.
func (r Role) CanWrite() bool { return r == RoleAdmin || r == RoleWrite }

func (r Role) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "admin":
		*r = RoleAdmin
	case "write":
		*r = RoleWrite
	case "read":
		*r = RoleRead
	default:
		return fmt.Errorf("unknown share role %q", s)
	}
	return nil
}

// Permission is the server-defined permission bitset, carried verbatim.
type Permission uint64

// Flags is the share flag bitset.
type Flags uint32

const (
	FlagHidden Flags = 1 << iota
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// VaultContent is the decrypted presentation data of a vault.
type VaultContent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Descriptor is a share as reported by the remote authority.
type Descriptor struct {
	ID              string     `json:"id"`
	AddressID       string     `json:"address_id"`
	Kind            Kind       `json:"kind"`
	Role            Role       `json:"role"`
	Permission      Permission `json:"permission"`
	Owner           bool       `json:"owner"`
	Primary         bool       `json:"primary"`
	Members         int        `json:"members"`
	PendingInvites  int        `json:"pending_invites"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Flags           Flags      `json:"flags"`
	ContentRotation uint64     `json:"content_rotation,omitempty"`
	Content         []byte     `json:"content,omitempty"`
	TargetItemID    string     `json:"target_item_id,omitempty"`
}

// Share is the locally stored form of a share.
type Share struct {
	Descriptor
	UserID string `json:"user_id"`
	// Vault is decrypted at refresh; nil for item shares or when the key
	// could not be resolved yet.
	Vault *VaultContent `json:"vault,omitempty"`
}

func (s *Share) IsVault() bool { return s.Kind == KindVault }

// CreateVaultRequest carries a client-generated vault to the remote.
type CreateVaultRequest struct {
	ShareID   string `json:"share_id"`
	AddressID string `json:"address_id"`
	// Key is the first rotation, sealed to AddressID.
	Key     *key.WrappedKey `json:"key"`
	Content []byte          `json:"content"`
}
