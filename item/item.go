// Package item defines the local item model and the closed union of item
// content kinds.
package item

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of an item.
type State int

const (
	StateActive State = iota + 1
	StateTrashed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTrashed:
		return "trashed"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "active":
		*s = StateActive
	case "trashed":
		*s = StateTrashed
	default:
		return fmt.Errorf("unknown item state %q", str)
	}
	return nil
}

// Flags is the item flag bitset.
type Flags uint32

const (
	FlagHasAttachments Flags = 1 << iota
	FlagSkipHealthCheck
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// Item is the locally stored form of one item. Content stays encrypted;
// the index fields are decrypted once at sync time so views can filter
// without touching key material.
type Item struct {
	ShareID    string    `json:"share_id"`
	ItemID     string    `json:"item_id"`
	Revision   uint64    `json:"revision"`
	Rotation   uint64    `json:"rotation"`
	Content    []byte    `json:"content"`
	State      State     `json:"state"`
	Flags      Flags     `json:"flags"`
	CreateTime time.Time `json:"create_time"`
	ModifyTime time.Time `json:"modify_time"`

	Type         Type     `json:"type"`
	Title        string   `json:"title,omitempty"`
	URLs         []string `json:"urls,omitempty"`
	PackageNames []string `json:"package_names,omitempty"`

	// Local-only overlay. Sync never overwrites these.
	Pinned     bool       `json:"pinned,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Clone returns a deep copy.
func (it *Item) Clone() *Item {
	c := *it
	c.Content = slices.Clone(it.Content)
	c.URLs = slices.Clone(it.URLs)
	c.PackageNames = slices.Clone(it.PackageNames)
	if it.LastUsedAt != nil {
		t := *it.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// WithOverlay copies the local-only fields of local onto it.
func (it *Item) WithOverlay(local *Item) *Item {
	if local == nil {
		return it
	}
	it.Pinned = local.Pinned
	it.LastUsedAt = local.LastUsedAt
	return it
}

// ApplyIndex sets the index fields.
func (it *Item) ApplyIndex(idx Index) {
	it.Type = idx.Type
	it.Title = idx.Title
	it.URLs = idx.URLs
	it.PackageNames = idx.PackageNames
}
