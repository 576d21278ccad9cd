package itemsync

import (
	"slices"

	"github.com/jmcleod/ironpass/item"
)

// Filter selects items for a view. Zero fields match everything; a nil
// Shares means every share the user can see.
type Filter struct {
	Shares     []string
	State      item.State
	Types      []item.Type
	PinnedOnly bool
}

// Match reports whether it passes the non-share criteria of f.
func (f Filter) Match(it *item.Item) bool {
	if f.State != 0 && it.State != f.State {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, it.Type) {
		return false
	}
	if f.PinnedOnly && !it.Pinned {
		return false
	}
	return true
}
