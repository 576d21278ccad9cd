// Package remote defines the contract between a client and the remote
// authority: wire types and the API the client consumes.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/share"
)

// EventToken is an opaque per-share cursor into the event log.
type EventToken string

// ItemDescriptor is an item as the authority stores it. Content is
// encrypted with the share key of Rotation.
type ItemDescriptor struct {
	ItemID     string     `json:"item_id"`
	Revision   uint64     `json:"revision"`
	Rotation   uint64     `json:"rotation"`
	Content    []byte     `json:"content"`
	State      item.State `json:"state"`
	Flags      item.Flags `json:"flags"`
	CreateTime time.Time  `json:"create_time"`
	ModifyTime time.Time  `json:"modify_time"`
}

// Page selects one page of a listing. The zero Page is the first page with
// the server's default size.
type Page struct {
	Token string `json:"token,omitempty"`
	Size  int    `json:"size,omitempty"`
}

// ItemPage is one page of items. An empty Next marks the last page.
type ItemPage struct {
	Items []ItemDescriptor `json:"items"`
	Next  string           `json:"next,omitempty"`
}

// EventKind discriminates events.
type EventKind int

const (
	EventUpsert EventKind = iota + 1
	EventDelete
	EventRotationChanged
)

func (k EventKind) String() string {
	switch k {
	case EventUpsert:
		return "upsert"
	case EventDelete:
		return "delete"
	case EventRotationChanged:
		return "rotation_changed"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *EventKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "upsert":
		*k = EventUpsert
	case "delete":
		*k = EventDelete
	case "rotation_changed":
		*k = EventRotationChanged
	default:
		return fmt.Errorf("unknown event kind %q", s)
	}
	return nil
}

// Event is one entry of a share's event log. Item is set for upserts,
// ItemID for deletes and Rotation for rotation changes.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Item     *ItemDescriptor `json:"item,omitempty"`
	ItemID   string          `json:"item_id,omitempty"`
	Rotation uint64          `json:"rotation,omitempty"`
}

// EventList is an ordered batch of events following Since. Next is the
// cursor after the batch; More reports that further events are pending.
type EventList struct {
	ShareID string     `json:"share_id"`
	Since   EventToken `json:"since"`
	Next    EventToken `json:"next"`
	Events  []Event    `json:"events"`
	More    bool       `json:"more,omitempty"`
}

// AttachmentLink references a pending attachment upload. Key is the
// attachment key encrypted with the item's share key.
type AttachmentLink struct {
	PendingID string `json:"pending_id"`
	Key       []byte `json:"key"`
}

// SubmitRequest creates (ExpectedRevision 0) or updates an item.
type SubmitRequest struct {
	ItemID            string           `json:"item_id"`
	ExpectedRevision  uint64           `json:"expected_revision"`
	Rotation          uint64           `json:"rotation"`
	Content           []byte           `json:"content"`
	Flags             item.Flags       `json:"flags"`
	LinkAttachments   []AttachmentLink `json:"link_attachments,omitempty"`
	UnlinkAttachments []string         `json:"unlink_attachments,omitempty"`
}

// ItemResult is the authority's verdict on one accepted item mutation.
type ItemResult struct {
	ItemID     string     `json:"item_id"`
	Revision   uint64     `json:"revision"`
	ModifyTime time.Time  `json:"modify_time"`
	Flags      item.Flags `json:"flags"`
}

// ItemRevision names an item at the revision the caller last saw.
type ItemRevision struct {
	ItemID   string `json:"item_id"`
	Revision uint64 `json:"revision"`
}

// MigrateRequest moves an item. Content is already encrypted for the
// destination share at Rotation.
type MigrateRequest struct {
	SourceShareID    string `json:"source_share_id"`
	DestShareID      string `json:"dest_share_id"`
	ItemID           string `json:"item_id"`
	ExpectedRevision uint64 `json:"expected_revision"`
	Rotation         uint64 `json:"rotation"`
	Content          []byte `json:"content"`
}

// ItemAPI is the item half of the authority.
type ItemAPI interface {
	FetchItems(ctx context.Context, userID, shareID string, page Page) (*ItemPage, error)
	SubmitItem(ctx context.Context, shareID string, req SubmitRequest) (*ItemResult, error)
	SetItemState(ctx context.Context, shareID string, items []ItemRevision, state item.State) ([]ItemResult, error)
	DeleteItems(ctx context.Context, shareID string, items []ItemRevision) error
	MigrateItem(ctx context.Context, req MigrateRequest) (*ItemDescriptor, error)
}

// EventAPI serves share event logs.
type EventAPI interface {
	FetchLatestEventToken(ctx context.Context, shareID string) (EventToken, error)
	FetchEvents(ctx context.Context, shareID string, since EventToken) (*EventList, error)
}

// AddressAPI publishes a user's address public keys so the authority can
// seal new share rotations to them.
type AddressAPI interface {
	RegisterAddress(ctx context.Context, userID, addressID string, publicKey [32]byte) error
}

// ShareAPI is the share half of the authority.
type ShareAPI = share.Remote

// KeyAPI serves wrapped share keys.
type KeyAPI = key.Fetcher

// API is everything a client consumes from the authority.
type API interface {
	AddressAPI
	ShareAPI
	ItemAPI
	EventAPI
	KeyAPI
}
