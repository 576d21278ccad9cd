package item

import (
	"encoding/json"
	"fmt"
)

// Metadata is the part of an item payload shared by every kind.
type Metadata struct {
	Name string `json:"name"`
	Note string `json:"note,omitempty"`
}

// Payload is the plaintext that gets encrypted into Item.Content.
type Payload struct {
	Metadata    Metadata
	Content     Content
	ExtraFields []Field
}

type wirePayload struct {
	Metadata    Metadata        `json:"metadata"`
	Kind        string          `json:"kind"`
	Content     json.RawMessage `json:"content,omitempty"`
	ExtraFields []Field         `json:"extra_fields,omitempty"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Content == nil {
		return nil, fmt.Errorf("payload content must be set")
	}
	w := wirePayload{Metadata: p.Metadata, ExtraFields: p.ExtraFields}
	if u, ok := p.Content.(Unknown); ok {
		w.Kind, w.Content = u.Kind, u.Raw
	} else {
		raw, err := json.Marshal(p.Content)
		if err != nil {
			return nil, err
		}
		w.Kind, w.Content = p.Content.Type().String(), raw
	}
	return json.Marshal(w)
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	c, err := decodeContent(w.Kind, w.Content)
	if err != nil {
		return fmt.Errorf("decoding %s content: %w", w.Kind, err)
	}
	*p = Payload{Metadata: w.Metadata, Content: c, ExtraFields: w.ExtraFields}
	return nil
}

func decodeContent(kind string, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch ParseType(kind) {
	case TypeLogin:
		return decodeAs[Login](raw)
	case TypeAlias:
		return decodeAs[Alias](raw)
	case TypeCreditCard:
		return decodeAs[CreditCard](raw)
	case TypeNote:
		return decodeAs[Note](raw)
	case TypeIdentity:
		return decodeAs[Identity](raw)
	case TypeCustom:
		return decodeAs[Custom](raw)
	default:
		return Unknown{Kind: kind, Raw: raw}, nil
	}
}

func decodeAs[T Content](raw json.RawMessage) (Content, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Index is the searchable metadata extracted at sync time.
type Index struct {
	Type         Type
	Title        string
	URLs         []string
	PackageNames []string
}

type indexer struct{ title string }

func (x indexer) Login(l Login) Index {
	return Index{Type: TypeLogin, Title: x.title, URLs: l.URLs, PackageNames: l.PackageNames}
}
func (x indexer) Alias(Alias) Index           { return Index{Type: TypeAlias, Title: x.title} }
func (x indexer) CreditCard(CreditCard) Index { return Index{Type: TypeCreditCard, Title: x.title} }
func (x indexer) Note(Note) Index             { return Index{Type: TypeNote, Title: x.title} }
func (x indexer) Identity(Identity) Index     { return Index{Type: TypeIdentity, Title: x.title} }
func (x indexer) Custom(Custom) Index         { return Index{Type: TypeCustom, Title: x.title} }
func (x indexer) Unknown(Unknown) Index       { return Index{Type: TypeUnknown, Title: x.title} }

// Index extracts the searchable metadata of p.
func (p *Payload) Index() Index {
	return Visit[Index](p.Content, indexer{title: p.Metadata.Name})
}

// Encode serialises p for encryption.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses plaintext produced by Encode.
func Decode(plaintext []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("decoding item payload: %w", err)
	}
	return &p, nil
}
