package item

import (
	"encoding/json"
	"fmt"
)

// Type names an item content kind.
type Type int

const (
	TypeUnknown Type = iota
	TypeLogin
	TypeAlias
	TypeCreditCard
	TypeNote
	TypeIdentity
	TypeCustom
)

var typeNames = map[Type]string{
	TypeUnknown:    "unknown",
	TypeLogin:      "login",
	TypeAlias:      "alias",
	TypeCreditCard: "credit_card",
	TypeNote:       "note",
	TypeIdentity:   "identity",
	TypeCustom:     "custom",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType maps a name back to its Type. Unrecognised names are TypeUnknown.
func ParseType(s string) Type {
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeUnknown
}

func (t Type) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = ParseType(s)
	return nil
}

// Content is the closed union of item kinds. Only types in this package
// implement it; consumers match exhaustively with Visit.
type Content interface {
	Type() Type
	sealed()
}

type Login struct {
	Username     string   `json:"username,omitempty"`
	Email        string   `json:"email,omitempty"`
	Password     string   `json:"password,omitempty"`
	TOTPURI      string   `json:"totp_uri,omitempty"`
	URLs         []string `json:"urls,omitempty"`
	PackageNames []string `json:"package_names,omitempty"`
}

type Alias struct {
	Email string `json:"email"`
}

type CreditCard struct {
	Holder string `json:"holder,omitempty"`
	Number string `json:"number,omitempty"`
	Expiry string `json:"expiry,omitempty"`
	CVV    string `json:"cvv,omitempty"`
	PIN    string `json:"pin,omitempty"`
}

type Note struct{}

type Identity struct {
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Address  string `json:"address,omitempty"`
	Company  string `json:"company,omitempty"`
}

type Custom struct {
	Sections []Section `json:"sections,omitempty"`
}

type Section struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields,omitempty"`
}

// Field is a user-defined field. Hidden fields are masked by UIs.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Hidden bool   `json:"hidden,omitempty"`
}

// Unknown preserves content written by a newer client verbatim.
type Unknown struct {
	Kind string          `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (Login) Type() Type      { return TypeLogin }
func (Alias) Type() Type      { return TypeAlias }
func (CreditCard) Type() Type { return TypeCreditCard }
func (Note) Type() Type       { return TypeNote }
func (Identity) Type() Type   { return TypeIdentity }
func (Custom) Type() Type     { return TypeCustom }
func (Unknown) Type() Type    { return TypeUnknown }

func (Login) sealed()      {}
func (Alias) sealed()      {}
func (CreditCard) sealed() {}
func (Note) sealed()       {}
func (Identity) sealed()   {}
func (Custom) sealed()     {}
func (Unknown) sealed()    {}

// Visitor handles every content kind. Adding a kind adds a method here, so
// every visitor stops compiling until it handles the new kind.
type Visitor[T any] interface {
	Login(Login) T
	Alias(Alias) T
	CreditCard(CreditCard) T
	Note(Note) T
	Identity(Identity) T
	Custom(Custom) T
	Unknown(Unknown) T
}

// Visit dispatches c to v.
func Visit[T any](c Content, v Visitor[T]) T {
	switch c := c.(type) {
	case Login:
		return v.Login(c)
	case Alias:
		return v.Alias(c)
	case CreditCard:
		return v.CreditCard(c)
	case Note:
		return v.Note(c)
	case Identity:
		return v.Identity(c)
	case Custom:
		return v.Custom(c)
	case Unknown:
		return v.Unknown(c)
	default:
		// Content is sealed; only a nil interface reaches here.
		panic(fmt.Sprintf("item: unhandled content %T", c))
	}
}
