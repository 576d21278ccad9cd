package item

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kindCounter is an exhaustive visitor used to check dispatch.
type kindCounter struct{}

func (kindCounter) Login(Login) string           { return "login" }
func (kindCounter) Alias(Alias) string           { return "alias" }
func (kindCounter) CreditCard(CreditCard) string { return "card" }
func (kindCounter) Note(Note) string             { return "note" }
func (kindCounter) Identity(Identity) string     { return "identity" }
func (kindCounter) Custom(Custom) string         { return "custom" }
func (kindCounter) Unknown(u Unknown) string     { return "unknown:" + u.Kind }

func TestVisitDispatchesEveryKind(t *testing.T) {
	cases := map[string]Content{
		"login":           Login{},
		"alias":           Alias{},
		"card":            CreditCard{},
		"note":            Note{},
		"identity":        Identity{},
		"custom":          Custom{},
		"unknown:passkey": Unknown{Kind: "passkey"},
	}
	for want, c := range cases {
		assert.Equal(t, want, Visit[string](c, kindCounter{}))
	}
}

func TestPayloadDecodeKeepsKinds(t *testing.T) {
	p := &Payload{
		Metadata: Metadata{Name: "GitHub"},
		Content:  Login{Username: "octo", Password: "hunter2", URLs: []string{"https://github.com"}},
	}
	b, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	login, ok := got.Content.(Login)
	require.True(t, ok, "decoded content is %T", got.Content)
	assert.Equal(t, "octo", login.Username)

	idx := got.Index()
	assert.Equal(t, TypeLogin, idx.Type)
	assert.Equal(t, "GitHub", idx.Title)
	assert.Equal(t, []string{"https://github.com"}, idx.URLs)
}

func TestUnknownKindIsPreserved(t *testing.T) {
	raw := []byte(`{"metadata":{"name":"k"},"kind":"passkey","content":{"rp":"example.com"}}`)
	p, err := Decode(raw)
	require.NoError(t, err)
	u, ok := p.Content.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "passkey", u.Kind)
	assert.Equal(t, TypeUnknown, p.Index().Type)

	// Writing it back keeps the newer client's content.
	out, err := p.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestPayloadRequiresContent(t *testing.T) {
	_, err := (&Payload{Metadata: Metadata{Name: "x"}}).Encode()
	assert.Error(t, err)
}

func TestCloneAndOverlay(t *testing.T) {
	used := time.Unix(100, 0)
	local := &Item{ItemID: "i", Pinned: true, LastUsedAt: &used, URLs: []string{"a"}}
	c := local.Clone()
	c.URLs[0] = "b"
	assert.Equal(t, "a", local.URLs[0])

	remote := &Item{ItemID: "i", Revision: 5}
	remote.WithOverlay(local)
	assert.True(t, remote.Pinned)
	assert.Equal(t, used, *remote.LastUsedAt)
}

func TestFlagsAndState(t *testing.T) {
	f := FlagHasAttachments | FlagSkipHealthCheck
	assert.True(t, f.Has(FlagHasAttachments))
	assert.False(t, Flags(0).Has(FlagHasAttachments))

	var s State
	require.NoError(t, s.UnmarshalJSON([]byte(`"trashed"`)))
	assert.Equal(t, StateTrashed, s)
	assert.Error(t, s.UnmarshalJSON([]byte(`"gone"`)))
}
