// Package keystore holds decrypted share keys in memory for the lifetime of
// one signed-in session. Nothing here is ever persisted. Key bytes live in
// memguard enclaves; lookups are lock-free.
package keystore

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

type ref struct {
	shareID  string
	rotation uint64
}

// Entry is one cached key. Entries are immutable.
type Entry struct {
	ShareID  string
	Rotation uint64
	// Tag is caller-defined metadata stored with the key (the key type).
	Tag     string
	enclave *memguard.Enclave
}

// Open returns the key bytes in a locked buffer. The caller must Destroy it.
func (e *Entry) Open() (*memguard.LockedBuffer, error) {
	buf, err := e.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave for %s/%d: %w", e.ShareID, e.Rotation, err)
	}
	return buf, nil
}

// Store is the in-memory key cache. The zero value is not usable; call New.
type Store struct {
	keys   sync.Map // ref -> *Entry
	latest sync.Map // shareID -> uint64

	// mu serialises structural changes (Forget, Purge) against Put.
	mu sync.Mutex
}

func New() *Store {
	return &Store{}
}

// NewEntry wraps material in an entry that is not cached. Ownership of
// material passes to the entry.
func NewEntry(shareID string, rotation uint64, tag string, material []byte) *Entry {
	return &Entry{
		ShareID:  shareID,
		Rotation: rotation,
		Tag:      tag,
		enclave:  memguard.NewEnclave(material),
	}
}

// Put caches material for (shareID, rotation). Ownership of material passes
// to the store and the slice is wiped.
func (s *Store) Put(shareID string, rotation uint64, tag string, material []byte) *Entry {
	e := NewEntry(shareID, rotation, tag, material)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Store(ref{shareID, rotation}, e)
	return e
}

// Get returns the cached entry for (shareID, rotation).
func (s *Store) Get(shareID string, rotation uint64) (*Entry, bool) {
	v, ok := s.keys.Load(ref{shareID, rotation})
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Latest returns the latest rotation known for shareID.
func (s *Store) Latest(shareID string) (uint64, bool) {
	v, ok := s.latest.Load(shareID)
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// SetLatest raises the latest-rotation marker. Lower values are ignored.
func (s *Store) SetLatest(shareID string, rotation uint64) {
	for {
		v, loaded := s.latest.LoadOrStore(shareID, rotation)
		if !loaded {
			return
		}
		cur := v.(uint64)
		if rotation <= cur || s.latest.CompareAndSwap(shareID, cur, rotation) {
			return
		}
	}
}

// Forget drops every key and the latest marker of shareID.
func (s *Store) Forget(shareID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Range(func(k, _ any) bool {
		if k.(ref).shareID == shareID {
			s.keys.Delete(k)
		}
		return true
	})
	s.latest.Delete(shareID)
}

// Len returns the number of cached keys.
func (s *Store) Len() int {
	n := 0
	s.keys.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Purge drops everything. Called on sign-out.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Clear()
	s.latest.Clear()
}
