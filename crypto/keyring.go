package crypto

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/ironpass/errs"
)

// Keyring holds the address keys of one signed-in user.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*AddressKey
}

// NewKeyring returns a keyring containing keys.
func NewKeyring(keys ...*AddressKey) *Keyring {
	k := &Keyring{keys: make(map[string]*AddressKey, len(keys))}
	for _, a := range keys {
		k.Add(a)
	}
	return k
}

// Add registers a, replacing any key with the same ID.
func (k *Keyring) Add(a *AddressKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[a.ID()] = a
}

// Get returns the address key for id.
func (k *Keyring) Get(id string) (*AddressKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	a, ok := k.keys[id]
	return a, ok
}

// IDs returns the registered address IDs in sorted order.
func (k *Keyring) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unwrap opens a share key sealed to addressID. A missing address or a
// wrap that does not open yields errs.ErrKeyUnavailable.
func (k *Keyring) Unwrap(addressID string, wrap *SealedWrap, aad []byte) ([]byte, error) {
	a, ok := k.Get(addressID)
	if !ok {
		return nil, fmt.Errorf("address %s not in keyring: %w", addressID, errs.ErrKeyUnavailable)
	}
	key, err := a.Open(wrap, aad)
	if err != nil {
		return nil, fmt.Errorf("unwrapping with address %s: %w: %w", addressID, errs.ErrKeyUnavailable, err)
	}
	return key, nil
}

// Destroy destroys and removes every key.
func (k *Keyring) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, a := range k.keys {
		a.Destroy()
		delete(k.keys, id)
	}
}
