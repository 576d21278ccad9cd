package attachment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	icrypto "github.com/jmcleod/ironpass/internal/crypto"
	"github.com/jmcleod/ironpass/internal/util"
)

// ErrBlobNotFound is returned by BlobStore.Get for unknown IDs.
var ErrBlobNotFound = errors.New("attachment blob not found")

// BlobStore keeps encrypted attachment bytes.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Uploader encrypts files with a fresh key per attachment, stores the
// ciphertext and stages the key for the next item mutation.
type Uploader struct {
	blobs BlobStore
	rec   *Reconciler
}

func NewUploader(blobs BlobStore, rec *Reconciler) *Uploader {
	return &Uploader{blobs: blobs, rec: rec}
}

// Upload returns the pending ID the attachment is staged under.
func (u *Uploader) Upload(ctx context.Context, data []byte) (string, error) {
	key, err := util.NewAESKey()
	if err != nil {
		return "", fmt.Errorf("generating attachment key: %w", err)
	}
	defer util.WipeBytes(key)

	pendingID := uuid.NewString()
	ct, err := util.SealAES(key, data, icrypto.AADAttachmentBlob(pendingID))
	if err != nil {
		return "", fmt.Errorf("encrypting attachment: %w", err)
	}
	if err := u.blobs.Put(ctx, pendingID, ct); err != nil {
		return "", fmt.Errorf("storing attachment: %w", err)
	}
	if err := u.rec.AddToLink(ctx, pendingID, util.CopyBytes(key)); err != nil {
		return "", err
	}
	return pendingID, nil
}

// Download fetches and decrypts an attachment with its key.
func (u *Uploader) Download(ctx context.Context, pendingID string, key []byte) ([]byte, error) {
	ct, err := u.blobs.Get(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	pt, err := util.OpenAES(key, ct, icrypto.AADAttachmentBlob(pendingID))
	if err != nil {
		return nil, fmt.Errorf("decrypting attachment %s: %w", pendingID, err)
	}
	return pt, nil
}

// Discard deletes the blob of a staged attachment. The staged key stays
// until the edit is committed or cleared.
func (u *Uploader) Discard(ctx context.Context, pendingID string) error {
	return u.blobs.Delete(ctx, pendingID)
}

// MemoryBlobStore is a BlobStore kept in process memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = util.CopyBytes(data)
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrBlobNotFound)
	}
	return util.CopyBytes(b), nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}
