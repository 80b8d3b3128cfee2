package relayserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"sealdm/internal/domain"
)

// BlobMeta describes a stored attachment.
type BlobMeta struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	MimeType string        `json:"mime_type"`
	Size     int64         `json:"size"`
	Owner    domain.UserID `json:"owner"`
}

// BlobStore keeps attachment bytes in a directory, one file per blob plus a
// JSON sidecar.
type BlobStore struct {
	dir string
}

// NewBlobStore creates dir if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Put copies r into a new blob.
func (s *BlobStore) Put(owner domain.UserID, name, mimeType string, r io.Reader) (BlobMeta, error) {
	meta := BlobMeta{ID: uuid.NewString(), Name: filepath.Base(name), MimeType: mimeType, Owner: owner}

	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return BlobMeta{}, err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return BlobMeta{}, err
	}
	if err := f.Close(); err != nil {
		return BlobMeta{}, err
	}
	meta.Size = n

	mb, err := json.Marshal(meta)
	if err != nil {
		return BlobMeta{}, err
	}
	if err := os.WriteFile(s.metaPath(meta.ID), mb, 0o600); err != nil {
		return BlobMeta{}, err
	}
	if err := os.Rename(tmp, s.dataPath(meta.ID)); err != nil {
		_ = os.Remove(s.metaPath(meta.ID))
		return BlobMeta{}, err
	}
	return meta, nil
}

// Open returns the blob's metadata and a reader over its bytes.
func (s *BlobStore) Open(id string) (BlobMeta, *os.File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return BlobMeta{}, nil, domain.ErrNotFound
	}
	mb, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return BlobMeta{}, nil, domain.ErrNotFound
	}
	if err != nil {
		return BlobMeta{}, nil, err
	}
	var meta BlobMeta
	if err := json.Unmarshal(mb, &meta); err != nil {
		return BlobMeta{}, nil, err
	}
	f, err := os.Open(s.dataPath(id))
	if err != nil {
		return BlobMeta{}, nil, err
	}
	return meta, f, nil
}

func (s *BlobStore) dataPath(id string) string { return filepath.Join(s.dir, id) }
func (s *BlobStore) metaPath(id string) string { return filepath.Join(s.dir, id+".json") }
