package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DiskStore keeps blobs under a base directory, sharded by the first two
// hex chars of a uuid ref to keep directories small.
type DiskStore struct {
	Base string
}

func NewDiskStore(base string) (*DiskStore, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create storage base %s: %w", base, err)
	}
	return &DiskStore{Base: base}, nil
}

func (s *DiskStore) Save(data []byte, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	id := uuid.NewString()
	ref := id[:2] + "/" + id
	if ext != "" {
		ref += "." + ext
	}
	full := filepath.Join(s.Base, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return ref, nil
}

func (s *DiskStore) Load(ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.Base, filepath.FromSlash(ref)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *DiskStore) Remove(ref string) error {
	if !validRef(ref) {
		return ErrNotFound
	}
	err := os.Remove(filepath.Join(s.Base, filepath.FromSlash(ref)))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// validRef rejects refs that could escape the base dir.
func validRef(ref string) bool {
	return ref != "" && !strings.Contains(ref, "..") && !strings.HasPrefix(ref, "/")
}
