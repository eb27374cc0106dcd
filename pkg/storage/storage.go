// Package storage persists uploaded document blobs behind a small interface
// so the pipeline never touches paths directly.
package storage

import "errors"

// ErrNotFound is returned when a ref does not resolve to a stored blob.
var ErrNotFound = errors.New("blob not found")

// Store saves and loads immutable blobs by opaque ref.
type Store interface {
	Save(data []byte, ext string) (ref string, err error)
	Load(ref string) ([]byte, error)
	Remove(ref string) error
}
