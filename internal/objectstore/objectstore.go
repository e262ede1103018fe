// Package objectstore holds uploaded document bytes, either on local disk
// or behind an HTTP blob service.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("objectstore: not found")

// Store reads and writes opaque blobs by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DocumentKey is where an owner's upload lives.
func DocumentKey(ownerID int64, docID, filename string) string {
	name := path.Base("/" + filename)
	if name == "/" || name == "." {
		name = "upload"
	}
	return fmt.Sprintf("users/%d/documents/%s/%s", ownerID, docID, name)
}

// cleanKey rejects keys that could escape the store's namespace.
func cleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" || k != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return k, nil
}
