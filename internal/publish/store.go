// Package publish uploads staged artifacts to object storage.
package publish

import (
	"context"
	"strings"
)

// Store persists artifacts under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, content []byte) error
}

// Key joins a prefix and a relative artifact path into an object key.
func Key(prefix, rel string) string {
	rel = strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(rel), `\`, "/"), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}
