package storage

import (
	"context"
)

// Bucket is the minimal object-store surface the provider is built on.
// Keys are slash-separated and relative to the bucket root. WriteFile must
// be atomic at the object level: a crashed write never yields a readable
// half-object.
type Bucket interface {
	// ReadFile returns the object at key. Missing keys return an error
	// for which IsNotExist reports true.
	ReadFile(ctx context.Context, key string) ([]byte, error)

	// WriteFile atomically creates or replaces the object at key.
	WriteFile(ctx context.Context, key string, data []byte) error

	// DeleteFile removes the object at key; deleting a missing key is not
	// an error.
	DeleteFile(ctx context.Context, key string) error

	// DeleteFiles removes every object under prefix.
	DeleteFiles(ctx context.Context, prefix string) error

	// ListFiles returns the keys of all objects under prefix, recursively.
	ListFiles(ctx context.Context, prefix string) ([]string, error)

	// RenamePrefix moves every object under oldPrefix to newPrefix and
	// guarantees the object named commitKey (relative to the prefix)
	// becomes visible last. Readers that require commitKey therefore never
	// observe a partially moved prefix.
	RenamePrefix(ctx context.Context, oldPrefix, newPrefix, commitKey string) error

	// IsNotExist reports whether err means the requested key is absent.
	IsNotExist(err error) bool
}
