package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var _ Bucket = (*localBucket)(nil)

// localBucket stores objects as files under a root directory. Writes go
// through a temp file plus rename so a crash never leaves a readable
// half-file; prefix renames use a single directory rename when the target
// does not exist yet.
type localBucket struct {
	root string
}

// NewLocalBucket creates the root directory if needed and returns a
// filesystem-backed bucket.
func NewLocalBucket(root string) (Bucket, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", root)
	}
	return &localBucket{root: root}, nil
}

func (b *localBucket) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *localBucket) ReadFile(_ context.Context, key string) ([]byte, error) {
	return os.ReadFile(b.path(key))
}

func (b *localBucket) WriteFile(_ context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (b *localBucket) DeleteFile(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *localBucket) DeleteFiles(_ context.Context, prefix string) error {
	return os.RemoveAll(b.path(prefix))
}

func (b *localBucket) ListFiles(_ context.Context, prefix string) ([]string, error) {
	root := b.path(prefix)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(b.root, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return nil, nil
	}
	return keys, err
}

func (b *localBucket) RenamePrefix(ctx context.Context, oldPrefix, newPrefix, commitKey string) error {
	oldPath := b.path(oldPrefix)
	newPath := b.path(newPrefix)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(newPath); os.IsNotExist(err) {
		// Whole-directory rename is atomic on the same filesystem.
		return os.Rename(oldPath, newPath)
	}
	// Target exists (overwriting a failed snapshot): move files one by
	// one, commit marker last.
	keys, err := b.ListFiles(ctx, oldPrefix)
	if err != nil {
		return err
	}
	move := func(key string) error {
		rel := strings.TrimPrefix(key, strings.TrimSuffix(oldPrefix, "/")+"/")
		dst := b.path(newPrefix + "/" + rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.Rename(b.path(key), dst)
	}
	commit := strings.TrimSuffix(oldPrefix, "/") + "/" + commitKey
	for _, key := range keys {
		if key == commit {
			continue
		}
		if err := move(key); err != nil {
			return err
		}
	}
	if err := move(commit); err != nil {
		return err
	}
	return os.RemoveAll(oldPath)
}

func (b *localBucket) IsNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}
