package storage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

var _ Bucket = (*s3Bucket)(nil)

// s3Bucket stores objects in an S3-compatible store. Object puts are
// already atomic; RenamePrefix finalizes a staged write by copying the
// commit marker last, which is what readers key visibility off.
type s3Bucket struct {
	client *minio.Client
	bucket string
}

// S3Options carries the connection settings for an S3-compatible backend.
type S3Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// NewS3Bucket connects to an S3-compatible endpoint and ensures the bucket
// exists.
func NewS3Bucket(ctx context.Context, opts S3Options) (Bucket, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect object store")
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", opts.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", opts.Bucket)
		}
	}
	return &s3Bucket{client: client, bucket: opts.Bucket}, nil
}

func (b *s3Bucket) ReadFile(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *s3Bucket) WriteFile(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (b *s3Bucket) DeleteFile(ctx context.Context, key string) error {
	return b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{})
}

func (b *s3Bucket) DeleteFiles(ctx context.Context, prefix string) error {
	keys, err := b.ListFiles(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.DeleteFile(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *s3Bucket) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var keys []string
	for info := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (b *s3Bucket) RenamePrefix(ctx context.Context, oldPrefix, newPrefix, commitKey string) error {
	oldPrefix = strings.TrimSuffix(oldPrefix, "/")
	newPrefix = strings.TrimSuffix(newPrefix, "/")
	keys, err := b.ListFiles(ctx, oldPrefix)
	if err != nil {
		return err
	}
	copyKey := func(key string) error {
		rel := strings.TrimPrefix(key, oldPrefix+"/")
		_, err := b.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: b.bucket, Object: newPrefix + "/" + rel},
			minio.CopySrcOptions{Bucket: b.bucket, Object: key})
		return err
	}
	commit := oldPrefix + "/" + commitKey
	for _, key := range keys {
		if key == commit {
			continue
		}
		if err := copyKey(key); err != nil {
			return err
		}
	}
	// The commit marker lands last; only then does the snapshot become
	// visible to readers.
	if err := copyKey(commit); err != nil {
		return err
	}
	return b.DeleteFiles(ctx, oldPrefix)
}

func (b *s3Bucket) IsNotExist(err error) bool {
	resp := minio.ToErrorResponse(errors.Cause(err))
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
