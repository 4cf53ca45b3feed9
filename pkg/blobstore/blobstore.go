// Package blobstore provides the blob storage surface the pipeline persists
// per-template contract artifacts to: upload-by-path, download-by-path and
// list-by-prefix over an S3-compatible backend.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the storage surface consumed by the uploader and the
// reconstructor.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config configures an S3-compatible blob store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	KeyPrefix string
}

// S3Store is a minio-backed Store.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 creates a blob store against an S3-compatible backend and verifies
// the bucket exists.
func NewS3(ctx context.Context, cfg Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
	}, nil
}

func (s *S3Store) key(path string) string {
	path = strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// Put uploads data under path.
func (s *S3Store) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(path), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

// Get downloads the object stored under path.
func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// List returns the paths of all objects under prefix, with the store's key
// prefix stripped back off.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var paths []string
	for obj := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		p := obj.Key
		if s.prefix != "" {
			p = strings.TrimPrefix(p, s.prefix+"/")
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// SanitizeTemplateID converts a template identifier into a path-safe
// artifact name. Both historical separator conventions (":" and ".") map to
// the same name so readers can match either.
func SanitizeTemplateID(templateID string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "/", "_", "#", "_")
	return r.Replace(templateID)
}

// ArtifactPath returns the storage path for a template artifact within a
// snapshot's namespace.
func ArtifactPath(snapshotID, templateID string) string {
	return fmt.Sprintf("acs/%s/%s.json", snapshotID, SanitizeTemplateID(templateID))
}
