// Package archive keeps compressed page snapshots in an S3-compatible
// bucket, one object per saved version.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gcphost/pagehub.dev-sub001/internal/snapshot"
)

var ErrNotFound = errors.New("archived snapshot not found")

const (
	keyPrefix   = "pages/"
	keySuffix   = ".json.zst"
	contentType = "application/zstd"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Entry describes one archived version.
type Entry struct {
	PageID     string    `json:"pageId"`
	Version    int64     `json:"version"`
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archivedAt"`
}

type Archive struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// Put stores page as version of pageID and returns the object key.
func (a *Archive) Put(ctx context.Context, pageID string, version int64, page snapshot.Page) (string, error) {
	blob, err := snapshot.Encode(page)
	if err != nil {
		return "", err
	}
	key := objectKey(pageID, version)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"page-id": pageID,
			"version": strconv.FormatInt(version, 10),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (a *Archive) Get(ctx context.Context, pageID string, version int64) (snapshot.Page, error) {
	key := objectKey(pageID, version)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return snapshot.Page{}, wrapGetError(key, err)
	}
	defer obj.Close()
	blob, err := io.ReadAll(obj)
	if err != nil {
		return snapshot.Page{}, wrapGetError(key, err)
	}
	return snapshot.Decode(blob)
}

// List returns the archived versions of pageID, newest first.
func (a *Archive) List(ctx context.Context, pageID string) ([]Entry, error) {
	prefix := keyPrefix + pageID + "/"
	entries := make([]Entry, 0)
	for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, info.Err)
		}
		id, version, ok := parseKey(info.Key)
		if !ok || id != pageID {
			continue
		}
		entries = append(entries, Entry{
			PageID:     id,
			Version:    version,
			Key:        info.Key,
			Size:       info.Size,
			ArchivedAt: info.LastModified,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version > entries[j].Version })
	return entries, nil
}

// Ping checks that the bucket is still reachable.
func (a *Archive) Ping(ctx context.Context) error {
	ok, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s is gone", a.bucket)
	}
	return nil
}

func wrapGetError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", key, err)
}

// Versions are zero padded so a plain listing sorts in version order.
func objectKey(pageID string, version int64) string {
	return fmt.Sprintf("%s%s/%012d%s", keyPrefix, pageID, version, keySuffix)
}

func parseKey(key string) (string, int64, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", 0, false
	}
	rest, ok = strings.CutSuffix(rest, keySuffix)
	if !ok {
		return "", 0, false
	}
	pageID, raw, ok := strings.Cut(rest, "/")
	if !ok || pageID == "" {
		return "", 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 {
		return "", 0, false
	}
	return pageID, version, true
}
