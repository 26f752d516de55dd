package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig contains S3-compatible backup configuration
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	Prefix    string
}

// ObjectBackend stores one JSON object per checkpoint on S3-compatible storage.
type ObjectBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectBackend creates a minio-backed checkpoint backup
func NewObjectBackend(cfg ObjectConfig) (*ObjectBackend, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	return &ObjectBackend{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// Name implements Backend.
func (o *ObjectBackend) Name() string {
	return "s3:" + o.bucket
}

func (o *ObjectBackend) key(sessionID, id string) string {
	return path.Join(o.prefix, sessionID, id+".json")
}

func (o *ObjectBackend) listPrefix(sessionID string) string {
	p := o.prefix
	if sessionID != "" {
		p = path.Join(p, sessionID)
	}
	if p == "" {
		return ""
	}
	return p + "/"
}

// Put implements Backend.
func (o *ObjectBackend) Put(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = o.client.PutObject(ctx, o.bucket, o.key(rec.SessionID, rec.ID), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (o *ObjectBackend) read(ctx context.Context, key string) (*Record, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, o.mapErr(err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, o.mapErr(err)
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: unreadable object %s: %v", ErrChecksumMismatch, key, err)
	}
	return &rec, nil
}

func (o *ObjectBackend) mapErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return err
}

// find locates the object key of a checkpoint id regardless of session.
func (o *ObjectBackend) find(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	suffix := "/" + id + ".json"
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: o.listPrefix(""), Recursive: true}) {
		if obj.Err != nil {
			return "", obj.Err
		}
		if strings.HasSuffix("/"+obj.Key, suffix) {
			return obj.Key, nil
		}
	}
	return "", ErrNotFound
}

// Get implements Backend.
func (o *ObjectBackend) Get(ctx context.Context, id string) (*Record, error) {
	key, err := o.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.read(ctx, key)
}

// List implements Backend.
func (o *ObjectBackend) List(ctx context.Context, filter Filter) ([]*Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []*Record
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: o.listPrefix(filter.SessionID), Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		rec, err := o.read(ctx, obj.Key)
		if err != nil {
			continue
		}
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SetStatus implements Backend.
func (o *ObjectBackend) SetStatus(ctx context.Context, id string, status Status) error {
	rec, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = status
	return o.Put(ctx, rec)
}

// Supersede implements Backend.
func (o *ObjectBackend) Supersede(ctx context.Context, sessionID, entityType, keepID string) error {
	recs, err := o.List(ctx, Filter{SessionID: sessionID, EntityType: entityType})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.ID == keepID || rec.Status != StatusActive {
			continue
		}
		rec.Status = StatusSuperseded
		if err := o.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements Backend.
func (o *ObjectBackend) Delete(ctx context.Context, id string) error {
	key, err := o.find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.client.RemoveObject(ctx, o.bucket, key, minio.RemoveObjectOptions{})
}

// Close implements Backend.
func (o *ObjectBackend) Close() error {
	return nil
}
