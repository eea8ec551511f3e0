// Package objectstore is the S3-compatible cleanup provider. Tracked files are
// object keys; the scan lists objects modified during a run.
package objectstore

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/providers/provider"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

// DefaultRegion is used when the configuration names none, so the client
// never has to ask the server for the bucket location.
const DefaultRegion = "us-east-1"

// Provider removes objects from one default bucket.
type Provider struct {
	client *minio.Client
	cfg    schema.ObjectStoreProvider
	logger *slog.Logger
}

// Open builds a client. Endpoint may be "host:port" or a full http(s) URL;
// a URL scheme overrides UseSSL.
func Open(cfg schema.ObjectStoreProvider, creds secrets.Credentials, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "objectstore bucket is required")
	}
	endpoint, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "objectstore client: %v", err).WithCause(err)
	}
	return &Provider{client: client, cfg: cfg, logger: logger}, nil
}

func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", false, schema.NewError(schema.ErrCodeValidation, "objectstore endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", false, schema.NewErrorf(schema.ErrCodeValidation, "invalid objectstore endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, schema.NewErrorf(schema.ErrCodeValidation, "unsupported objectstore scheme %q", u.Scheme)
	}
}

func (p *Provider) Kind() schema.ProviderKind { return schema.ProviderObjectStore }

func (p *Provider) Identity() schema.ProviderConfig {
	cfg := p.cfg
	return schema.ProviderConfig{Kind: schema.ProviderObjectStore, ObjectStore: &cfg}
}

func (p *Provider) Handlers() map[string]cleanup.Handler {
	return map[string]cleanup.Handler{"file": p.deleteFile}
}

func (p *Provider) DefaultTypeMap() map[string]string {
	return map[string]string{
		"file":   "file",
		"object": "file",
		"upload": "file",
	}
}

// Close is a no-op; the client holds no connections of its own.
func (p *Provider) Close() error { return nil }

// deleteFile removes the object keyed by the resource id. Metadata "bucket"
// overrides the configured bucket. A missing object counts as deleted.
func (p *Provider) deleteFile(ctx context.Context, r schema.TrackedResource) error {
	bucket := r.MetaString("bucket")
	if bucket == "" {
		bucket = p.cfg.Bucket
	}
	key := strings.TrimPrefix(r.ID, "/")
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "file resource has an empty key")
	}

	err := p.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		p.logger.Debug("object already absent", slog.String("bucket", bucket), slog.String("key", key))
		return nil
	case "NoSuchBucket":
		return schema.NewErrorf(schema.ErrCodeProvider, "bucket %s does not exist", bucket).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeProvider, "remove %s/%s: %v", bucket, key, err).WithCause(err)
}

// Scan lists every object in the default bucket modified at or after since.
func (p *Provider) Scan(ctx context.Context, since time.Time, visit provider.VisitFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := p.client.ListObjects(ctx, p.cfg.Bucket, minio.ListObjectsOptions{
		Recursive:    true,
		WithMetadata: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return schema.NewErrorf(schema.ErrCodeProvider, "list %s: %v", p.cfg.Bucket, obj.Err).WithCause(obj.Err)
		}
		if obj.LastModified.Before(since) {
			continue
		}
		owner := ownerOf(obj.UserMetadata)
		rec := provider.Record{
			Collection: p.cfg.Bucket,
			ID:         obj.Key,
			Type:       "file",
			CreatedAt:  obj.LastModified,
			Owner:      owner,
			Data: map[string]any{
				"key":          obj.Key,
				"size":         obj.Size,
				"content_type": obj.ContentType,
				"owner":        owner,
			},
			Metadata: map[string]any{"bucket": p.cfg.Bucket},
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
	return nil
}

// ownerOf reads the "owner" user metadata under any of the spellings S3
// servers return it as.
func ownerOf(meta map[string]string) string {
	for k, v := range meta {
		name := strings.ToLower(k)
		name = strings.TrimPrefix(name, "x-amz-meta-")
		if name == "owner" {
			return v
		}
	}
	return ""
}
