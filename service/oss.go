package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ViralLaunch-server/config"
	"ViralLaunch-server/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore holds generated media. Keys are slash separated.
type ArtifactStore interface {
	// Put stores the object and returns its public reference.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	URL(ctx context.Context, key string) (string, error)
	// KeyFromURL maps a reference produced by this store back to its key.
	KeyFromURL(ref string) (string, bool)
	DeletePrefix(ctx context.Context, prefix string) error
}

// ArtifactKey is the deterministic storage key of an item's output.
func ArtifactKey(runID string, cat models.Category, itemID string) string {
	return path.Join("runs", runID, cat.Dir(), itemID+cat.Ext())
}

// ProjectPrefix is the key prefix of every artifact of a project.
func ProjectPrefix(projectID string) string {
	return path.Join("runs", projectID) + "/"
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	return "application/octet-stream"
}

// LocalArtifactStore writes artifacts under a directory served at baseURL.
type LocalArtifactStore struct {
	root    string
	baseURL string
}

func NewLocalArtifactStore(root, baseURL string) (*LocalArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalArtifactStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalArtifactStore) Root() string { return s.root }

func (s *LocalArtifactStore) file(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != key {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes through a temp file so Exists never reports a partial artifact.
func (s *LocalArtifactStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	p, err := s.file(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename artifact %s: %w", key, err)
	}
	return s.URL(ctx, key)
}

func (s *LocalArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.file(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}

func (s *LocalArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.file(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}
	return f, err
}

func (s *LocalArtifactStore) URL(ctx context.Context, key string) (string, error) {
	return s.baseURL + "/" + key, nil
}

func (s *LocalArtifactStore) KeyFromURL(ref string) (string, bool) {
	key := ref
	if s.baseURL != "" && strings.HasPrefix(ref, s.baseURL+"/") {
		key = strings.TrimPrefix(ref, s.baseURL+"/")
	} else if strings.Contains(ref, "://") {
		return "", false
	}
	key = strings.TrimPrefix(key, "/")
	if !strings.HasPrefix(key, "runs/") {
		return "", false
	}
	return key, true
}

func (s *LocalArtifactStore) DeletePrefix(ctx context.Context, prefix string) error {
	p, err := s.file(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

// MinIOArtifactStore stores artifacts in a bucket and hands out presigned URLs.
type MinIOArtifactStore struct {
	client *minio.Client
	bucket string
	domain string
	expiry time.Duration
	logger *slog.Logger
}

func NewMinIOArtifactStore(ctx context.Context, cfg config.MinIOConfig, logger *slog.Logger) (*MinIOArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 72 * time.Hour
	}
	s := &MinIOArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		domain: strings.TrimRight(cfg.Domain, "/"),
		expiry: expiry,
		logger: logger.With("component", "minio"),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinIOArtifactStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		s.logger.Info("bucket created", "bucket", s.bucket)
	}
	return nil
}

func (s *MinIOArtifactStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug("artifact uploaded", "key", key)
	return s.URL(ctx, key)
}

func (s *MinIOArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size > 0, nil
}

func (s *MinIOArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return obj, nil
}

func (s *MinIOArtifactStore) URL(ctx context.Context, key string) (string, error) {
	if s.domain != "" {
		return s.domain + "/" + s.bucket + "/" + key, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (s *MinIOArtifactStore) KeyFromURL(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if s.domain != "" && strings.HasPrefix(ref, s.domain+"/") {
		u, _ = url.Parse(strings.TrimPrefix(ref, s.domain))
	} else if u.Host != s.client.EndpointURL().Host {
		return "", false
	}
	key, ok := strings.CutPrefix(strings.TrimPrefix(u.Path, "/"), s.bucket+"/")
	return key, ok && key != ""
}

func (s *MinIOArtifactStore) DeletePrefix(ctx context.Context, prefix string) error {
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", obj.Key, err)
		}
	}
	return nil
}
