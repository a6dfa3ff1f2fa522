package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"
)

// Generator is the boundary to the external generation service.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateImage(ctx context.Context, req ImageRequest) (*Media, error)
	// GenerateVideo starts a long-running operation and returns its handle.
	GenerateVideo(ctx context.Context, req VideoRequest) (string, error)
	PollOperation(ctx context.Context, handle string) (*Operation, error)
}

// Media is generated or referenced binary content.
type Media struct {
	Data     []byte
	MIMEType string
}

type ImageRequest struct {
	Prompt          string
	ReferenceImages []string
}

type VideoRequest struct {
	Prompt          string
	ReferenceImage  string
	DurationSeconds int
}

// Operation is the state of a long-running video generation.
type Operation struct {
	Handle string
	Done   bool
	Video  *Media
	// Err is set when the operation finished without a usable result.
	Err error
}

// WaitOperation polls the operation at interval until it is done.
func WaitOperation(ctx context.Context, gen Generator, handle string, interval time.Duration) (*Media, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("polling %s: %w", handle, ctx.Err())
		case <-ticker.C:
			op, err := gen.PollOperation(ctx, handle)
			if err != nil {
				return nil, fmt.Errorf("polling %s: %w", handle, err)
			}
			if !op.Done {
				continue
			}
			if op.Err != nil {
				return nil, op.Err
			}
			if op.Video == nil || len(op.Video.Data) == 0 {
				return nil, fmt.Errorf("%w: no video returned", ErrNoContent)
			}
			return op.Video, nil
		}
	}
}

// ReferenceResolver turns reference image strings (artifact URLs, keys or
// remote URLs) into image bytes. Remote fetches are cached.
type ReferenceResolver struct {
	artifacts ArtifactStore
	client    *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*Media
}

func NewReferenceResolver(artifacts ArtifactStore, client *http.Client, logger *slog.Logger) *ReferenceResolver {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ReferenceResolver{
		artifacts: artifacts,
		client:    client,
		logger:    logger.With("component", "reference_resolver"),
		cache:     make(map[string]*Media),
	}
}

func (r *ReferenceResolver) Resolve(ctx context.Context, ref string) (*Media, error) {
	if ref == "" {
		return nil, errors.New("empty reference")
	}
	if r.artifacts != nil {
		if key, ok := r.artifacts.KeyFromURL(ref); ok {
			rc, err := r.artifacts.Open(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("open reference %s: %w", key, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return nil, fmt.Errorf("read reference %s: %w", key, err)
			}
			return &Media{Data: data, MIMEType: contentTypeFor(key)}, nil
		}
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil, fmt.Errorf("unsupported reference %q", ref)
	}

	r.mu.Lock()
	m, ok := r.cache[ref]
	r.mu.Unlock()
	if ok {
		return m, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch reference: status %d", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return nil, &TransientError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read reference: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = contentTypeFor(path.Base(req.URL.Path))
	}
	m = &Media{Data: data, MIMEType: mime}

	r.mu.Lock()
	r.cache[ref] = m
	r.mu.Unlock()
	r.logger.Debug("reference fetched", "url", ref, "bytes", len(data))
	return m, nil
}
