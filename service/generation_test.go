package service

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ViralLaunch-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitOperationPollsUntilDone(t *testing.T) {
	fake := newFakeGenerator()
	polls := 0
	fake.videoFn = func(req VideoRequest) (*Operation, error) {
		polls++
		if polls < 3 {
			return &Operation{}, nil
		}
		return &Operation{Done: true, Video: &Media{Data: []byte("mp4"), MIMEType: "video/mp4"}}, nil
	}
	handle, err := fake.GenerateVideo(context.Background(), VideoRequest{Prompt: "clip"})
	require.NoError(t, err)

	m, err := WaitOperation(context.Background(), fake, handle, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(m.Data))
	assert.Equal(t, 3, polls)
}

func TestWaitOperationNoVideo(t *testing.T) {
	fake := newFakeGenerator()
	fake.videoFn = func(req VideoRequest) (*Operation, error) {
		return &Operation{Done: true}, nil
	}
	handle, err := fake.GenerateVideo(context.Background(), VideoRequest{Prompt: "clip"})
	require.NoError(t, err)

	_, err = WaitOperation(context.Background(), fake, handle, time.Millisecond)
	assert.ErrorIs(t, err, ErrNoContent)
	assert.Contains(t, err.Error(), "no video returned")
}

func TestResolveReadsLocalArtifacts(t *testing.T) {
	ctx := context.Background()
	artifacts, err := NewLocalArtifactStore(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	key := ArtifactKey("p1/storyboard", models.CategoryFrame, "scene-1")
	url, err := artifacts.Put(ctx, key, bytes.NewReader([]byte("frame")), 5)
	require.NoError(t, err)

	m, err := NewReferenceResolver(artifacts, nil, discardLogger()).Resolve(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(m.Data))
	assert.Equal(t, "image/png", m.MIMEType)
}

func TestResolveFetchesAndCachesRemote(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/busy.png" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	r := NewReferenceResolver(nil, srv.Client(), discardLogger())
	for i := 0; i < 2; i++ {
		m, err := r.Resolve(context.Background(), srv.URL+"/hero.jpg")
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", m.MIMEType)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := r.Resolve(context.Background(), srv.URL+"/busy.png")
	assert.True(t, IsTransient(err))

	_, err = r.Resolve(context.Background(), "ftp://example.com/a.png")
	assert.Error(t, err)
}
