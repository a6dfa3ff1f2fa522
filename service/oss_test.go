package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ViralLaunch-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, "runs/p1/storyboard/frames/scene-1.png", ArtifactKey("p1/storyboard", models.CategoryFrame, "scene-1"))
	assert.Equal(t, "runs/p1/video/clips/clip_02.mp4", ArtifactKey("p1/video", models.CategoryClip, "clip_02"))
	assert.Equal(t, "runs/p1/storyboard/characters/hero.png", ArtifactKey("p1/storyboard", models.CategoryCharacter, "hero"))
	assert.Equal(t, "runs/p1/", ProjectPrefix("p1"))
}

func TestLocalArtifactStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalArtifactStore(root, "http://localhost:8080/")
	require.NoError(t, err)

	key := ArtifactKey("p1/storyboard", models.CategoryFrame, "scene-1")
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	url, err := s.Put(ctx, key, strings.NewReader("png"), 3)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/runs/p1/storyboard/frames/scene-1.png", url)

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Open(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	got, ok := s.KeyFromURL(url)
	assert.True(t, ok)
	assert.Equal(t, key, got)
	_, ok = s.KeyFromURL("https://cdn.example.com/runs/p1/x.png")
	assert.False(t, ok)

	_, err = s.Open(ctx, ArtifactKey("p1/storyboard", models.CategoryFrame, "scene-9"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeletePrefix(ctx, ProjectPrefix("p1")))
	_, err = os.Stat(filepath.Join(root, "runs", "p1"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalArtifactStoreEmptyFileIsMissing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalArtifactStore(root, "")
	require.NoError(t, err)

	key := ArtifactKey("p1/video", models.CategoryClip, "clip_01")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "runs", "p1", "video", "clips"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(key)), nil, 0o644))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalArtifactStoreRejectsTraversal(t *testing.T) {
	s, err := NewLocalArtifactStore(t.TempDir(), "")
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "../escape.png", strings.NewReader("x"), 1)
	assert.Error(t, err)
}
