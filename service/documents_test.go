package service

import (
	"context"
	"path/filepath"
	"testing"

	"ViralLaunch-server/config"
	"ViralLaunch-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func documentStores(t *testing.T) map[string]DocumentStore {
	t.Helper()
	file, err := NewFileDocumentStore(t.TempDir())
	require.NoError(t, err)

	db, err := models.InitDB(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "documents.db"),
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return map[string]DocumentStore{
		"file": file,
		"gorm": NewGormDocumentStore(db),
	}
}

func TestDocumentStores(t *testing.T) {
	for name, docs := range documentStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := docs.Get(ctx, "p1", models.DocResearchOutput)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, docs.Put(ctx, "p1", models.DocResearchOutput, []byte(`{"v":1}`)))
			require.NoError(t, docs.Put(ctx, "p1", models.DocResearchOutput, []byte(`{"v":2}`)))
			require.NoError(t, docs.Put(ctx, "p2", models.DocBrief, []byte(`{}`)))

			body, err := docs.Get(ctx, "p1", models.DocResearchOutput)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(body))

			ids, err := docs.Projects(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

			require.NoError(t, docs.DeleteProject(ctx, "p1"))
			_, err = docs.Get(ctx, "p1", models.DocResearchOutput)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = docs.Get(ctx, "p2", models.DocBrief)
			assert.NoError(t, err)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	docs, err := NewFileDocumentStore(t.TempDir())
	require.NoError(t, err)

	in := models.Storyboard{ScriptID: "s1", Frames: []models.StoryboardFrame{{FrameID: "scene-1", SceneID: 1}}}
	require.NoError(t, PutJSON(ctx, docs, "p1", models.DocStoryboard, in))

	var out models.Storyboard
	require.NoError(t, GetJSON(ctx, docs, "p1", models.DocStoryboard, &out))
	assert.Equal(t, "s1", out.ScriptID)
	require.Len(t, out.Frames, 1)

	require.NoError(t, docs.Put(ctx, "p1", models.DocBrief, []byte("not json")))
	assert.Error(t, GetJSON(ctx, docs, "p1", models.DocBrief, &out))
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("launch-42"))
	assert.True(t, ValidName("research_output"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("../etc"))
	assert.False(t, ValidName("a/b"))
	assert.False(t, ValidName(".hidden"))
}
