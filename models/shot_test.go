package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVideoStatusPlaylistOnlyWhenTerminal(t *testing.T) {
	run := &Run{
		Status: RunStatusProcessing,
		Items: []Item{
			{ID: ClipID(1), Category: CategoryClip, DependsOn: "scene-1", Status: ItemStatusCompleted, Output: "/runs/p/video/clips/clip_01.mp4"},
			{ID: ClipID(2), Category: CategoryClip, DependsOn: "scene-2", Status: ItemStatusFailed, Error: "no video returned"},
			{ID: ClipID(3), Category: CategoryClip, DependsOn: "scene-3", Status: ItemStatusCompleted, Output: "/runs/p/video/clips/clip_03.mp4"},
		},
	}
	run.Recount()

	vs := NewVideoStatus(run)
	assert.Nil(t, vs.Playlist)
	require.Len(t, vs.Clips, 3)
	assert.Equal(t, "scene-2", vs.Clips[1].FrameID)

	run.Status = RunStatusCompletedWithErrors
	vs = NewVideoStatus(run)
	assert.Equal(t, []string{
		"/runs/p/video/clips/clip_01.mp4",
		"/runs/p/video/clips/clip_03.mp4",
	}, vs.Playlist)
}

func TestNewStoryboardGroupsAssets(t *testing.T) {
	run := &Run{Items: []Item{
		{ID: "hero", Category: CategoryCharacter, Name: "Hero", Status: ItemStatusCompleted, Output: "u1"},
		{ID: "bottle", Category: CategoryObject, Name: "Bottle", Status: ItemStatusFailed},
		{ID: "scene-1", Category: CategoryFrame, Order: 1, Description: "macro", AudioPrompt: "Stop.", Status: ItemStatusCompleted, Output: "u2"},
	}}
	sb := NewStoryboard("s1", run)
	assert.Equal(t, "s1", sb.ScriptID)
	require.Len(t, sb.Assets["characters"], 1)
	assert.Equal(t, "u1", sb.Assets["characters"][0].ImageURL)
	assert.Equal(t, ItemStatusFailed, sb.Assets["objects"][0].Status)
	require.Len(t, sb.Frames, 1)
	assert.Equal(t, 1, sb.Frames[0].SceneID)
	assert.Equal(t, "Stop.", sb.Frames[0].AudioPrompt)
}

func TestClipAndFrameIDs(t *testing.T) {
	assert.Equal(t, "clip_01", ClipID(1))
	assert.Equal(t, "clip_12", ClipID(12))
	assert.Equal(t, "scene-3", FrameID(3))
}
