package models

import "fmt"

// ClipDurationSeconds is the duration hint sent with every clip request.
const ClipDurationSeconds = 6

// Storyboard is the storyboard document written when a storyboard run finishes.
type Storyboard struct {
	ScriptID string                       `json:"script_id"`
	Degraded bool                         `json:"degraded,omitempty"`
	Assets   map[string][]StoryboardAsset `json:"assets"`
	Frames   []StoryboardFrame            `json:"storyboard_frames"`
}

type StoryboardAsset struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	ImageURL string     `json:"image_url"`
	Status   ItemStatus `json:"status"`
}

type StoryboardFrame struct {
	FrameID     string     `json:"frame_id"`
	SceneID     int        `json:"scene_id"`
	Description string     `json:"description"`
	ImageURL    string     `json:"image_url"`
	AudioPrompt string     `json:"audio_prompt"`
	Status      ItemStatus `json:"status"`
}

// FrameID names the frame item of a scene.
func FrameID(sceneID int) string { return fmt.Sprintf("scene-%d", sceneID) }

// ClipID names the clip of the n-th frame, counted from 1.
func ClipID(n int) string { return fmt.Sprintf("clip_%02d", n) }

// NewStoryboard builds the storyboard document from a run snapshot.
func NewStoryboard(scriptID string, run *Run) *Storyboard {
	sb := &Storyboard{
		ScriptID: scriptID,
		Degraded: run.Degraded,
		Assets:   map[string][]StoryboardAsset{},
	}
	for _, it := range run.Items {
		switch it.Category {
		case CategoryCharacter, CategoryObject, CategoryEnvironment:
			dir := it.Category.Dir()
			sb.Assets[dir] = append(sb.Assets[dir], StoryboardAsset{
				ID:       it.ID,
				Name:     it.Name,
				ImageURL: it.Output,
				Status:   it.Status,
			})
		case CategoryFrame:
			sb.Frames = append(sb.Frames, StoryboardFrame{
				FrameID:     it.ID,
				SceneID:     it.Order,
				Description: it.Description,
				ImageURL:    it.Output,
				AudioPrompt: it.AudioPrompt,
				Status:      it.Status,
			})
		}
	}
	return sb
}

// ClipView is the frontend-facing state of a single clip.
type ClipView struct {
	ClipID       string     `json:"clip_id"`
	FrameID      string     `json:"frame_id"`
	Status       ItemStatus `json:"status"`
	Progress     int        `json:"progress"`
	Duration     int        `json:"duration"`
	VideoURL     string     `json:"video_url,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Description  string     `json:"description,omitempty"`
	AudioPrompt  string     `json:"audio_prompt,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// VideoStatus is the response of the clip status endpoint.
type VideoStatus struct {
	Status    RunStatus  `json:"status"`
	Phase     Phase      `json:"phase,omitempty"`
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Progress  float64    `json:"progress"`
	Error     string     `json:"error,omitempty"`
	Clips     []ClipView `json:"generated_clips"`
	Playlist  []string   `json:"playlist"`
}

// NewVideoStatus projects a video run onto the clip status view. The
// playlist lists completed clips in order once the run is terminal.
func NewVideoStatus(run *Run) *VideoStatus {
	vs := &VideoStatus{
		Status:    run.Status,
		Phase:     run.Phase,
		Total:     run.Total,
		Completed: run.Completed,
		Failed:    run.Failed,
		Progress:  run.Progress,
		Error:     run.Error,
		Clips:     []ClipView{},
	}
	if run.Status.Terminal() {
		vs.Playlist = []string{}
	}
	for _, it := range run.ItemsIn(CategoryClip) {
		vs.Clips = append(vs.Clips, ClipView{
			ClipID:       it.ID,
			FrameID:      it.DependsOn,
			Status:       it.Status,
			Progress:     it.Progress,
			Duration:     it.Duration,
			VideoURL:     it.Output,
			ThumbnailURL: it.ReferenceImage,
			Description:  it.Description,
			AudioPrompt:  it.AudioPrompt,
			Error:        it.Error,
		})
		if run.Status.Terminal() && it.Status == ItemStatusCompleted {
			vs.Playlist = append(vs.Playlist, it.Output)
		}
	}
	return vs
}
