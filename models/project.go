package models

import "time"

// Project document keys.
const (
	DocBrief            = "brief"
	DocResearchOutput   = "research_output"
	DocStoryboard       = "storyboard"
	DocStoryboardStatus = "storyboard_status"
	DocVideoStatus      = "video_status"
)

// UploadableDocs are the keys clients may write directly.
var UploadableDocs = map[string]bool{
	DocBrief:          true,
	DocResearchOutput: true,
}

// Document is one JSON document of a project, persisted by the gorm backend.
type Document struct {
	ProjectID string    `gorm:"primaryKey;type:varchar(128)" json:"project_id"`
	Key       string    `gorm:"primaryKey;type:varchar(64)" json:"key"`
	Body      []byte    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Document) TableName() string {
	return "project_document"
}

// Research is the research_output document produced upstream of the pipeline.
type Research struct {
	SelectedScript Script `json:"selected_script"`
}

type Script struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Hook   string        `json:"hook"`
	Tone   string        `json:"tone"`
	Assets ScriptAssets  `json:"assets"`
	Scenes []ScriptScene `json:"scenes"`
}

type ScriptAssets struct {
	Characters   []ScriptAsset `json:"characters"`
	Objects      []ScriptAsset `json:"objects"`
	Environments []ScriptAsset `json:"environments"`
}

type ScriptAsset struct {
	Name         string `json:"name"`
	VisualPrompt string `json:"visual_prompt"`
}

type ScriptScene struct {
	SceneID int    `json:"scene_id"`
	Visual  string `json:"visual"`
	Audio   string `json:"audio"`
}
