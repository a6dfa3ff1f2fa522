package models

import "time"

// Item status values. Transitions only move forward; failed -> processing
// is permitted for an explicit retry.
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Item categories. Characters, objects and environments belong to the
// assets phase, frames to scenes, clips to clips.
const (
	CategoryCharacter   Category = "character"
	CategoryObject      Category = "object"
	CategoryEnvironment Category = "environment"
	CategoryFrame       Category = "frame"
	CategoryClip        Category = "clip"
)

// MaxErrorLen bounds the error text stored on an item.
const MaxErrorLen = 100

type ItemStatus string

// Terminal reports whether no further automatic transition follows.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

type Category string

// Dir is the artifact directory for the category.
func (c Category) Dir() string {
	switch c {
	case CategoryCharacter:
		return "characters"
	case CategoryObject:
		return "objects"
	case CategoryEnvironment:
		return "environments"
	case CategoryFrame:
		return "frames"
	case CategoryClip:
		return "clips"
	}
	return string(c)
}

// Ext is the artifact file extension for the category.
func (c Category) Ext() string {
	if c == CategoryClip {
		return ".mp4"
	}
	return ".png"
}

func (c Category) Valid() bool {
	switch c {
	case CategoryCharacter, CategoryObject, CategoryEnvironment, CategoryFrame, CategoryClip:
		return true
	}
	return false
}

// Item is one unit of generation work inside a Run.
type Item struct {
	ID             string     `json:"id"`
	Category       Category   `json:"category"`
	Order          int        `json:"order"`
	Name           string     `json:"name,omitempty"`
	Prompt         string     `json:"prompt"`
	ReferenceImage string     `json:"reference_image,omitempty"`
	DependsOn      string     `json:"depends_on,omitempty"`
	Description    string     `json:"description,omitempty"`
	AudioPrompt    string     `json:"audio_prompt,omitempty"`
	Duration       int        `json:"duration_seconds,omitempty"`
	Output         string     `json:"output,omitempty"`
	Status         ItemStatus `json:"status"`
	Progress       int        `json:"progress"`
	Error          string     `json:"error,omitempty"`
	Attempts       int        `json:"attempts"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ItemPatch is a partial update of an Item. Zero values leave the field as is.
type ItemPatch struct {
	Status   ItemStatus
	Output   string
	Error    string
	Progress *int
	// Retry allows failed -> processing and clears the previous error.
	Retry bool
	// Expect, when set, is the status the item must have for the patch to apply.
	Expect ItemStatus
}

// Progress returns a pointer for ItemPatch.Progress.
func Progress(p int) *int { return &p }

// CanTransition reports whether an item may move from one status to another.
// Re-marking pending or processing is allowed so a resumed run can re-enter
// items left in flight by a crash; the status store refuses it while the item
// is still claimed by a live dispatcher.
func CanTransition(from, to ItemStatus, retry bool) bool {
	if from == to {
		return from == ItemStatusPending || from == ItemStatusProcessing
	}
	switch from {
	case ItemStatusPending:
		return to == ItemStatusProcessing || to.Terminal()
	case ItemStatusProcessing:
		return to.Terminal()
	case ItemStatusFailed:
		return retry && to == ItemStatusProcessing
	}
	return false
}

// Apply merges p into a copy of it. The caller validates the transition.
func (it Item) Apply(p ItemPatch, now time.Time) Item {
	if p.Retry && it.Status == ItemStatusFailed {
		it.Error = ""
		it.Output = ""
	}
	if p.Status != "" {
		if p.Status == ItemStatusProcessing && it.Status != ItemStatusProcessing {
			it.Attempts++
		}
		it.Status = p.Status
	}
	if p.Output != "" {
		it.Output = p.Output
	}
	if p.Error != "" {
		it.Error = TruncateError(p.Error)
	}
	if p.Progress != nil {
		it.Progress = *p.Progress
	}
	it.UpdatedAt = now
	return it
}

// TruncateError cuts msg to MaxErrorLen runes.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLen {
		return msg
	}
	return string(r[:MaxErrorLen])
}
