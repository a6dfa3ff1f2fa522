package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	PhaseQueued Phase = "queued"
	PhaseText   Phase = "text"
	PhaseAssets Phase = "assets"
	PhaseScenes Phase = "scenes"
	PhaseClips  Phase = "clips"
	PhaseDone   Phase = "done"
	PhaseError  Phase = "error"
)

const (
	RunStatusNotStarted          RunStatus = "not_started"
	RunStatusQueued              RunStatus = "queued"
	RunStatusProcessing          RunStatus = "processing"
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
)

const (
	RunKindStoryboard RunKind = "storyboard"
	RunKindVideo      RunKind = "video"
)

type Phase string

type RunStatus string

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusCompletedWithErrors || s == RunStatusFailed
}

type RunKind string

func (k RunKind) Valid() bool { return k == RunKindStoryboard || k == RunKindVideo }

// StatusKey is the project document holding the run snapshot.
func (k RunKind) StatusKey() string {
	if k == RunKindVideo {
		return DocVideoStatus
	}
	return DocStoryboardStatus
}

// Run is one execution of the pipeline for a project. Retrying counts the
// item retries of this process holding a finished run open; it is not
// persisted.
type Run struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Kind       RunKind    `json:"kind"`
	Phase      Phase      `json:"phase"`
	Status     RunStatus  `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Progress   float64    `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	Degraded   bool       `json:"degraded,omitempty"`
	Retrying   int        `json:"-"`
	Items      []Item     `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunID derives the run id of a project's run of the given kind.
func RunID(projectID string, kind RunKind) string {
	return projectID + "/" + string(kind)
}

// ParseRunID splits a run id produced by RunID.
func ParseRunID(runID string) (string, RunKind, error) {
	i := strings.LastIndex(runID, "/")
	if i <= 0 {
		return "", "", fmt.Errorf("malformed run id %q", runID)
	}
	kind := RunKind(runID[i+1:])
	if !kind.Valid() {
		return "", "", fmt.Errorf("malformed run id %q: unknown kind", runID)
	}
	return runID[:i], kind, nil
}

// Terminal reports whether the run has reached done or error.
func (r *Run) Terminal() bool {
	return r.Phase == PhaseDone || r.Phase == PhaseError
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	c := *r
	c.Items = append([]Item(nil), r.Items...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Index returns the position of the item or -1.
func (r *Run) Index(cat Category, id string) int {
	for i := range r.Items {
		if r.Items[i].Category == cat && r.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// Item looks up an item by category and id.
func (r *Run) Item(cat Category, id string) (Item, bool) {
	if i := r.Index(cat, id); i >= 0 {
		return r.Items[i], true
	}
	return Item{}, false
}

// ItemsIn returns the items of the given categories in run order.
func (r *Run) ItemsIn(cats ...Category) []Item {
	var out []Item
	for _, it := range r.Items {
		for _, c := range cats {
			if it.Category == c {
				out = append(out, it)
				break
			}
		}
	}
	return out
}

// Recount recomputes the aggregate counters from the items.
func (r *Run) Recount() {
	r.Total = len(r.Items)
	r.Completed, r.Failed = 0, 0
	for _, it := range r.Items {
		switch it.Status {
		case ItemStatusCompleted:
			r.Completed++
		case ItemStatusFailed:
			r.Failed++
		}
	}
	if r.Total == 0 {
		r.Progress = 0
		return
	}
	r.Progress = float64(r.Completed) / float64(r.Total)
}

// PhaseOf is the phase that produces items of the category.
func PhaseOf(cat Category) Phase {
	switch cat {
	case CategoryFrame:
		return PhaseScenes
	case CategoryClip:
		return PhaseClips
	}
	return PhaseAssets
}

// FinalStatus is the status a run takes once every phase has finished.
func (r *Run) FinalStatus() RunStatus {
	if r.Failed == 0 && r.Completed == r.Total {
		return RunStatusCompleted
	}
	return RunStatusCompletedWithErrors
}
