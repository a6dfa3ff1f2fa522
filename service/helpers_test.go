package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"ViralLaunch-server/models"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*StatusStore, *FileDocumentStore) {
	t.Helper()
	docs, err := NewFileDocumentStore(t.TempDir())
	require.NoError(t, err)
	return NewStatusStore(docs, discardLogger()), docs
}

func newRunWithItems(t *testing.T, store *StatusStore, projectID string, kind models.RunKind, items ...models.Item) string {
	t.Helper()
	run, err := store.BeginRun(context.Background(), projectID, kind)
	require.NoError(t, err)
	_, err = store.AddItems(context.Background(), run.ID, items)
	require.NoError(t, err)
	return run.ID
}

type harness struct {
	store     *StatusStore
	docs      *FileDocumentStore
	artifacts *LocalArtifactStore
	gen       *fakeGenerator
	sched     *Scheduler
}

const testBaseURL = "http://localhost:8080"

func newHarness(t *testing.T, opts SchedulerOptions) *harness {
	t.Helper()
	store, docs := newTestStore(t)
	artifacts, err := NewLocalArtifactStore(t.TempDir(), testBaseURL)
	require.NoError(t, err)
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	gen := newFakeGenerator()
	return &harness{
		store:     store,
		docs:      docs,
		artifacts: artifacts,
		gen:       gen,
		sched:     NewScheduler(store, docs, artifacts, gen, nil, opts, discardLogger()),
	}
}

func (h *harness) putResearch(t *testing.T, projectID string, r models.Research) {
	t.Helper()
	require.NoError(t, PutJSON(context.Background(), h.docs, projectID, models.DocResearchOutput, r))
}

func (h *harness) run(t *testing.T, runID string) *models.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

// sampleResearch names two characters, one object and one environment and
// has the given number of scenes featuring Maya and the EcoBottle.
func sampleResearch(scenes int) models.Research {
	r := models.Research{SelectedScript: models.Script{
		ID:    "script-1",
		Title: "EcoBottle launch",
		Tone:  "energetic",
		Assets: models.ScriptAssets{
			Characters: []models.ScriptAsset{
				{Name: "Maya", VisualPrompt: "Runner in a neon jacket"},
				{Name: "Coach Ray", VisualPrompt: "Grey-haired coach with a whistle"},
			},
			Objects:      []models.ScriptAsset{{Name: "EcoBottle", VisualPrompt: "Insulated bottle with a glowing cap"}},
			Environments: []models.ScriptAsset{{Name: "City Track", VisualPrompt: "Running track at dawn"}},
		},
	}}
	for i := 1; i <= scenes; i++ {
		r.SelectedScript.Scenes = append(r.SelectedScript.Scenes, models.ScriptScene{
			SceneID: i,
			Visual:  fmt.Sprintf("Maya drinks from the EcoBottle, shot %d", i),
			Audio:   fmt.Sprintf("Line %d.", i),
		})
	}
	return r
}

func frameItems(n int) []models.Item {
	items := make([]models.Item, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, models.Item{
			ID:       models.FrameID(i),
			Category: models.CategoryFrame,
			Order:    i,
			Prompt:   fmt.Sprintf("frame %d", i),
		})
	}
	return items
}

// fakeGenerator records every call. Hooks left nil succeed with
// deterministic bytes derived from the prompt.
type fakeGenerator struct {
	mu     sync.Mutex
	calls  []string
	images []ImageRequest
	videos map[string]VideoRequest
	nextOp int
	// textDeadline is the deadline of the last text call, zero without one.
	textDeadline time.Time

	textFn  func(prompt string) (string, error)
	imageFn func(req ImageRequest) (*Media, error)
	// onVideo observes every video request before it starts.
	onVideo func(req VideoRequest)
	// videoFn decides the finished operation for a video request.
	videoFn func(req VideoRequest) (*Operation, error)
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{videos: map[string]VideoRequest{}}
}

func (f *fakeGenerator) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGenerator) Calls(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.record("text:" + prompt)
	f.mu.Lock()
	f.textDeadline, _ = ctx.Deadline()
	f.mu.Unlock()
	if f.textFn != nil {
		return f.textFn(prompt)
	}
	return "", fmt.Errorf("no text model in test")
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, req ImageRequest) (*Media, error) {
	f.record("image:" + req.Prompt)
	f.mu.Lock()
	f.images = append(f.images, req)
	f.mu.Unlock()
	if f.imageFn != nil {
		return f.imageFn(req)
	}
	return &Media{Data: []byte("png:" + req.Prompt), MIMEType: "image/png"}, nil
}

func (f *fakeGenerator) GenerateVideo(ctx context.Context, req VideoRequest) (string, error) {
	f.record("video:" + req.Prompt)
	if f.onVideo != nil {
		f.onVideo(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOp++
	handle := fmt.Sprintf("operations/op-%d", f.nextOp)
	f.videos[handle] = req
	return handle, nil
}

func (f *fakeGenerator) PollOperation(ctx context.Context, handle string) (*Operation, error) {
	f.mu.Lock()
	req, ok := f.videos[handle]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown operation %s", handle)
	}
	if f.videoFn != nil {
		op, err := f.videoFn(req)
		if op != nil {
			op.Handle = handle
		}
		return op, err
	}
	return &Operation{
		Handle: handle,
		Done:   true,
		Video:  &Media{Data: []byte("mp4:" + req.Prompt), MIMEType: "video/mp4"},
	}, nil
}
