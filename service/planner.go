package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"ViralLaunch-server/models"
)

// Plan is the structured output of the text phase.
type Plan struct {
	ScriptID     string
	Characters   []PlannedAsset
	Objects      []PlannedAsset
	Environments []PlannedAsset
	Scenes       []models.ScriptScene
	Degraded     bool
	Note         string
}

type PlannedAsset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

// Planner turns the research document into a Plan. Assets already named by
// the script are used as is; missing characters and environments are asked
// of the text model. Any text failure yields the placeholder plan.
type Planner struct {
	gen     Generator
	timeout time.Duration
	logger  *slog.Logger
}

// DefaultPlanTimeout bounds the text model call of a plan.
const DefaultPlanTimeout = 10 * time.Minute

func NewPlanner(gen Generator, logger *slog.Logger) *Planner {
	return &Planner{gen: gen, timeout: DefaultPlanTimeout, logger: logger.With("component", "planner")}
}

// WithTimeout sets the deadline of the text model call. Non-positive
// values keep the default.
func (p *Planner) WithTimeout(d time.Duration) *Planner {
	if d > 0 {
		p.timeout = d
	}
	return p
}

type castResponse struct {
	Characters   []PlannedAsset `json:"characters"`
	Environments []PlannedAsset `json:"environments"`
}

func (p *Planner) Plan(ctx context.Context, research *models.Research) *Plan {
	script := research.SelectedScript
	plan := &Plan{
		ScriptID:     script.ID,
		Characters:   assetsFromScript(script.Assets.Characters),
		Objects:      assetsFromScript(script.Assets.Objects),
		Environments: assetsFromScript(script.Assets.Environments),
		Scenes:       script.Scenes,
	}
	if len(plan.Scenes) == 0 {
		return p.placeholder(plan, "research document has no scenes")
	}
	if len(plan.Characters) > 0 && len(plan.Environments) > 0 {
		return plan
	}

	textCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	raw, err := p.gen.GenerateText(textCtx, castPrompt(script))
	if err != nil {
		p.logger.WarnContext(ctx, "cast generation failed, using placeholder plan", "error", err)
		return p.placeholder(plan, "cast generation failed: "+models.TruncateError(err.Error()))
	}
	var cast castResponse
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &cast); err != nil {
		p.logger.WarnContext(ctx, "cast response malformed, using placeholder plan", "error", err)
		return p.placeholder(plan, "cast response malformed")
	}
	if len(plan.Characters) == 0 {
		plan.Characters = normalizeAssets(cast.Characters)
	}
	if len(plan.Environments) == 0 {
		plan.Environments = normalizeAssets(cast.Environments)
	}
	if len(plan.Characters) == 0 || len(plan.Environments) == 0 {
		return p.placeholder(plan, "cast response incomplete")
	}
	return plan
}

// placeholder fills every empty part of plan with the built-in dataset.
func (p *Planner) placeholder(plan *Plan, note string) *Plan {
	plan.Degraded = true
	plan.Note = "placeholder plan used: " + note
	if len(plan.Characters) == 0 {
		plan.Characters = []PlannedAsset{{ID: "tech-user", Name: "Tech User", Role: "Protagonist", Description: "Young professional in casual clothes, friendly expression"}}
	}
	if len(plan.Objects) == 0 {
		plan.Objects = []PlannedAsset{{ID: "ecobottle-3000", Name: "EcoBottle 3000", Description: "Sleek insulated bottle with a glowing blue cap"}}
	}
	if len(plan.Environments) == 0 {
		plan.Environments = []PlannedAsset{
			{ID: "dark-lab", Name: "Dark Lab", Description: "Dim laboratory lit by blue monitors"},
			{ID: "modern-loft", Name: "Modern Loft", Description: "Bright loft with large windows and plants"},
		}
	}
	if len(plan.Scenes) == 0 {
		plan.Scenes = []models.ScriptScene{
			{SceneID: 1, Visual: "Extreme macro shot of a dirty bottle rim.", Audio: "Stop. Look at your water bottle rim."},
			{SceneID: 2, Visual: "EcoBottle 3000 cap glowing blue against bacteria.", Audio: "This is the solution."},
			{SceneID: 3, Visual: "Finger taps the cap. Bacteria disintegrate.", Audio: "One tap. 99.9% eliminated."},
		}
	}
	return plan
}

func castPrompt(s models.Script) string {
	var existingChars, existingEnvs []string
	for _, c := range s.Assets.Characters {
		existingChars = append(existingChars, c.Name)
	}
	for _, e := range s.Assets.Environments {
		existingEnvs = append(existingEnvs, e.Name)
	}
	return fmt.Sprintf(`You are generating the cast and locations for a viral short-form video storyboard.
Story: %s
Tone: %s
Hook: %s
Existing characters: %s
Existing environments: %s

Return JSON with keys "characters" (list of {id, name, role, description}) and
"environments" (2-4 items, list of {id, name, description}). Ids are slugs.`,
		s.Title, s.Tone, s.Hook, strings.Join(existingChars, ", "), strings.Join(existingEnvs, ", "))
}

func assetsFromScript(in []models.ScriptAsset) []PlannedAsset {
	out := make([]PlannedAsset, 0, len(in))
	for _, a := range in {
		out = append(out, PlannedAsset{Name: a.Name, Description: a.VisualPrompt})
	}
	return normalizeAssets(out)
}

// normalizeAssets drops unnamed assets and assigns unique slug ids.
func normalizeAssets(in []PlannedAsset) []PlannedAsset {
	seen := map[string]int{}
	var out []PlannedAsset
	for _, a := range in {
		if strings.TrimSpace(a.Name) == "" {
			continue
		}
		id := Slugify(a.ID)
		if id == "" {
			id = Slugify(a.Name)
		}
		seen[id]++
		if n := seen[id]; n > 1 {
			id = fmt.Sprintf("%s-%d", id, n)
		}
		a.ID = id
		out = append(out, a)
	}
	return out
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func Slugify(s string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// extractJSONObject strips code fences and prose around a JSON object.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// Prompt builders for each category.

func characterPrompt(a PlannedAsset) string {
	parts := []string{"Portrait: " + a.Name}
	for _, s := range []string{a.Role, a.Description} {
		if s = strings.TrimRight(strings.TrimSpace(s), "."); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ". ") + ". Full body, plain white background."
}

func objectPrompt(a PlannedAsset) string {
	return fmt.Sprintf("Product object: %s. %s. Studio lighting, product shot.", a.Name, a.Description)
}

func environmentPrompt(a PlannedAsset) string {
	return fmt.Sprintf("Environment: %s. %s.", a.Name, a.Description)
}

func framePrompt(sc models.ScriptScene) string {
	return fmt.Sprintf("Storyboard frame for scene %d: %s", sc.SceneID, sc.Visual)
}

func clipPrompt(description, audio string) string {
	p := "Style: cinematic, Pixar-style 3D animation. Action: " + description + "."
	if audio != "" {
		p += " " + audio
	}
	return p
}

// Items converts the plan into the run's asset and frame items.
func (p *Plan) Items() (assets, frames []models.Item) {
	add := func(cat models.Category, list []PlannedAsset, prompt func(PlannedAsset) string) {
		for i, a := range list {
			assets = append(assets, models.Item{
				ID:          a.ID,
				Category:    cat,
				Order:       i + 1,
				Name:        a.Name,
				Prompt:      prompt(a),
				Description: a.Description,
			})
		}
	}
	add(models.CategoryCharacter, p.Characters, characterPrompt)
	add(models.CategoryObject, p.Objects, objectPrompt)
	add(models.CategoryEnvironment, p.Environments, environmentPrompt)

	seen := map[int]bool{}
	for _, sc := range p.Scenes {
		if seen[sc.SceneID] {
			continue
		}
		seen[sc.SceneID] = true
		frames = append(frames, models.Item{
			ID:          models.FrameID(sc.SceneID),
			Category:    models.CategoryFrame,
			Order:       sc.SceneID,
			Prompt:      framePrompt(sc),
			Description: sc.Visual,
			AudioPrompt: sc.Audio,
		})
	}
	return assets, frames
}
