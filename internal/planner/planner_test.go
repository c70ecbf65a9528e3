package planner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/models"
)

type fakeCompleter struct {
	text   string
	err    error
	calls  int
	system string
	user   string
	block  bool
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.system, f.user = system, user
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

func completeSession() models.Session {
	s := models.NewSession("chat-1")
	s.Status = models.StatusReady
	s.Location = &models.Location{Latitude: 19.07, Longitude: 72.87, City: "Mumbai", Country: "India"}
	s.DietGoal = models.DietLosingWeight
	s.SubGoal = models.SubGoalCut
	s.FoodPreference = models.FoodVeg
	s.SelectedCuisines = []string{"Indian", "Thai"}
	s.CuisinesDone = true
	s.Budget = 50
	s.Restrictions = "no peanuts"
	s.RestrictionsSet = true
	return s
}

func TestGeneratePlanEmbedsEveryField(t *testing.T) {
	llm := &fakeCompleter{text: "Day 1: oats"}
	g, err := NewGateway(llm)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := g.GeneratePlan(context.Background(), completeSession())
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if plan != "Day 1: oats" {
		t.Errorf("plan = %q", plan)
	}
	for _, want := range []string{"Losing Weight", "Cut", "Veg", "Mumbai, India", "Indian, Thai", "50", "no peanuts"} {
		if !strings.Contains(llm.user, want) {
			t.Errorf("prompt missing %q:\n%s", want, llm.user)
		}
	}
	if llm.system == "" {
		t.Error("system prompt not sent")
	}
}

func TestGeneratePlanIncompleteMakesNoCall(t *testing.T) {
	llm := &fakeCompleter{text: "unused"}
	g, _ := NewGateway(llm)
	s := completeSession()
	s.Budget = 0

	_, err := g.GeneratePlan(context.Background(), s)
	if !errors.Is(err, ErrIncompleteState) {
		t.Fatalf("expected ErrIncompleteState, got %v", err)
	}
	if !strings.Contains(err.Error(), "budget") {
		t.Errorf("error should name the missing field: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("external call attempted %d times", llm.calls)
	}
}

func TestGeneratePlanNoPreferenceDefaults(t *testing.T) {
	llm := &fakeCompleter{text: "plan"}
	g, _ := NewGateway(llm)
	s := completeSession()
	s.SelectedCuisines = []string{}
	s.Restrictions = ""
	s.Location = nil
	if _, err := g.GeneratePlan(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"no preference", "avoid: none", "unspecified location"} {
		if !strings.Contains(llm.user, want) {
			t.Errorf("prompt missing %q:\n%s", want, llm.user)
		}
	}
}

func TestGenerationErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"malformed", genai.ErrNoChoicesReturned, KindMalformed},
		{"empty", genai.ErrEmptyContent, KindMalformed},
		{"transport", errors.New("dial tcp: connection refused"), KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := NewGateway(&fakeCompleter{err: tt.err})
			_, err := g.GeneratePlan(context.Background(), completeSession())
			var genErr *GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("expected *GenerationError, got %v", err)
			}
			if genErr.Kind != tt.want || genErr.Op != "plan" {
				t.Errorf("kind=%s op=%s, want %s plan", genErr.Kind, genErr.Op, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("GenerationError does not unwrap to the cause")
			}
		})
	}
}

func TestGeneratePlanTimeoutIsTransport(t *testing.T) {
	g, _ := NewGateway(&fakeCompleter{block: true}, WithTimeout(20*time.Millisecond))
	_, err := g.GeneratePlan(context.Background(), completeSession())
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Kind != KindTransport {
		t.Fatalf("expected transport GenerationError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded cause, got %v", err)
	}
}

func TestGeneratePlanEmptyChoicesOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices": []}`)
	}))
	defer srv.Close()

	client, err := genai.NewClient(genai.WithAPIKey("k"), genai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	g, _ := NewGateway(client)
	s := completeSession()
	before := s.Clone()

	_, err = g.GeneratePlan(context.Background(), s)
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Kind != KindMalformed {
		t.Fatalf("expected malformed_response GenerationError, got %v", err)
	}
	if s.Status != before.Status || s.LastMealPlan != "" {
		t.Errorf("session changed by failed generation: %+v", s)
	}
}

func TestGenerateGroceryList(t *testing.T) {
	llm := &fakeCompleter{text: "Eggs: 12"}
	g, _ := NewGateway(llm)
	list, err := g.GenerateGroceryList(context.Background(), "Breakfast: omelette")
	if err != nil || list != "Eggs: 12" {
		t.Fatalf("GenerateGroceryList = %q, %v", list, err)
	}
	if !strings.Contains(llm.user, "Breakfast: omelette") {
		t.Errorf("grocery prompt does not embed the plan:\n%s", llm.user)
	}

	llm.calls = 0
	if _, err := g.GenerateGroceryList(context.Background(), "  "); !errors.Is(err, ErrIncompleteState) {
		t.Errorf("expected ErrIncompleteState for empty plan, got %v", err)
	}
	if llm.calls != 0 {
		t.Error("external call attempted without a plan")
	}
}

func TestLoadTemplatesOverridesOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.toml")
	content := `
[plan]
user = "Plan for {{.DietGoal}} on {{.Budget}}"

[grocery]
system = "You list groceries."
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	tpl, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	def := DefaultTemplates()
	if tpl.Plan.System != def.Plan.System {
		t.Error("plan system prompt should keep its default")
	}
	if tpl.Grocery.System != "You list groceries." || tpl.Grocery.User != def.Grocery.User {
		t.Errorf("grocery merge wrong: %+v", tpl.Grocery)
	}

	llm := &fakeCompleter{text: "ok"}
	g, err := NewGateway(llm, WithTemplates(tpl))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.GeneratePlan(context.Background(), completeSession()); err != nil {
		t.Fatal(err)
	}
	if llm.user != "Plan for Losing Weight on 50" {
		t.Errorf("override not applied: %q", llm.user)
	}
}

func TestLoadTemplatesRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.toml")
	os.WriteFile(unknown, []byte("[plan]\nprompt = \"x\"\n"), 0644)
	if _, err := LoadTemplates(unknown); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := LoadTemplates(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := DefaultTemplates()
	bad.Plan.User = "{{.DietGoal"
	if _, err := NewGateway(&fakeCompleter{}, WithTemplates(bad)); err == nil {
		t.Error("expected template parse error")
	}
}
