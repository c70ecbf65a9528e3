package flow

import (
	"reflect"
	"testing"

	"github.com/BTreeMap/MealPipe/internal/models"
)

func TestMatchOption(t *testing.T) {
	tests := []struct {
		input  string
		want   string
		wantOK bool
	}{
		{"Losing Weight", string(models.DietLosingWeight), true},
		{"  losing weight ", string(models.DietLosingWeight), true},
		{"LOSING_WEIGHT", string(models.DietLosingWeight), true},
		{"lose", string(models.DietLosingWeight), true},
		{"diet_pcod", string(models.DietPCOD), true},
		{"4", string(models.DietIBS), true},
		{"5", "", false},
		{"0", "", false},
		{"keto", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := MatchOption(models.DietGoalOptions, tt.input)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MatchOption(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseCuisines(t *testing.T) {
	tests := []struct {
		input    string
		cuisines []string
		done     bool
		ok       bool
	}{
		{"Indian", []string{"Indian"}, false, true},
		{"indian, thai and Greek", []string{"Indian", "Thai", "Greek"}, false, true},
		{"2, 7", []string{"Italian", "Thai"}, false, true},
		{"done", nil, true, true},
		{"No preference", nil, true, true},
		{"13", nil, true, true},
		{"Korean, done", []string{"Korean"}, true, true},
		{"Korean, Martian", nil, false, false},
		{"99", nil, false, false},
		{"", nil, false, false},
	}
	for _, tt := range tests {
		cuisines, done, ok := ParseCuisines(tt.input)
		if !reflect.DeepEqual(cuisines, tt.cuisines) || done != tt.done || ok != tt.ok {
			t.Errorf("ParseCuisines(%q) = %v, %v, %v; want %v, %v, %v", tt.input, cuisines, done, ok, tt.cuisines, tt.done, tt.ok)
		}
	}
}

func TestParseBudget(t *testing.T) {
	tests := []struct {
		input  string
		want   float64
		wantOK bool
	}{
		{"50", 50, true},
		{"$75.50", 75.5, true},
		{"₹1,500", 1500, true},
		{"200 rupees", 200, true},
		{"Rs. 300", 300, true},
		{"50 euros", 50, true},
		{"€20", 20, true},
		{"USD 40.25", 40.25, true},
		{"about 60 pounds a week", 60, true},
		{"10-15", 0, false},
		{"1.2.3", 0, false},
		{"0", 0, false},
		{"-10", 0, false},
		{"NaN", 0, false},
		{"inf", 0, false},
		{"cheap", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseBudget(tt.input)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseBudget(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseYesNoAndCommands(t *testing.T) {
	for _, in := range []string{"yes", "Yes!", "Y", "1"} {
		if yes, ok := ParseYesNo(in); !yes || !ok {
			t.Errorf("ParseYesNo(%q) not yes", in)
		}
	}
	for _, in := range []string{"no", "NO.", "2"} {
		if yes, ok := ParseYesNo(in); yes || !ok {
			t.Errorf("ParseYesNo(%q) not no", in)
		}
	}
	if _, ok := ParseYesNo("peanuts"); ok {
		t.Error("free text parsed as yes/no")
	}

	commands := map[string]Command{
		"/start":       CommandStart,
		"!start":       CommandStart,
		"Restart":      CommandStart,
		"start":        CommandNone,
		"/grocerylist": CommandGroceryList,
		"!grocerylist": CommandGroceryList,
		"/plan":        CommandPlan,
		"Indian":       CommandNone,
	}
	for in, want := range commands {
		if got := ParseCommand(in); got != want {
			t.Errorf("ParseCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPromptForStages(t *testing.T) {
	s := models.NewSession("A")
	p := PromptFor(s)
	if p.Keyboard == nil || !p.Keyboard.RequestLocation {
		t.Errorf("location prompt should request a location: %+v", p)
	}

	s = mustReduce(t, s, profileEvents()[:4]...)
	p = PromptFor(s)
	if len(p.Keyboard.Options) != len(models.Cuisines)+1 || p.Keyboard.Options[len(models.Cuisines)] != cuisineDoneLabel {
		t.Errorf("cuisine keyboard = %v", p.Keyboard.Options)
	}

	custom := mustReduce(t, models.NewSession("B"), profileEvents()[:3]...)
	custom = mustReduce(t, custom, models.FoodPrefSelected(models.FoodCustom), models.CuisineDone(), models.BudgetSet(10))
	if got := PromptFor(custom).Body; got != "Please describe your custom diet preferences or restrictions." {
		t.Errorf("custom restrictions prompt = %q", got)
	}

	r := Reprompt(models.NewSession("C"))
	if r.Body[:len(MsgNotUnderstood)] != MsgNotUnderstood {
		t.Errorf("reprompt missing prefix: %q", r.Body)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("A")
	unlockB := k.Lock("B")
	if k.size() != 2 {
		t.Fatalf("size = %d", k.size())
	}
	unlockA()
	unlockB()
	if k.size() != 0 {
		t.Errorf("entries leaked: %d", k.size())
	}
}
