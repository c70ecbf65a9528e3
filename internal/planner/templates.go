package planner

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/BurntSushi/toml"
)

// PromptTemplate is one system/user message pair. User is a text/template.
type PromptTemplate struct {
	System string `toml:"system"`
	User   string `toml:"user"`
}

// Templates holds the prompts used for plan and grocery list generation.
type Templates struct {
	Plan    PromptTemplate `toml:"plan"`
	Grocery PromptTemplate `toml:"grocery"`
}

const defaultPlanUser = `Create a meal plan for a {{.DietGoal}} diet with the subgoal "{{.SubGoal}}", and keep a {{.FoodPreference}} food preference in mind strictly.
The user is located in {{.Location}}; prefer ingredients that are easy to find there.
Preferred cuisines: {{.Cuisines}}.
Weekly grocery budget: {{.Budget}}.
Allergies or ingredients to avoid: {{.Restrictions}}.
Provide 6 options for breakfast, lunch, and dinner.`

const defaultGroceryUser = `Generate a structured human-readable grocery list for the following meal plan:

{{.Plan}}

For each ingredient, include only the ingredient and its quantity in the format:
ingredient: quantity rounded up to a whole number
For example:
Eggs: 12
Milk: 1
Do not include sections like breakfast, lunch, or dinner. Only list the main whole ingredients with their quantities. Add up duplicates and show each ingredient once.`

// DefaultTemplates returns the built-in prompt wording.
func DefaultTemplates() Templates {
	return Templates{
		Plan: PromptTemplate{
			System: "You are a helpful meal planning assistant.",
			User:   defaultPlanUser,
		},
		Grocery: PromptTemplate{
			System: "You are a grocery list assistant.",
			User:   defaultGroceryUser,
		},
	}
}

// LoadTemplates reads overrides from a TOML file. Keys that are absent keep their default.
//
//	[plan]
//	system = "..."
//	user = """..."""
//
//	[grocery]
//	user = """..."""
func LoadTemplates(path string) (Templates, error) {
	tpl := DefaultTemplates()
	data, err := os.ReadFile(path)
	if err != nil {
		return tpl, fmt.Errorf("read prompts file %s: %w", path, err)
	}

	var override Templates
	meta, err := toml.Decode(string(data), &override)
	if err != nil {
		return tpl, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return tpl, fmt.Errorf("unknown keys in prompts file %s: %v", path, undecoded)
	}

	mergeTemplate(&tpl.Plan, override.Plan)
	mergeTemplate(&tpl.Grocery, override.Grocery)
	return tpl, nil
}

func mergeTemplate(dst *PromptTemplate, src PromptTemplate) {
	if strings.TrimSpace(src.System) != "" {
		dst.System = src.System
	}
	if strings.TrimSpace(src.User) != "" {
		dst.User = src.User
	}
}

// compiled holds parsed user templates.
type compiled struct {
	planSystem    string
	plan          *template.Template
	grocerySystem string
	grocery       *template.Template
}

func compile(t Templates) (*compiled, error) {
	plan, err := template.New("plan").Option("missingkey=error").Parse(t.Plan.User)
	if err != nil {
		return nil, fmt.Errorf("parse plan template: %w", err)
	}
	grocery, err := template.New("grocery").Option("missingkey=error").Parse(t.Grocery.User)
	if err != nil {
		return nil, fmt.Errorf("parse grocery template: %w", err)
	}
	return &compiled{
		planSystem:    t.Plan.System,
		plan:          plan,
		grocerySystem: t.Grocery.System,
		grocery:       grocery,
	}, nil
}
