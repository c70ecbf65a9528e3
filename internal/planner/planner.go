// Package planner turns a completed session into meal plan and grocery list requests.
//
// The Gateway checks preconditions before any external call and reports every failure of
// the completion API as a *GenerationError. It never retries.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/metrics"
	"github.com/BTreeMap/MealPipe/internal/models"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 90 * time.Second

// ErrIncompleteState is returned when the session lacks a field required for generation.
var ErrIncompleteState = errors.New("incomplete session state")

// ErrorKind classifies a GenerationError.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindMalformed ErrorKind = "malformed_response"
)

// GenerationError reports a failed completion call.
type GenerationError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Completer is the completion API as seen by the gateway.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds configuration for the Gateway.
type Opts struct {
	Templates *Templates
	Timeout   time.Duration
}

// Option configures the Gateway.
type Option func(*Opts)

// WithTemplates replaces the default prompt templates.
func WithTemplates(t Templates) Option {
	return func(o *Opts) { o.Templates = &t }
}

// WithTimeout bounds each generation call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Gateway builds prompts from session data and calls the completion API.
type Gateway struct {
	llm     Completer
	tpl     *compiled
	timeout time.Duration
}

// NewGateway creates a Gateway over llm.
func NewGateway(llm Completer, opts ...Option) (*Gateway, error) {
	if llm == nil {
		return nil, fmt.Errorf("completer is required")
	}
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	t := DefaultTemplates()
	if cfg.Templates != nil {
		t = *cfg.Templates
	}
	tpl, err := compile(t)
	if err != nil {
		return nil, err
	}
	return &Gateway{llm: llm, tpl: tpl, timeout: cfg.Timeout}, nil
}

// planData is the view of a session exposed to the plan template.
type planData struct {
	Location       string
	DietGoal       string
	SubGoal        string
	FoodPreference string
	Cuisines       string
	Budget         string
	Restrictions   string
}

// MissingFields lists the generation prerequisites s does not satisfy, in collection order.
func MissingFields(s models.Session) []string {
	var missing []string
	if s.DietGoal == "" {
		missing = append(missing, "diet goal")
	}
	if s.SubGoal == "" {
		missing = append(missing, "subgoal")
	}
	if s.FoodPreference == "" {
		missing = append(missing, "food preference")
	}
	if !s.CuisinesDone {
		missing = append(missing, "cuisines")
	}
	if s.Budget <= 0 {
		missing = append(missing, "budget")
	}
	if !s.RestrictionsSet {
		missing = append(missing, "restrictions")
	}
	return missing
}

func newPlanData(s models.Session) planData {
	d := planData{
		Location:       "an unspecified location",
		DietGoal:       models.LabelFor(models.DietGoalOptions, string(s.DietGoal)),
		SubGoal:        models.LabelFor(models.SubGoalOptions, string(s.SubGoal)),
		FoodPreference: models.LabelFor(models.FoodPreferenceOptions, string(s.FoodPreference)),
		Cuisines:       "no preference",
		Budget:         strconv.FormatFloat(s.Budget, 'f', -1, 64),
		Restrictions:   "none",
	}
	if s.Location != nil {
		d.Location = s.Location.Place()
	}
	if len(s.SelectedCuisines) > 0 {
		d.Cuisines = strings.Join(s.SelectedCuisines, ", ")
	}
	if s.Restrictions != "" {
		d.Restrictions = s.Restrictions
	}
	return d
}

// BuildPlanPrompt renders the user prompt for s without calling the API.
func (g *Gateway) BuildPlanPrompt(s models.Session) (string, error) {
	if missing := MissingFields(s); len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrIncompleteState, strings.Join(missing, ", "))
	}
	var b strings.Builder
	if err := g.tpl.plan.Execute(&b, newPlanData(s)); err != nil {
		return "", fmt.Errorf("render plan prompt: %w", err)
	}
	return b.String(), nil
}

// GeneratePlan returns a meal plan for a session whose profile is complete.
func (g *Gateway) GeneratePlan(ctx context.Context, s models.Session) (string, error) {
	prompt, err := g.BuildPlanPrompt(s)
	if err != nil {
		slog.Debug("Gateway.GeneratePlan: precondition failed", "id", s.ID, "error", err)
		return "", err
	}
	return g.call(ctx, "plan", s.ID, g.tpl.planSystem, prompt)
}

// GenerateGroceryList derives a grocery list from plan, which must be the session's own plan.
func (g *Gateway) GenerateGroceryList(ctx context.Context, plan string) (string, error) {
	if strings.TrimSpace(plan) == "" {
		return "", fmt.Errorf("%w: no meal plan", ErrIncompleteState)
	}
	var b strings.Builder
	if err := g.tpl.grocery.Execute(&b, struct{ Plan string }{plan}); err != nil {
		return "", fmt.Errorf("render grocery prompt: %w", err)
	}
	return g.call(ctx, "grocery", "", g.tpl.grocerySystem, b.String())
}

func (g *Gateway) call(ctx context.Context, op, id, system, user string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	text, err := g.llm.Complete(ctx, system, user)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, genai.ErrMalformedResponse) {
			kind = KindMalformed
		}
		metrics.ObserveGeneration(op, string(kind), time.Since(start))
		slog.Error("Gateway.call: generation failed", "op", op, "id", id, "kind", kind, "error", err)
		return "", &GenerationError{Kind: kind, Op: op, Err: err}
	}
	metrics.ObserveGeneration(op, "ok", time.Since(start))
	slog.Info("Gateway.call: generation succeeded", "op", op, "id", id, "duration", time.Since(start))
	return text, nil
}
