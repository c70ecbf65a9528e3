// Package models defines the core data structures for MealPipe.
//
// It includes the per-chat Session record, the reducer Event variant, inbound platform
// events and the HTTP response envelope shared across modules.
package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// SessionStatus is the coarse lifecycle status persisted with a session.
type SessionStatus string

const (
	StatusNew                  SessionStatus = "NEW"
	StatusCollecting           SessionStatus = "COLLECTING"
	StatusAwaitingConfirmation SessionStatus = "AWAITING_CONFIRMATION"
	StatusReady                SessionStatus = "READY"
	StatusGenerating           SessionStatus = "GENERATING"
	StatusGroceryPending       SessionStatus = "GROCERY_PENDING"
	StatusOrderPending         SessionStatus = "ORDER_PENDING"
	StatusDone                 SessionStatus = "DONE"
)

// DietGoal is the user's overall diet goal.
type DietGoal string

const (
	DietGainingWeight DietGoal = "GAINING_WEIGHT"
	DietLosingWeight  DietGoal = "LOSING_WEIGHT"
	DietPCOD          DietGoal = "PCOD"
	DietIBS           DietGoal = "IBS"
)

// SubGoal refines the diet goal.
type SubGoal string

const (
	SubGoalBulk SubGoal = "BULK"
	SubGoalCut  SubGoal = "CUT"
)

// FoodPreference is the kind of food the user eats.
type FoodPreference string

const (
	FoodVeg         FoodPreference = "VEG"
	FoodNonVeg      FoodPreference = "NON_VEG"
	FoodVegan       FoodPreference = "VEGAN"
	FoodPescatarian FoodPreference = "PESCATARIAN"
	FoodCustom      FoodPreference = "CUSTOM"
)

// Confirmation tags the yes/no question a session is waiting on.
type Confirmation string

const (
	ConfirmNone         Confirmation = ""
	ConfirmRestrictions Confirmation = "RESTRICTIONS"
	ConfirmGrocery      Confirmation = "GROCERY"
	ConfirmOrder        Confirmation = "ORDER"
)

// Option pairs an enumerated value with its user-facing label and accepted aliases.
type Option struct {
	Value   string
	Label   string
	Aliases []string
}

// DietGoalOptions lists the accepted diet goals in prompt order.
var DietGoalOptions = []Option{
	{Value: string(DietGainingWeight), Label: "Gaining Weight", Aliases: []string{"gain weight", "gain", "diet_gain_weight"}},
	{Value: string(DietLosingWeight), Label: "Losing Weight", Aliases: []string{"lose weight", "lose", "diet_lose_weight"}},
	{Value: string(DietPCOD), Label: "PCOD (Polycystic Ovarian Disease) Diet", Aliases: []string{"pcod", "pcod diet", "diet_pcod"}},
	{Value: string(DietIBS), Label: "IBS (Irritable Bowel Syndrome) Diet", Aliases: []string{"ibs", "ibs diet", "diet_ibs"}},
}

// SubGoalOptions lists the accepted subgoals in prompt order.
var SubGoalOptions = []Option{
	{Value: string(SubGoalBulk), Label: "Bulk", Aliases: []string{"subgoal_bulk"}},
	{Value: string(SubGoalCut), Label: "Cut", Aliases: []string{"subgoal_cut"}},
}

// FoodPreferenceOptions lists the accepted food preferences in prompt order.
var FoodPreferenceOptions = []Option{
	{Value: string(FoodVeg), Label: "Veg", Aliases: []string{"vegetarian"}},
	{Value: string(FoodNonVeg), Label: "Non-Veg", Aliases: []string{"non veg", "nonveg", "non-vegetarian"}},
	{Value: string(FoodVegan), Label: "Vegan"},
	{Value: string(FoodPescatarian), Label: "Pescatarian"},
	{Value: string(FoodCustom), Label: "Custom"},
}

// Cuisines is the recognized cuisine enumeration.
var Cuisines = []string{
	"Indian", "Italian", "Mexican", "American", "Chinese", "Japanese",
	"Thai", "Mediterranean", "French", "Korean", "Vietnamese", "Greek",
}

// CanonicalCuisine returns the canonical spelling of a recognized cuisine.
func CanonicalCuisine(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for _, c := range Cuisines {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// LabelFor returns the label of value within options, or value itself when not found.
func LabelFor(options []Option, value string) string {
	for _, o := range options {
		if o.Value == value {
			return o.Label
		}
	}
	return value
}

// IsValidDietGoal reports whether g is part of the diet goal enumeration.
func IsValidDietGoal(g DietGoal) bool {
	return hasOption(DietGoalOptions, string(g))
}

// IsValidSubGoal reports whether g is part of the subgoal enumeration.
func IsValidSubGoal(g SubGoal) bool {
	return hasOption(SubGoalOptions, string(g))
}

// IsValidFoodPreference reports whether p is part of the food preference enumeration.
func IsValidFoodPreference(p FoodPreference) bool {
	return hasOption(FoodPreferenceOptions, string(p))
}

func hasOption(options []Option, value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// Location is a shared position with its optional resolved address.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// Place renders the resolved address, falling back to coordinates.
func (l Location) Place() string {
	var parts []string
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return formatCoordinates(l.Latitude, l.Longitude)
	}
	return strings.Join(parts, ", ")
}

func formatCoordinates(lat, lon float64) string {
	return fmt.Sprintf("%.4f, %.4f", lat, lon)
}

// Session is the persisted conversational state of one chat.
type Session struct {
	ID                  string         `json:"id"`
	Status              SessionStatus  `json:"status"`
	Location            *Location      `json:"location,omitempty"`
	DietGoal            DietGoal       `json:"diet_goal,omitempty"`
	SubGoal             SubGoal        `json:"sub_goal,omitempty"`
	FoodPreference      FoodPreference `json:"food_preference,omitempty"`
	SelectedCuisines    []string       `json:"selected_cuisines"`
	CuisinesDone        bool           `json:"cuisines_done"`
	Budget              float64        `json:"budget,omitempty"` // 0 means unset
	Restrictions        string         `json:"restrictions,omitempty"`
	RestrictionsSet     bool           `json:"restrictions_set"`
	LastMealPlan        string         `json:"last_meal_plan,omitempty"`
	LastGroceryList     string         `json:"last_grocery_list,omitempty"`
	LastOrderID         string         `json:"last_order_id,omitempty"`
	PendingConfirmation Confirmation   `json:"pending_confirmation,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// NewSession returns a fresh NEW session for id with every optional field empty.
func NewSession(id string) Session {
	return Session{
		ID:               id,
		Status:           StatusNew,
		SelectedCuisines: []string{},
	}
}

// Clone returns a deep copy so that callers never share the cuisine slice or location.
func (s Session) Clone() Session {
	out := s
	out.SelectedCuisines = slices.Clone(s.SelectedCuisines)
	if out.SelectedCuisines == nil {
		out.SelectedCuisines = []string{}
	}
	if s.Location != nil {
		loc := *s.Location
		out.Location = &loc
	}
	return out
}

// HasCuisine reports whether cuisine is already selected.
func (s Session) HasCuisine(cuisine string) bool {
	return slices.Contains(s.SelectedCuisines, cuisine)
}

// ProfileComplete reports whether every field required for plan generation is decided.
func (s Session) ProfileComplete() bool {
	return s.Location != nil &&
		s.DietGoal != "" &&
		s.SubGoal != "" &&
		s.FoodPreference != "" &&
		s.CuisinesDone &&
		s.Budget > 0 &&
		s.RestrictionsSet
}
