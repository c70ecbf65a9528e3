// Package flow implements the per-chat meal planning conversation.
//
// Reduce folds events into a session without side effects, StageOf derives which question the
// session is waiting on, and Controller glues both to the session store, the plan gateway and
// the chat platform.
package flow

import "github.com/BTreeMap/MealPipe/internal/models"

// Stage is the question a session is currently waiting on.
type Stage string

const (
	StageAwaitLocation            Stage = "AWAIT_LOCATION"
	StageAwaitDiet                Stage = "AWAIT_DIET"
	StageAwaitSubGoal             Stage = "AWAIT_SUBGOAL"
	StageAwaitFoodPref            Stage = "AWAIT_FOOD_PREF"
	StageAwaitCuisine             Stage = "AWAIT_CUISINE"
	StageAwaitBudget              Stage = "AWAIT_BUDGET"
	StageAwaitRestrictionsConfirm Stage = "AWAIT_RESTRICTIONS_CONFIRM"
	StageAwaitRestrictions        Stage = "AWAIT_RESTRICTIONS"
	StageReady                    Stage = "READY"
	StageGenerating               Stage = "GENERATING"
	StageAwaitGroceryConfirm      Stage = "AWAIT_GROCERY_CONFIRM"
	StageAwaitOrderConfirm        Stage = "AWAIT_ORDER_CONFIRM"
	StageDone                     Stage = "DONE"
)

// StageOf derives the stage from the session fields. The first undecided field wins.
func StageOf(s models.Session) Stage {
	switch {
	case s.Location == nil:
		return StageAwaitLocation
	case s.DietGoal == "":
		return StageAwaitDiet
	case s.SubGoal == "":
		return StageAwaitSubGoal
	case s.FoodPreference == "":
		return StageAwaitFoodPref
	case !s.CuisinesDone:
		return StageAwaitCuisine
	case s.Budget <= 0:
		return StageAwaitBudget
	case !s.RestrictionsSet && s.PendingConfirmation == models.ConfirmRestrictions:
		return StageAwaitRestrictionsConfirm
	case !s.RestrictionsSet:
		return StageAwaitRestrictions
	}

	switch s.Status {
	case models.StatusGenerating:
		return StageGenerating
	case models.StatusGroceryPending:
		return StageAwaitGroceryConfirm
	case models.StatusOrderPending:
		return StageAwaitOrderConfirm
	case models.StatusDone:
		return StageDone
	}
	if s.LastMealPlan != "" {
		return StageDone
	}
	return StageReady
}
