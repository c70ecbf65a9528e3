// filepath: internal/flow/reducer.go
package flow

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
)

var (
	// ErrOutOfOrder is returned when an event arrives before the field it depends on is set.
	ErrOutOfOrder = errors.New("event out of order")
	// ErrInvalidValue is returned when an event carries a value outside its accepted domain.
	ErrInvalidValue = errors.New("invalid event value")
)

// Reduce folds ev into s and returns the next session.
//
// Reduce never performs I/O and never mutates s. On error the returned session equals s.
// An event whose target is already satisfied is a no-op, so duplicate deliveries are harmless.
func Reduce(s models.Session, ev models.Event) (models.Session, error) {
	next := s.Clone()
	var err error

	switch ev.Kind {
	case models.EventReset:
		return models.NewSession(s.ID), nil
	case models.EventLocationSet:
		err = setLocation(&next, ev)
	case models.EventDietSelected:
		err = setDietGoal(&next, ev)
	case models.EventSubGoalSelected:
		err = setSubGoal(&next, ev)
	case models.EventFoodPrefSelected:
		err = setFoodPreference(&next, ev)
	case models.EventCuisineAdded:
		err = addCuisine(&next, ev)
	case models.EventCuisineDone:
		err = finishCuisines(&next)
	case models.EventBudgetSet:
		err = setBudget(&next, ev)
	case models.EventRestrictionsSet:
		err = setRestrictions(&next, ev)
	case models.EventConfirmRequested:
		err = requestConfirmation(&next, ev)
	case models.EventConfirmCleared:
		err = clearConfirmation(&next)
	case models.EventGenerationStarted:
		err = startGeneration(&next)
	case models.EventGenerationFailed:
		failGeneration(&next)
	case models.EventPlanGenerated:
		err = storePlan(&next, ev)
	case models.EventGroceryDeclined:
		err = declineGrocery(&next)
	case models.EventGroceryGenerated:
		err = storeGroceryList(&next, ev)
	case models.EventOrderPlaced:
		err = storeOrder(&next, ev)
	case models.EventOrderDeclined:
		err = declineOrder(&next)
	default:
		err = fmt.Errorf("%w: unknown event kind %q", ErrInvalidValue, ev.Kind)
	}

	if err != nil {
		return s, err
	}
	return next, nil
}

func outOfOrder(ev models.EventKind, missing string) error {
	return fmt.Errorf("%w: %s requires %s", ErrOutOfOrder, ev, missing)
}

func invalidValue(ev models.EventKind, value any) error {
	return fmt.Errorf("%w: %s does not accept %v", ErrInvalidValue, ev, value)
}

func collecting(s *models.Session) {
	s.Status = models.StatusCollecting
}

func setLocation(s *models.Session, ev models.Event) error {
	if s.Location != nil {
		return nil
	}
	if ev.Location == nil {
		return invalidValue(ev.Kind, "empty location")
	}
	loc := *ev.Location
	s.Location = &loc
	collecting(s)
	return nil
}

func setDietGoal(s *models.Session, ev models.Event) error {
	if s.DietGoal != "" {
		return nil
	}
	if s.Location == nil {
		return outOfOrder(ev.Kind, "location")
	}
	goal := models.DietGoal(ev.Text)
	if !models.IsValidDietGoal(goal) {
		return invalidValue(ev.Kind, ev.Text)
	}
	s.DietGoal = goal
	collecting(s)
	return nil
}

func setSubGoal(s *models.Session, ev models.Event) error {
	if s.SubGoal != "" {
		return nil
	}
	if s.DietGoal == "" {
		return outOfOrder(ev.Kind, "diet goal")
	}
	goal := models.SubGoal(ev.Text)
	if !models.IsValidSubGoal(goal) {
		return invalidValue(ev.Kind, ev.Text)
	}
	s.SubGoal = goal
	collecting(s)
	return nil
}

func setFoodPreference(s *models.Session, ev models.Event) error {
	if s.FoodPreference != "" {
		return nil
	}
	if s.SubGoal == "" {
		return outOfOrder(ev.Kind, "subgoal")
	}
	pref := models.FoodPreference(ev.Text)
	if !models.IsValidFoodPreference(pref) {
		return invalidValue(ev.Kind, ev.Text)
	}
	s.FoodPreference = pref
	collecting(s)
	return nil
}

// addCuisine appends a recognized cuisine once; anything else leaves the session as is.
func addCuisine(s *models.Session, ev models.Event) error {
	if s.CuisinesDone {
		return nil
	}
	if s.FoodPreference == "" {
		return outOfOrder(ev.Kind, "food preference")
	}
	cuisine, ok := models.CanonicalCuisine(ev.Text)
	if !ok || s.HasCuisine(cuisine) {
		return nil
	}
	s.SelectedCuisines = append(s.SelectedCuisines, cuisine)
	collecting(s)
	return nil
}

func finishCuisines(s *models.Session) error {
	if s.CuisinesDone {
		return nil
	}
	if s.FoodPreference == "" {
		return outOfOrder(models.EventCuisineDone, "food preference")
	}
	s.CuisinesDone = true
	collecting(s)
	return nil
}

func setBudget(s *models.Session, ev models.Event) error {
	if s.Budget > 0 {
		return nil
	}
	if !s.CuisinesDone {
		return outOfOrder(ev.Kind, "finished cuisine selection")
	}
	if math.IsNaN(ev.Amount) || math.IsInf(ev.Amount, 0) || ev.Amount <= 0 {
		return invalidValue(ev.Kind, ev.Amount)
	}
	s.Budget = ev.Amount
	collecting(s)
	return nil
}

func setRestrictions(s *models.Session, ev models.Event) error {
	if s.RestrictionsSet {
		return nil
	}
	if s.Budget <= 0 {
		return outOfOrder(ev.Kind, "budget")
	}
	s.Restrictions = strings.TrimSpace(ev.Text)
	s.RestrictionsSet = true
	s.PendingConfirmation = models.ConfirmNone
	s.Status = models.StatusReady
	return nil
}

func requestConfirmation(s *models.Session, ev models.Event) error {
	if s.PendingConfirmation == ev.Confirmation && ev.Confirmation != models.ConfirmNone {
		return nil
	}
	switch ev.Confirmation {
	case models.ConfirmRestrictions:
		if s.Budget <= 0 {
			return outOfOrder(ev.Kind, "budget")
		}
		if s.RestrictionsSet {
			return nil
		}
		s.Status = models.StatusAwaitingConfirmation
	case models.ConfirmGrocery:
		if s.LastMealPlan == "" {
			return outOfOrder(ev.Kind, "meal plan")
		}
		s.Status = models.StatusGroceryPending
	case models.ConfirmOrder:
		if s.LastGroceryList == "" {
			return outOfOrder(ev.Kind, "grocery list")
		}
		s.Status = models.StatusOrderPending
	default:
		return invalidValue(ev.Kind, ev.Confirmation)
	}
	s.PendingConfirmation = ev.Confirmation
	return nil
}

// clearConfirmation drops the outstanding question and falls back to the status the fields imply.
func clearConfirmation(s *models.Session) error {
	if s.PendingConfirmation == models.ConfirmNone {
		return nil
	}
	s.PendingConfirmation = models.ConfirmNone
	switch {
	case !s.ProfileComplete():
		s.Status = models.StatusCollecting
	case s.LastMealPlan == "":
		s.Status = models.StatusReady
	default:
		s.Status = models.StatusDone
	}
	return nil
}

func startGeneration(s *models.Session) error {
	if s.Status == models.StatusGenerating {
		return nil
	}
	if !s.ProfileComplete() {
		return outOfOrder(models.EventGenerationStarted, "a complete profile")
	}
	s.Status = models.StatusGenerating
	s.PendingConfirmation = models.ConfirmNone
	return nil
}

// failGeneration returns a generating session to READY so the request can be retried.
func failGeneration(s *models.Session) {
	if s.Status != models.StatusGenerating {
		return
	}
	s.Status = models.StatusReady
}

func storePlan(s *models.Session, ev models.Event) error {
	if s.LastMealPlan == ev.Text && s.Status == models.StatusGroceryPending {
		return nil
	}
	if !s.ProfileComplete() {
		return outOfOrder(ev.Kind, "a complete profile")
	}
	if strings.TrimSpace(ev.Text) == "" {
		return invalidValue(ev.Kind, "empty plan")
	}
	s.LastMealPlan = ev.Text
	s.LastGroceryList = ""
	s.LastOrderID = ""
	s.PendingConfirmation = models.ConfirmGrocery
	s.Status = models.StatusGroceryPending
	return nil
}

func declineGrocery(s *models.Session) error {
	if s.Status == models.StatusDone {
		return nil
	}
	if s.PendingConfirmation != models.ConfirmGrocery {
		return outOfOrder(models.EventGroceryDeclined, "a grocery list question")
	}
	s.PendingConfirmation = models.ConfirmNone
	s.Status = models.StatusDone
	return nil
}

func storeGroceryList(s *models.Session, ev models.Event) error {
	if s.LastGroceryList == ev.Text && s.Status == models.StatusOrderPending {
		return nil
	}
	if s.LastMealPlan == "" {
		return outOfOrder(ev.Kind, "meal plan")
	}
	if strings.TrimSpace(ev.Text) == "" {
		return invalidValue(ev.Kind, "empty grocery list")
	}
	s.LastGroceryList = ev.Text
	s.PendingConfirmation = models.ConfirmOrder
	s.Status = models.StatusOrderPending
	return nil
}

func storeOrder(s *models.Session, ev models.Event) error {
	if s.LastOrderID != "" && s.LastOrderID == ev.Text {
		return nil
	}
	if s.LastGroceryList == "" {
		return outOfOrder(ev.Kind, "grocery list")
	}
	if strings.TrimSpace(ev.Text) == "" {
		return invalidValue(ev.Kind, "empty order id")
	}
	s.LastOrderID = ev.Text
	s.PendingConfirmation = models.ConfirmNone
	s.Status = models.StatusDone
	return nil
}

func declineOrder(s *models.Session) error {
	if s.Status == models.StatusDone {
		return nil
	}
	if s.PendingConfirmation != models.ConfirmOrder {
		return outOfOrder(models.EventOrderDeclined, "an order question")
	}
	s.PendingConfirmation = models.ConfirmNone
	s.Status = models.StatusDone
	return nil
}
