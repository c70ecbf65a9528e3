package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Fixed replies.
const (
	MsgWelcome          = "Welcome to Meal Planner! 🍴"
	MsgNotUnderstood    = "I did not understand that."
	MsgSessionExpired   = "❌ Session expired. Let's start over."
	MsgIncomplete       = "Please complete all steps before generating a meal plan."
	MsgPlanFailed       = "Failed to retrieve a valid meal plan. Please try again later."
	MsgGroceryFailed    = "⚠️ Failed to generate grocery list. Please try again later."
	MsgNoPlan           = "Please generate a meal plan first."
	MsgGeneratingPlan   = "Generating a meal plan with your preferences..."
	MsgGeneratingList   = "Generating your grocery list..."
	MsgPlanHeader       = "Here's your meal plan:"
	MsgGroceryHeader    = "Here's your grocery list:"
	MsgLoginRequired    = "🔐 Please log in to your grocery account to place the order:"
	MsgOrderUnavailable = "Ordering is not available right now. Let me know if you need anything else."
	MsgOrderFailed      = "⚠️ Failed to place your order. Please try again later."
	MsgStillGenerating  = "Still working on your meal plan, hang tight..."
	MsgInternalError    = "Something went wrong. Please try again."
)

// Prompt is an outbound question with its optional keyboard.
type Prompt struct {
	Body     string
	Keyboard *models.Keyboard
}

// Text renders the prompt for text-only transports.
func (p Prompt) Text() string {
	return p.Keyboard.Render(p.Body)
}

var yesNoKeyboard = &models.Keyboard{Options: []string{"Yes", "No"}, OneTime: true}

func optionKeyboard(options []models.Option) *models.Keyboard {
	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = o.Label
	}
	return &models.Keyboard{Options: labels, OneTime: true}
}

func cuisineKeyboard() *models.Keyboard {
	labels := append([]string{}, models.Cuisines...)
	labels = append(labels, cuisineDoneLabel)
	return &models.Keyboard{Options: labels}
}

// stagePrompts is the static question table. Stages that need session data are built in PromptFor.
var stagePrompts = map[Stage]Prompt{
	StageAwaitLocation: {
		Body:     "Please share your location so I can suggest meals with local ingredients.",
		Keyboard: &models.Keyboard{RequestLocation: true, OneTime: true},
	},
	StageAwaitDiet:                {Body: "Please select your diet option.", Keyboard: optionKeyboard(models.DietGoalOptions)},
	StageAwaitSubGoal:             {Body: "Now, please select your subgoal.", Keyboard: optionKeyboard(models.SubGoalOptions)},
	StageAwaitFoodPref:            {Body: "Now, please select your food preferences.", Keyboard: optionKeyboard(models.FoodPreferenceOptions)},
	StageAwaitBudget:              {Body: "What is your weekly grocery budget? Enter a number."},
	StageAwaitRestrictionsConfirm: {Body: "Do you have any allergies or dietary restrictions? (yes/no)", Keyboard: yesNoKeyboard},
	StageAwaitRestrictions:        {Body: "Please specify your allergies or ingredients to avoid."},
	StageReady:                    {Body: "Your preferences are saved. Send /plan to generate your meal plan."},
	StageGenerating:               {Body: MsgStillGenerating},
	StageAwaitGroceryConfirm:      {Body: "Would you like a grocery list? Reply with 'Yes' or 'No'.", Keyboard: yesNoKeyboard},
	StageAwaitOrderConfirm:        {Body: "🛒 Would you like to place an order? Reply with 'Yes' or 'No'.", Keyboard: yesNoKeyboard},
	StageDone:                     {Body: "Okay! Let me know if you need anything else."},
}

// PromptFor returns the question for the session's current stage.
func PromptFor(s models.Session) Prompt {
	stage := StageOf(s)
	switch stage {
	case StageAwaitCuisine:
		body := "Select your cuisine preferences. Pick as many as you like, then choose Done."
		if len(s.SelectedCuisines) > 0 {
			body = fmt.Sprintf("✅ Selected so far: %s\nAdd another cuisine or choose Done.", strings.Join(s.SelectedCuisines, ", "))
		}
		return Prompt{Body: body, Keyboard: cuisineKeyboard()}
	case StageAwaitRestrictions:
		if s.FoodPreference == models.FoodCustom {
			return Prompt{Body: "Please describe your custom diet preferences or restrictions."}
		}
	}
	return stagePrompts[stage]
}

// Reprompt prefixes the current question with the not-understood notice.
func Reprompt(s models.Session) Prompt {
	p := PromptFor(s)
	p.Body = MsgNotUnderstood + " " + p.Body
	return p
}
