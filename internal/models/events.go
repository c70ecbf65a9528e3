package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// EventKind tags the reducer event variant.
type EventKind string

const (
	EventLocationSet       EventKind = "LOCATION_SET"
	EventDietSelected      EventKind = "DIET_SELECTED"
	EventSubGoalSelected   EventKind = "SUBGOAL_SELECTED"
	EventFoodPrefSelected  EventKind = "FOOD_PREF_SELECTED"
	EventCuisineAdded      EventKind = "CUISINE_ADDED"
	EventCuisineDone       EventKind = "CUISINE_DONE"
	EventBudgetSet         EventKind = "BUDGET_SET"
	EventRestrictionsSet   EventKind = "RESTRICTIONS_SET"
	EventReset             EventKind = "RESET"
	EventConfirmRequested  EventKind = "CONFIRMATION_REQUESTED"
	EventConfirmCleared    EventKind = "CONFIRMATION_CLEARED"
	EventGenerationStarted EventKind = "GENERATION_STARTED"
	EventGenerationFailed  EventKind = "GENERATION_FAILED"
	EventPlanGenerated     EventKind = "PLAN_GENERATED"
	EventGroceryDeclined   EventKind = "GROCERY_DECLINED"
	EventGroceryGenerated  EventKind = "GROCERY_GENERATED"
	EventOrderPlaced       EventKind = "ORDER_PLACED"
	EventOrderDeclined     EventKind = "ORDER_DECLINED"
)

// Event is the tagged input of the reducer. Only the payload field matching Kind is read.
type Event struct {
	Kind         EventKind    `json:"kind"`
	Text         string       `json:"text,omitempty"`
	Location     *Location    `json:"location,omitempty"`
	Amount       float64      `json:"amount,omitempty"`
	Confirmation Confirmation `json:"confirmation,omitempty"`
}

func LocationSet(loc Location) Event {
	return Event{Kind: EventLocationSet, Location: &loc}
}

func DietSelected(g DietGoal) Event {
	return Event{Kind: EventDietSelected, Text: string(g)}
}

func SubGoalSelected(g SubGoal) Event {
	return Event{Kind: EventSubGoalSelected, Text: string(g)}
}

func FoodPrefSelected(p FoodPreference) Event {
	return Event{Kind: EventFoodPrefSelected, Text: string(p)}
}

func CuisineAdded(cuisine string) Event {
	return Event{Kind: EventCuisineAdded, Text: cuisine}
}

func CuisineDone() Event {
	return Event{Kind: EventCuisineDone}
}

func BudgetSet(amount float64) Event {
	return Event{Kind: EventBudgetSet, Amount: amount}
}

func RestrictionsSet(text string) Event {
	return Event{Kind: EventRestrictionsSet, Text: text}
}

func Reset() Event {
	return Event{Kind: EventReset}
}

func ConfirmationRequested(c Confirmation) Event {
	return Event{Kind: EventConfirmRequested, Confirmation: c}
}

func ConfirmationCleared() Event {
	return Event{Kind: EventConfirmCleared}
}

func GenerationStarted() Event {
	return Event{Kind: EventGenerationStarted}
}

func GenerationFailed() Event {
	return Event{Kind: EventGenerationFailed}
}

func PlanGenerated(plan string) Event {
	return Event{Kind: EventPlanGenerated, Text: plan}
}

func GroceryDeclined() Event {
	return Event{Kind: EventGroceryDeclined}
}

func GroceryGenerated(list string) Event {
	return Event{Kind: EventGroceryGenerated, Text: list}
}

func OrderPlaced(orderID string) Event {
	return Event{Kind: EventOrderPlaced, Text: orderID}
}

func OrderDeclined() Event {
	return Event{Kind: EventOrderDeclined}
}

// InboundKind is the platform-agnostic kind of an inbound chat event.
type InboundKind string

const (
	InboundText     InboundKind = "text"
	InboundLocation InboundKind = "location"
	InboundButton   InboundKind = "button"
	InboundMenu     InboundKind = "menu"
)

// MaxInboundPayloadLength bounds the free text accepted from a single inbound event.
const MaxInboundPayloadLength = 4096

var (
	ErrEmptyChatID         = errors.New("chat id cannot be empty")
	ErrInvalidInboundKind  = errors.New("invalid inbound event kind")
	ErrMissingLocation     = errors.New("location is required for location events")
	ErrInvalidCoordinates  = errors.New("coordinates out of range")
	ErrPayloadTooLong      = errors.New("payload exceeds maximum length")
	ErrEmptyInboundPayload = errors.New("payload is required for text, button and menu events")
)

// InboundEvent is one message delivered by a chat platform adapter.
type InboundEvent struct {
	Kind      InboundKind `json:"kind"`
	ChatID    string      `json:"chat_id"`
	Payload   string      `json:"payload,omitempty"`
	Location  *Location   `json:"location,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Time      int64       `json:"time,omitempty"`
}

// Validate checks that the event carries what its kind requires.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.ChatID) == "" {
		return ErrEmptyChatID
	}
	switch e.Kind {
	case InboundLocation:
		if e.Location == nil {
			return ErrMissingLocation
		}
		if !validCoordinates(e.Location.Latitude, e.Location.Longitude) {
			return fmt.Errorf("%w: %f,%f", ErrInvalidCoordinates, e.Location.Latitude, e.Location.Longitude)
		}
	case InboundText, InboundButton, InboundMenu:
		if strings.TrimSpace(e.Payload) == "" {
			return ErrEmptyInboundPayload
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidInboundKind, e.Kind)
	}
	if len(e.Payload) > MaxInboundPayloadLength {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(e.Payload), MaxInboundPayloadLength)
	}
	return nil
}

func validCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Keyboard is an opaque presentation hint attached to an outbound message.
type Keyboard struct {
	Options         []string `json:"options,omitempty"`
	RequestLocation bool     `json:"request_location,omitempty"`
	OneTime         bool     `json:"one_time,omitempty"`
}

// Render appends the keyboard as a numbered list for text-only platforms.
func (k *Keyboard) Render(body string) string {
	if k == nil {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	if len(k.Options) > 0 {
		b.WriteString("\n")
		for i, o := range k.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, o)
		}
	}
	if k.RequestLocation {
		b.WriteString("\n\n📍 Tap the attachment icon and choose Location to share it.")
	}
	return b.String()
}
