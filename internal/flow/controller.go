package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/MealPipe/internal/metrics"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/order"
	"github.com/BTreeMap/MealPipe/internal/store"
	"github.com/BTreeMap/MealPipe/internal/util"
)

// DefaultGeocodeTimeout bounds the best-effort address lookup for a shared location.
const DefaultGeocodeTimeout = 5 * time.Second

// Sender delivers outbound messages to a chat.
type Sender interface {
	SendMessage(ctx context.Context, to, body string, kb *models.Keyboard) error
}

// PlanGenerator produces meal plans and grocery lists.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, s models.Session) (string, error)
	GenerateGroceryList(ctx context.Context, plan string) (string, error)
}

// OrderPlacer places grocery orders for a session.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, s models.Session) (order.Ack, error)
}

// Geocoder resolves coordinates to an address. Implementations return loc unchanged when nothing is found.
type Geocoder interface {
	Resolve(ctx context.Context, loc models.Location) (models.Location, error)
}

// action is the side effect a stage handler asks for after its events are applied.
type action int

const (
	actionNone action = iota
	actionGeneratePlan
	actionGenerateGrocery
	actionPlaceOrder
)

// step is what a stage handler derives from one inbound event.
type step struct {
	events []models.Event
	action action
}

// stageHandler classifies ev for the stage. ok is false when the input is not valid here.
type stageHandler func(c *Controller, ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool)

// transitions is the per-stage dispatch table.
var transitions = map[Stage]stageHandler{
	StageAwaitLocation:            (*Controller).onLocation,
	StageAwaitDiet:                onOption(models.DietGoalOptions, func(v string) models.Event { return models.DietSelected(models.DietGoal(v)) }),
	StageAwaitSubGoal:             onOption(models.SubGoalOptions, func(v string) models.Event { return models.SubGoalSelected(models.SubGoal(v)) }),
	StageAwaitFoodPref:            onOption(models.FoodPreferenceOptions, func(v string) models.Event { return models.FoodPrefSelected(models.FoodPreference(v)) }),
	StageAwaitCuisine:             (*Controller).onCuisine,
	StageAwaitBudget:              (*Controller).onBudget,
	StageAwaitRestrictionsConfirm: (*Controller).onRestrictionsConfirm,
	StageAwaitRestrictions:        (*Controller).onRestrictions,
	StageReady:                    (*Controller).onReady,
	StageGenerating:               (*Controller).onReady,
	StageAwaitGroceryConfirm:      onYesNo(actionGenerateGrocery, models.GroceryDeclined),
	StageAwaitOrderConfirm:        onYesNo(actionPlaceOrder, models.OrderDeclined),
	StageDone:                     (*Controller).onDone,
}

// Opts holds optional Controller collaborators.
type Opts struct {
	Geocoder       Geocoder
	GeocodeTimeout time.Duration
	ChunkSize      int
}

// Option configures a Controller.
type Option func(*Opts)

// WithGeocoder resolves shared locations to an address before they are stored.
func WithGeocoder(g Geocoder) Option {
	return func(o *Opts) { o.Geocoder = g }
}

// WithGeocodeTimeout bounds each address lookup.
func WithGeocodeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.GeocodeTimeout = d }
}

// WithChunkSize sets the largest outbound message in runes.
func WithChunkSize(n int) Option {
	return func(o *Opts) { o.ChunkSize = n }
}

// Controller drives the conversation for every chat.
type Controller struct {
	store          store.SessionStore
	sender         Sender
	planner        PlanGenerator
	orders         OrderPlacer
	geocoder       Geocoder
	geocodeTimeout time.Duration
	chunkSize      int
	locks          *keyedMutex
}

// NewController wires the conversation to its collaborators.
func NewController(st store.SessionStore, sender Sender, planner PlanGenerator, orders OrderPlacer, opts ...Option) *Controller {
	cfg := Opts{GeocodeTimeout: DefaultGeocodeTimeout, ChunkSize: util.DefaultChunkSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Controller: created", "geocoder_set", cfg.Geocoder != nil, "chunk_size", cfg.ChunkSize)
	return &Controller{
		store:          st,
		sender:         sender,
		planner:        planner,
		orders:         orders,
		geocoder:       cfg.Geocoder,
		geocodeTimeout: cfg.GeocodeTimeout,
		chunkSize:      cfg.ChunkSize,
		locks:          newKeyedMutex(),
	}
}

// HandleEvent processes one inbound event. Events for the same chat are handled one at a time in call order.
//
// Failures of the store, the generator or the order service are turned into replies to the chat.
// The returned error is only for logging by the caller.
func (c *Controller) HandleEvent(ctx context.Context, ev models.InboundEvent) error {
	if err := ev.Validate(); err != nil {
		metrics.ObserveInbound(string(ev.Kind), metrics.OutcomeInvalid)
		return fmt.Errorf("invalid inbound event: %w", err)
	}

	unlock := c.locks.Lock(ev.ChatID)
	defer unlock()

	outcome, err := c.handle(ctx, ev)
	metrics.ObserveInbound(string(ev.Kind), outcome)
	if err != nil {
		slog.Error("Controller.HandleEvent: failed", "chat_id", ev.ChatID, "kind", ev.Kind, "error", err)
	}
	return err
}

// ResetSession replaces the chat's session with a fresh one. It waits for any event of the chat
// being handled, so an in-flight handler cannot write its older copy over the reset.
func (c *Controller) ResetSession(ctx context.Context, chatID string) (models.Session, error) {
	unlock := c.locks.Lock(chatID)
	defer unlock()

	s, err := c.store.ResetSession(ctx, chatID)
	if err != nil {
		return models.Session{}, fmt.Errorf("reset session: %w", err)
	}
	slog.Info("Controller.ResetSession: session reset", "chat_id", chatID)
	return s, nil
}

// ExpireSession deletes the chat's session under the same lock as ResetSession.
func (c *Controller) ExpireSession(ctx context.Context, chatID string) error {
	unlock := c.locks.Lock(chatID)
	defer unlock()

	if err := c.store.ExpireSession(ctx, chatID, 0); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	slog.Info("Controller.ExpireSession: session deleted", "chat_id", chatID)
	return nil
}

func (c *Controller) handle(ctx context.Context, ev models.InboundEvent) (string, error) {
	s, fresh, err := c.load(ctx, ev)
	if errors.Is(err, store.ErrSessionExpired) {
		return metrics.OutcomeExpired, c.restart(ctx, ev.ChatID, MsgSessionExpired)
	}
	if err != nil {
		c.reply(ctx, ev.ChatID, Prompt{Body: MsgInternalError})
		return metrics.OutcomeError, err
	}

	if ev.Kind != models.InboundLocation {
		switch ParseCommand(ev.Payload) {
		case CommandStart:
			return metrics.OutcomeOK, c.restart(ctx, ev.ChatID, MsgWelcome)
		case CommandGroceryList:
			if s.LastMealPlan == "" {
				c.reply(ctx, ev.ChatID, Prompt{Body: MsgNoPlan})
				return metrics.OutcomeOK, nil
			}
			return c.generateGroceryList(ctx, s)
		case CommandPlan:
			if !s.ProfileComplete() {
				c.reply(ctx, ev.ChatID, Prompt{Body: MsgIncomplete})
				c.reply(ctx, ev.ChatID, PromptFor(s))
				return metrics.OutcomeOK, nil
			}
			return c.generatePlan(ctx, s)
		}
		if fresh {
			c.reply(ctx, ev.ChatID, Prompt{Body: MsgWelcome})
			c.reply(ctx, ev.ChatID, PromptFor(s))
			return metrics.OutcomeOK, nil
		}
	}

	stage := StageOf(s)
	handler := transitions[stage]
	st, ok := handler(c, ctx, s, ev)
	if !ok {
		slog.Debug("Controller.handle: input not valid for stage", "chat_id", s.ID, "stage", stage, "kind", ev.Kind)
		c.reply(ctx, s.ID, Reprompt(s))
		return metrics.OutcomeInvalid, nil
	}

	next, err := applyEvents(s, st.events)
	if err != nil {
		slog.Warn("Controller.handle: event rejected", "chat_id", s.ID, "stage", stage, "error", err)
		c.reply(ctx, s.ID, Reprompt(s))
		return metrics.OutcomeInvalid, nil
	}
	if len(st.events) > 0 {
		if err := c.put(ctx, next); err != nil {
			return metrics.OutcomeError, err
		}
	}

	switch st.action {
	case actionGeneratePlan:
		return c.generatePlan(ctx, next)
	case actionGenerateGrocery:
		return c.generateGroceryList(ctx, next)
	case actionPlaceOrder:
		return c.placeOrder(ctx, next)
	}

	if StageOf(next) == StageReady && stage != StageReady {
		return c.generatePlan(ctx, next)
	}
	c.reply(ctx, next.ID, PromptFor(next))
	return metrics.OutcomeOK, nil
}

// load returns the chat's session, creating it on first contact. fresh reports that it was just created.
//
// A button or menu reply implies an earlier conversation, so a missing session there counts as expired.
func (c *Controller) load(ctx context.Context, ev models.InboundEvent) (models.Session, bool, error) {
	got, err := c.store.GetSession(ctx, ev.ChatID)
	if err != nil {
		return models.Session{}, false, err
	}
	if got == nil {
		if ev.Kind == models.InboundButton || ev.Kind == models.InboundMenu {
			return models.Session{}, false, fmt.Errorf("%w: no session for %s", store.ErrSessionExpired, ev.ChatID)
		}
		s, err := c.store.ResetSession(ctx, ev.ChatID)
		if err != nil {
			return models.Session{}, false, fmt.Errorf("create session: %w", err)
		}
		slog.Info("Controller.load: session created", "chat_id", ev.ChatID)
		return s, true, nil
	}

	s := *got
	if s.Status == models.StatusGenerating {
		// Generation never outlives the handler holding the chat lock, so this is a leftover from a crash.
		slog.Warn("Controller.load: recovering interrupted generation", "chat_id", s.ID)
		recovered, _ := Reduce(s, models.GenerationFailed())
		if err := c.store.PutSession(ctx, recovered); err != nil {
			return models.Session{}, false, fmt.Errorf("recover session: %w", err)
		}
		s = recovered
	}
	return s, false, nil
}

func (c *Controller) restart(ctx context.Context, chatID, greeting string) error {
	s, err := c.store.ResetSession(ctx, chatID)
	if err != nil {
		c.reply(ctx, chatID, Prompt{Body: MsgInternalError})
		return fmt.Errorf("reset session: %w", err)
	}
	slog.Info("Controller.restart: session reset", "chat_id", chatID)
	c.reply(ctx, chatID, Prompt{Body: greeting})
	c.reply(ctx, chatID, PromptFor(s))
	return nil
}

func (c *Controller) put(ctx context.Context, s models.Session) error {
	if err := c.store.PutSession(ctx, s); err != nil {
		c.reply(ctx, s.ID, Prompt{Body: MsgInternalError})
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func applyEvents(s models.Session, events []models.Event) (models.Session, error) {
	next := s
	for _, ev := range events {
		var err error
		next, err = Reduce(next, ev)
		if err != nil {
			return s, err
		}
	}
	return next, nil
}

func (c *Controller) generatePlan(ctx context.Context, s models.Session) (string, error) {
	started, err := Reduce(s, models.GenerationStarted())
	if err != nil {
		c.reply(ctx, s.ID, Prompt{Body: MsgIncomplete})
		c.reply(ctx, s.ID, PromptFor(s))
		return metrics.OutcomeInvalid, nil
	}
	if err := c.put(ctx, started); err != nil {
		return metrics.OutcomeError, err
	}
	c.reply(ctx, s.ID, Prompt{Body: MsgGeneratingPlan})

	plan, genErr := c.planner.GeneratePlan(ctx, started)
	if genErr != nil {
		slog.Error("Controller.generatePlan: generation failed", "chat_id", s.ID, "error", genErr)
		failed, _ := Reduce(started, models.GenerationFailed())
		if err := c.put(ctx, failed); err != nil {
			return metrics.OutcomeError, err
		}
		c.reply(ctx, s.ID, Prompt{Body: MsgPlanFailed})
		return metrics.OutcomeError, nil
	}

	done, err := Reduce(started, models.PlanGenerated(plan))
	if err != nil {
		failed, _ := Reduce(started, models.GenerationFailed())
		if putErr := c.put(ctx, failed); putErr != nil {
			return metrics.OutcomeError, errors.Join(fmt.Errorf("store plan: %w", err), putErr)
		}
		c.reply(ctx, s.ID, Prompt{Body: MsgPlanFailed})
		return metrics.OutcomeError, fmt.Errorf("store plan: %w", err)
	}
	if err := c.put(ctx, done); err != nil {
		return metrics.OutcomeError, err
	}
	c.replyLong(ctx, s.ID, MsgPlanHeader, plan)
	c.reply(ctx, s.ID, PromptFor(done))
	return metrics.OutcomeOK, nil
}

func (c *Controller) generateGroceryList(ctx context.Context, s models.Session) (string, error) {
	c.reply(ctx, s.ID, Prompt{Body: MsgGeneratingList})
	list, err := c.planner.GenerateGroceryList(ctx, s.LastMealPlan)
	if err != nil {
		slog.Error("Controller.generateGroceryList: generation failed", "chat_id", s.ID, "error", err)
		c.reply(ctx, s.ID, Prompt{Body: MsgGroceryFailed})
		return metrics.OutcomeError, nil
	}
	next, err := Reduce(s, models.GroceryGenerated(list))
	if err != nil {
		c.reply(ctx, s.ID, Prompt{Body: MsgGroceryFailed})
		return metrics.OutcomeError, fmt.Errorf("store grocery list: %w", err)
	}
	if err := c.put(ctx, next); err != nil {
		return metrics.OutcomeError, err
	}
	c.replyLong(ctx, s.ID, MsgGroceryHeader, list)
	c.reply(ctx, s.ID, PromptFor(next))
	return metrics.OutcomeOK, nil
}

func (c *Controller) placeOrder(ctx context.Context, s models.Session) (string, error) {
	if c.orders == nil {
		c.reply(ctx, s.ID, Prompt{Body: MsgOrderUnavailable})
		return metrics.OutcomeOK, nil
	}
	ack, err := c.orders.PlaceOrder(ctx, s)
	var ue *order.UnauthenticatedError
	switch {
	case errors.As(err, &ue):
		if ue.LoginURL == "" {
			c.reply(ctx, s.ID, Prompt{Body: MsgOrderUnavailable})
			return metrics.OutcomeOK, nil
		}
		// The session stays ORDER_PENDING so a "yes" after logging in places the order.
		c.reply(ctx, s.ID, Prompt{Body: MsgLoginRequired + "\n" + ue.LoginURL})
		return metrics.OutcomeOK, nil
	case err != nil:
		c.reply(ctx, s.ID, Prompt{Body: MsgOrderFailed})
		return metrics.OutcomeError, nil
	}

	next, err := Reduce(s, models.OrderPlaced(ack.OrderID))
	if err != nil {
		return metrics.OutcomeError, fmt.Errorf("store order: %w", err)
	}
	if err := c.put(ctx, next); err != nil {
		return metrics.OutcomeError, err
	}
	c.reply(ctx, s.ID, Prompt{Body: fmt.Sprintf("✅ Order placed! Your order ID is %s.", ack.OrderID)})
	c.reply(ctx, s.ID, PromptFor(next))
	return metrics.OutcomeOK, nil
}

func (c *Controller) onLocation(ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
	if ev.Kind != models.InboundLocation || ev.Location == nil {
		return step{}, false
	}
	loc := *ev.Location
	if c.geocoder != nil {
		gctx, cancel := context.WithTimeout(ctx, c.geocodeTimeout)
		resolved, err := c.geocoder.Resolve(gctx, loc)
		cancel()
		if err != nil {
			slog.Warn("Controller.onLocation: reverse geocoding failed, keeping coordinates", "chat_id", s.ID, "error", err)
		} else {
			loc = resolved
		}
	}
	return step{events: []models.Event{models.LocationSet(loc)}}, true
}

func onOption(options []models.Option, event func(string) models.Event) stageHandler {
	return func(c *Controller, ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
		if ev.Kind == models.InboundLocation {
			return step{}, false
		}
		v, ok := MatchOption(options, ev.Payload)
		if !ok {
			return step{}, false
		}
		return step{events: []models.Event{event(v)}}, true
	}
}

func (c *Controller) onCuisine(ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
	if ev.Kind == models.InboundLocation {
		return step{}, false
	}
	cuisines, done, ok := ParseCuisines(ev.Payload)
	if !ok {
		return step{}, false
	}
	events := make([]models.Event, 0, len(cuisines)+1)
	for _, cu := range cuisines {
		events = append(events, models.CuisineAdded(cu))
	}
	if done {
		events = append(events, models.CuisineDone())
	}
	return step{events: events}, true
}

func (c *Controller) onBudget(ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
	if ev.Kind == models.InboundLocation {
		return step{}, false
	}
	amount, ok := ParseBudget(ev.Payload)
	if !ok {
		return step{}, false
	}
	events := []models.Event{models.BudgetSet(amount)}
	if s.FoodPreference != models.FoodCustom {
		events = append(events, models.ConfirmationRequested(models.ConfirmRestrictions))
	}
	return step{events: events}, true
}

func (c *Controller) onRestrictionsConfirm(ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
	if ev.Kind == models.InboundLocation {
		return step{}, false
	}
	yes, ok := ParseYesNo(ev.Payload)
	switch {
	case ok && yes:
		return step{events: []models.Event{models.ConfirmationCleared()}}, true
	case ok:
		return step{events: []models.Event{models.RestrictionsSet("")}}, true
	}
	// Answering the question with the restrictions themselves skips a round trip.
	return step{events: []models.Event{models.RestrictionsSet(ev.Payload)}}, true
}

func (c *Controller) onRestrictions(ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
	if ev.Kind == models.InboundLocation {
		return step{}, false
	}
	text := strings.TrimSpace(ev.Payload)
	switch normalize(text) {
	case "no", "none", "nothing", "n/a":
		text = ""
	}
	return step{events: []models.Event{models.RestrictionsSet(text)}}, true
}

// onReady retries generation for a session whose last attempt failed.
func (c *Controller) onReady(ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
	if ev.Kind == models.InboundLocation {
		return step{}, false
	}
	if yes, ok := ParseYesNo(ev.Payload); ok && !yes {
		return step{}, true
	}
	return step{action: actionGeneratePlan}, true
}

func onYesNo(onYes action, onNo func() models.Event) stageHandler {
	return func(c *Controller, ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
		yes, ok := ParseYesNo(ev.Payload)
		if !ok {
			return step{}, false
		}
		if yes {
			return step{action: onYes}, true
		}
		return step{events: []models.Event{onNo()}}, true
	}
}

func (c *Controller) onDone(ctx context.Context, s models.Session, ev models.InboundEvent) (step, bool) {
	return step{}, true
}

func (c *Controller) reply(ctx context.Context, chatID string, p Prompt) {
	if err := c.sender.SendMessage(ctx, chatID, p.Body, p.Keyboard); err != nil {
		slog.Error("Controller.reply: send failed", "chat_id", chatID, "error", err)
	}
}

// replyLong sends header followed by body split into platform-sized chunks.
func (c *Controller) replyLong(ctx context.Context, chatID, header, body string) {
	chunks := util.SplitMessage(header+"\n\n"+body, c.chunkSize)
	for _, chunk := range chunks {
		c.reply(ctx, chatID, Prompt{Body: chunk})
	}
}
