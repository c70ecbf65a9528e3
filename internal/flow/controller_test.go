package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/order"
	"github.com/BTreeMap/MealPipe/internal/store"
)

type sentMessage struct {
	To       string
	Body     string
	Keyboard *models.Keyboard
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string, kb *models.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Body: body, Keyboard: kb})
	return nil
}

func (f *fakeSender) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Body
	}
	return out
}

func (f *fakeSender) contains(substr string) bool {
	for _, b := range f.bodies() {
		if strings.Contains(b, substr) {
			return true
		}
	}
	return false
}

type fakePlanner struct {
	mu          sync.Mutex
	plan        string
	planErr     error
	list        string
	listErr     error
	planCalls   int
	listCalls   int
	lastSession models.Session
	lastPlan    string
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, s models.Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planCalls++
	f.lastSession = s
	return f.plan, f.planErr
}

func (f *fakePlanner) GenerateGroceryList(ctx context.Context, plan string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastPlan = plan
	return f.list, f.listErr
}

type fakeOrders struct {
	ack   order.Ack
	err   error
	calls int
}

func (f *fakeOrders) PlaceOrder(ctx context.Context, s models.Session) (order.Ack, error) {
	f.calls++
	return f.ack, f.err
}

type fakeGeocoder struct {
	err error
}

func (f fakeGeocoder) Resolve(ctx context.Context, loc models.Location) (models.Location, error) {
	if f.err != nil {
		return loc, f.err
	}
	loc.City, loc.Country = "Bengaluru", "India"
	return loc, nil
}

type testRig struct {
	ctrl    *Controller
	store   *store.InMemoryStore
	sender  *fakeSender
	planner *fakePlanner
	orders  *fakeOrders
}

func newRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	r := &testRig{
		store:   store.NewInMemoryStore(),
		sender:  &fakeSender{},
		planner: &fakePlanner{plan: "Breakfast: poha\nLunch: dal", list: "Rice: 1\nLentils: 2"},
		orders:  &fakeOrders{ack: order.Ack{OrderID: "order-9"}},
	}
	r.ctrl = NewController(r.store, r.sender, r.planner, r.orders, opts...)
	return r
}

func (r *testRig) text(t *testing.T, chatID, payload string) {
	t.Helper()
	if err := r.ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundText, ChatID: chatID, Payload: payload}); err != nil {
		t.Fatalf("HandleEvent(%q): %v", payload, err)
	}
}

func (r *testRig) session(t *testing.T, chatID string) models.Session {
	t.Helper()
	s, err := r.store.GetSession(context.Background(), chatID)
	if err != nil || s == nil {
		t.Fatalf("GetSession(%s) = %v, %v", chatID, s, err)
	}
	return *s
}

func (r *testRig) seed(t *testing.T, s models.Session) {
	t.Helper()
	if err := r.store.PutSession(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func TestControllerFullConversation(t *testing.T) {
	r := newRig(t, WithGeocoder(fakeGeocoder{}))
	ctx := context.Background()

	r.text(t, "chat-1", "hi")
	if !r.sender.contains(MsgWelcome) || !r.sender.last().Keyboard.RequestLocation {
		t.Fatalf("first contact did not ask for a location: %v", r.sender.bodies())
	}

	loc := &models.Location{Latitude: 12.97, Longitude: 77.59}
	if err := r.ctrl.HandleEvent(ctx, models.InboundEvent{Kind: models.InboundLocation, ChatID: "chat-1", Location: loc}); err != nil {
		t.Fatal(err)
	}
	if s := r.session(t, "chat-1"); s.Location == nil || s.Location.City != "Bengaluru" {
		t.Fatalf("location not resolved: %+v", s.Location)
	}
	if r.sender.last().Body != stagePrompts[StageAwaitDiet].Body {
		t.Errorf("expected diet prompt, got %q", r.sender.last().Body)
	}

	if err := r.ctrl.HandleEvent(ctx, models.InboundEvent{Kind: models.InboundButton, ChatID: "chat-1", Payload: "diet_lose_weight"}); err != nil {
		t.Fatal(err)
	}
	r.text(t, "chat-1", "Cut")
	r.text(t, "chat-1", "1")
	r.text(t, "chat-1", "Indian, Thai")
	if !strings.Contains(r.sender.last().Body, "Indian, Thai") {
		t.Errorf("cuisine progress not shown: %q", r.sender.last().Body)
	}
	r.text(t, "chat-1", "done")
	r.text(t, "chat-1", "$50")
	if StageOf(r.session(t, "chat-1")) != StageAwaitRestrictionsConfirm {
		t.Fatalf("stage = %s", StageOf(r.session(t, "chat-1")))
	}
	r.text(t, "chat-1", "no peanuts")

	s := r.session(t, "chat-1")
	if s.Status != models.StatusGroceryPending || s.LastMealPlan != r.planner.plan {
		t.Fatalf("plan not stored: status %s plan %q", s.Status, s.LastMealPlan)
	}
	got := r.planner.lastSession
	if got.DietGoal != models.DietLosingWeight || got.SubGoal != models.SubGoalCut || got.FoodPreference != models.FoodVeg ||
		got.Budget != 50 || got.Restrictions != "no peanuts" || strings.Join(got.SelectedCuisines, ",") != "Indian,Thai" {
		t.Errorf("planner saw %+v", got)
	}
	if !r.sender.contains(MsgPlanHeader) {
		t.Error("plan not sent")
	}

	r.text(t, "chat-1", "yes")
	s = r.session(t, "chat-1")
	if s.Status != models.StatusOrderPending || s.LastGroceryList != r.planner.list || r.planner.lastPlan != s.LastMealPlan {
		t.Fatalf("grocery list not stored: %+v", s)
	}

	r.orders.err = &order.UnauthenticatedError{LoginURL: "https://shop.example/login"}
	r.text(t, "chat-1", "yes")
	if !strings.Contains(r.sender.last().Body, "https://shop.example/login") {
		t.Errorf("login link not sent: %q", r.sender.last().Body)
	}
	if s := r.session(t, "chat-1"); s.Status != models.StatusOrderPending || s.LastOrderID != "" {
		t.Errorf("unauthenticated order changed the session: %+v", s)
	}

	r.orders.err = nil
	r.text(t, "chat-1", "yes")
	s = r.session(t, "chat-1")
	if s.Status != models.StatusDone || s.LastOrderID != "order-9" {
		t.Errorf("order not recorded: %+v", s)
	}
	if r.orders.calls != 2 {
		t.Errorf("order calls = %d", r.orders.calls)
	}
}

func TestControllerInvalidInputReprompts(t *testing.T) {
	r := newRig(t)
	s := mustReduce(t, models.NewSession("chat-2"), models.LocationSet(testLocation))
	r.seed(t, s)
	before := r.session(t, "chat-2")

	r.text(t, "chat-2", "keto please")
	want := MsgNotUnderstood + " " + stagePrompts[StageAwaitDiet].Body
	if r.sender.last().Body != want {
		t.Errorf("reprompt = %q, want %q", r.sender.last().Body, want)
	}
	after := r.session(t, "chat-2")
	if after.DietGoal != "" || after.Status != before.Status {
		t.Errorf("invalid input changed the session: %+v", after)
	}

	// A text message where a location is expected is also invalid.
	r.seed(t, models.NewSession("chat-3"))
	r.text(t, "chat-3", "Bengaluru")
	if !strings.HasPrefix(r.sender.last().Body, MsgNotUnderstood) {
		t.Errorf("expected reprompt, got %q", r.sender.last().Body)
	}
}

func TestControllerButtonWithoutSessionIsExpired(t *testing.T) {
	r := newRig(t)
	err := r.ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundButton, ChatID: "gone", Payload: "Bulk"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.sender.contains(MsgSessionExpired) {
		t.Errorf("expired message not sent: %v", r.sender.bodies())
	}
	if s := r.session(t, "gone"); s.Status != models.StatusNew {
		t.Errorf("fresh session not stored: %+v", s)
	}
}

// expiringStore reports every stored session as expired once.
type expiringStore struct {
	*store.InMemoryStore
	expired map[string]bool
}

func (e *expiringStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if e.expired[id] {
		delete(e.expired, id)
		return nil, fmt.Errorf("get %s: %w", id, store.ErrSessionExpired)
	}
	return e.InMemoryStore.GetSession(ctx, id)
}

func TestControllerStoreExpiryRestarts(t *testing.T) {
	st := &expiringStore{InMemoryStore: store.NewInMemoryStore(), expired: map[string]bool{"old": true}}
	sender := &fakeSender{}
	ctrl := NewController(st, sender, &fakePlanner{}, nil)

	if err := ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundText, ChatID: "old", Payload: "Bulk"}); err != nil {
		t.Fatal(err)
	}
	if !sender.contains(MsgSessionExpired) {
		t.Errorf("expired message not sent: %v", sender.bodies())
	}
	s, _ := st.GetSession(context.Background(), "old")
	if s == nil || s.Status != models.StatusNew {
		t.Errorf("session not restarted: %+v", s)
	}
}

func readySession(id string) models.Session {
	s := models.NewSession(id)
	for _, ev := range profileEvents() {
		s, _ = Reduce(s, ev)
	}
	return s
}

func TestControllerGenerationFailureKeepsReady(t *testing.T) {
	r := newRig(t)
	r.planner.planErr = errors.New("connection refused")
	r.seed(t, readySession("chat-4"))

	r.text(t, "chat-4", "/plan")
	s := r.session(t, "chat-4")
	if s.Status != models.StatusReady || s.LastMealPlan != "" {
		t.Fatalf("failed generation changed the session: %+v", s)
	}
	if r.sender.last().Body != MsgPlanFailed {
		t.Errorf("last message = %q", r.sender.last().Body)
	}

	r.planner.planErr = nil
	r.text(t, "chat-4", "try again")
	if s := r.session(t, "chat-4"); s.Status != models.StatusGroceryPending {
		t.Errorf("retry did not generate: %+v", s)
	}
	if r.planner.planCalls != 2 {
		t.Errorf("plan calls = %d", r.planner.planCalls)
	}
}

func TestControllerRecoversInterruptedGeneration(t *testing.T) {
	r := newRig(t)
	s := readySession("chat-5")
	s, _ = Reduce(s, models.GenerationStarted())
	r.seed(t, s)

	r.text(t, "chat-5", "hello?")
	if got := r.session(t, "chat-5"); got.Status != models.StatusGroceryPending {
		t.Errorf("interrupted generation not retried: %s", got.Status)
	}
}

func TestControllerCommands(t *testing.T) {
	r := newRig(t)
	partial := mustReduce(t, models.NewSession("chat-6"), profileEvents()[:3]...)
	r.seed(t, partial)

	r.text(t, "chat-6", "!grocerylist")
	if r.sender.last().Body != MsgNoPlan {
		t.Errorf("grocery list without plan: %q", r.sender.last().Body)
	}
	r.text(t, "chat-6", "/plan")
	if !r.sender.contains(MsgIncomplete) || r.planner.planCalls != 0 {
		t.Errorf("incomplete profile generated: calls %d", r.planner.planCalls)
	}

	r.text(t, "chat-6", "/start")
	if s := r.session(t, "chat-6"); s.Status != models.StatusNew || s.DietGoal != "" {
		t.Errorf("restart kept state: %+v", s)
	}

	done := readySession("chat-7")
	done, _ = Reduce(done, models.GenerationStarted())
	done, _ = Reduce(done, models.PlanGenerated("Dinner: khichdi"))
	done, _ = Reduce(done, models.GroceryDeclined())
	r.seed(t, done)
	r.text(t, "chat-7", "/grocerylist")
	if r.planner.lastPlan != "Dinner: khichdi" {
		t.Errorf("grocery list built from %q", r.planner.lastPlan)
	}
	if s := r.session(t, "chat-7"); s.Status != models.StatusOrderPending {
		t.Errorf("status after grocery command %s", s.Status)
	}
}

func TestControllerCustomPreferenceSkipsQuestion(t *testing.T) {
	r := newRig(t)
	s := mustReduce(t, models.NewSession("chat-8"), profileEvents()[:3]...)
	s = mustReduce(t, s, models.FoodPrefSelected(models.FoodCustom), models.CuisineDone())
	r.seed(t, s)

	r.text(t, "chat-8", "30")
	if got := r.session(t, "chat-8"); StageOf(got) != StageAwaitRestrictions {
		t.Fatalf("stage = %s", StageOf(got))
	}
	r.text(t, "chat-8", "high protein, no dairy")
	if got := r.session(t, "chat-8"); got.Restrictions != "high protein, no dairy" || got.LastMealPlan == "" {
		t.Errorf("custom restrictions not used: %+v", got)
	}
}

func TestControllerRestrictionsYesAsksForDetails(t *testing.T) {
	r := newRig(t)
	s := mustReduce(t, models.NewSession("chat-9"), profileEvents()[:7]...)
	s = mustReduce(t, s, models.ConfirmationRequested(models.ConfirmRestrictions))
	r.seed(t, s)

	r.text(t, "chat-9", "yes")
	if r.sender.last().Body != stagePrompts[StageAwaitRestrictions].Body {
		t.Errorf("expected details prompt, got %q", r.sender.last().Body)
	}
	r.text(t, "chat-9", "none")
	if got := r.session(t, "chat-9"); !got.RestrictionsSet || got.Restrictions != "" || got.LastMealPlan == "" {
		t.Errorf("restrictions not recorded as none: %+v", got)
	}
}

func TestControllerSplitsLongPlans(t *testing.T) {
	r := newRig(t, WithChunkSize(100))
	r.planner.plan = strings.Repeat("meal ", 100)
	r.seed(t, readySession("chat-10"))

	r.text(t, "chat-10", "/plan")
	chunks := 0
	for _, b := range r.sender.bodies() {
		if n := utf8.RuneCountInString(b); n > 100 {
			t.Errorf("message of %d runes exceeds chunk size", n)
		}
		if strings.Contains(b, "meal") {
			chunks++
		}
	}
	if chunks < 5 {
		t.Errorf("plan sent in %d chunks", chunks)
	}
}

func TestControllerSerializesPerChat(t *testing.T) {
	r := newRig(t)
	s := mustReduce(t, models.NewSession("chat-11"), profileEvents()[:4]...)
	r.seed(t, s)

	var wg sync.WaitGroup
	for _, c := range models.Cuisines {
		wg.Add(1)
		go func(cuisine string) {
			defer wg.Done()
			r.ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundText, ChatID: "chat-11", Payload: cuisine})
		}(c)
	}
	wg.Wait()

	got := r.session(t, "chat-11")
	if len(got.SelectedCuisines) != len(models.Cuisines) {
		t.Errorf("lost updates: %v", got.SelectedCuisines)
	}
	if r.ctrl.locks.size() != 0 {
		t.Errorf("locks leaked: %d", r.ctrl.locks.size())
	}
}

func TestControllerSessionsDoNotShareState(t *testing.T) {
	r := newRig(t)
	r.planner.plan = "plan for A"
	r.seed(t, readySession("A"))
	r.seed(t, mustReduce(t, models.NewSession("B"), profileEvents()[:3]...))

	r.text(t, "A", "/plan")
	r.text(t, "B", "/grocerylist")
	if r.sender.last().Body != MsgNoPlan || r.sender.last().To != "B" {
		t.Errorf("B saw another chat's plan: %+v", r.sender.last())
	}
	if b := r.session(t, "B"); b.LastMealPlan != "" {
		t.Errorf("plan leaked into B: %q", b.LastMealPlan)
	}
}

func TestHandleEventRejectsInvalidEvents(t *testing.T) {
	r := newRig(t)
	err := r.ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundText, ChatID: "", Payload: "hi"})
	if !errors.Is(err, models.ErrEmptyChatID) {
		t.Errorf("expected ErrEmptyChatID, got %v", err)
	}
	if len(r.sender.bodies()) != 0 {
		t.Error("reply sent for an invalid event")
	}
}

func TestControllerGeocodeFailureKeepsCoordinates(t *testing.T) {
	r := newRig(t, WithGeocoder(fakeGeocoder{err: errors.New("timeout")}), WithGeocodeTimeout(time.Second))
	r.seed(t, models.NewSession("chat-12"))
	loc := &models.Location{Latitude: 1.5, Longitude: 2.5}
	if err := r.ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundLocation, ChatID: "chat-12", Location: loc}); err != nil {
		t.Fatal(err)
	}
	s := r.session(t, "chat-12")
	if s.Location == nil || s.Location.Latitude != 1.5 || s.Location.City != "" {
		t.Errorf("location = %+v", s.Location)
	}
}

// blockingPlanner holds GeneratePlan until release is closed.
type blockingPlanner struct {
	fakePlanner
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPlanner) GeneratePlan(ctx context.Context, s models.Session) (string, error) {
	close(b.entered)
	<-b.release
	return b.fakePlanner.GeneratePlan(ctx, s)
}

func TestControllerResetWaitsForInFlightEvent(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	planner := &blockingPlanner{
		fakePlanner: fakePlanner{plan: "Breakfast: oats"},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	ctrl := NewController(st, &fakeSender{}, planner, nil)
	if err := st.PutSession(ctx, readySession("a")); err != nil {
		t.Fatal(err)
	}

	handled := make(chan error, 1)
	go func() {
		handled <- ctrl.HandleEvent(ctx, models.InboundEvent{Kind: models.InboundText, ChatID: "a", Payload: "/plan"})
	}()
	<-planner.entered

	reset := make(chan error, 1)
	go func() {
		_, err := ctrl.ResetSession(ctx, "a")
		reset <- err
	}()
	select {
	case err := <-reset:
		t.Fatalf("reset finished while the chat was generating: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(planner.release)
	if err := <-handled; err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := <-reset; err != nil {
		t.Fatalf("ResetSession: %v", err)
	}

	s, err := st.GetSession(ctx, "a")
	if err != nil || s == nil {
		t.Fatalf("GetSession = %v, %v", s, err)
	}
	if s.Status != models.StatusNew || s.DietGoal != "" || s.LastMealPlan != "" {
		t.Errorf("reset overwritten by generation: %+v", s)
	}
}

func TestControllerExpireSession(t *testing.T) {
	r := newRig(t)
	r.seed(t, readySession("chat-14"))

	if err := r.ctrl.ExpireSession(context.Background(), "chat-14"); err != nil {
		t.Fatal(err)
	}
	if s, err := r.store.GetSession(context.Background(), "chat-14"); err != nil || s != nil {
		t.Errorf("GetSession after expire = %+v, %v", s, err)
	}
	if r.ctrl.locks.size() != 0 {
		t.Errorf("locks leaked: %d", r.ctrl.locks.size())
	}
}

func TestControllerLocationAtReadyReprompts(t *testing.T) {
	r := newRig(t)
	r.seed(t, readySession("chat-15"))

	err := r.ctrl.HandleEvent(context.Background(), models.InboundEvent{
		Kind:     models.InboundLocation,
		ChatID:   "chat-15",
		Location: &models.Location{Latitude: 12.97, Longitude: 77.59},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.planner.planCalls != 0 {
		t.Errorf("location started generation: %d calls", r.planner.planCalls)
	}
	if !strings.HasPrefix(r.sender.last().Body, MsgNotUnderstood) {
		t.Errorf("last message = %q", r.sender.last().Body)
	}
}

func TestControllerStartIsARestrictionsAnswer(t *testing.T) {
	r := newRig(t)
	s := mustReduce(t, models.NewSession("chat-16"), profileEvents()[:7]...)
	s = mustReduce(t, s, models.ConfirmationRequested(models.ConfirmRestrictions), models.ConfirmationCleared())
	r.seed(t, s)

	r.text(t, "chat-16", "start")
	got := r.session(t, "chat-16")
	if got.Restrictions != "start" || got.DietGoal == "" {
		t.Errorf("bare start restarted the session: %+v", got)
	}
}

// readyFailStore rejects writes that put a session back to READY.
type readyFailStore struct {
	*store.InMemoryStore
}

func (f readyFailStore) PutSession(ctx context.Context, s models.Session) error {
	if s.Status == models.StatusReady {
		return errors.New("disk full")
	}
	return f.InMemoryStore.PutSession(ctx, s)
}

func TestControllerBlankPlanRollsBack(t *testing.T) {
	r := newRig(t)
	r.planner.plan = "   "
	r.seed(t, readySession("chat-17"))

	err := r.ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundText, ChatID: "chat-17", Payload: "/plan"})
	if err == nil {
		t.Fatal("expected an error for a blank plan")
	}
	if s := r.session(t, "chat-17"); s.Status != models.StatusReady {
		t.Errorf("status = %s, want READY", s.Status)
	}
	if r.sender.last().Body != MsgPlanFailed {
		t.Errorf("last message = %q", r.sender.last().Body)
	}

	st := readyFailStore{InMemoryStore: store.NewInMemoryStore()}
	sender := &fakeSender{}
	ctrl := NewController(st, sender, &fakePlanner{plan: "\n"}, nil)
	if err := st.InMemoryStore.PutSession(context.Background(), readySession("chat-18")); err != nil {
		t.Fatal(err)
	}
	err = ctrl.HandleEvent(context.Background(), models.InboundEvent{Kind: models.InboundText, ChatID: "chat-18", Payload: "/plan"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("rollback failure not reported: %v", err)
	}
	if sender.last().Body != MsgInternalError {
		t.Errorf("last message = %q", sender.last().Body)
	}
}
