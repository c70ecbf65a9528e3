package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

type recordingHandler struct {
	mu      sync.Mutex
	seen    map[string][]string
	active  map[string]int
	overlap bool
	delay   time.Duration
	block   chan struct{}
	ctxErr  error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(map[string][]string), active: make(map[string]int)}
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev models.InboundEvent) error {
	h.mu.Lock()
	h.active[ev.ChatID]++
	if h.active[ev.ChatID] > 1 {
		h.overlap = true
	}
	h.mu.Unlock()

	if h.block != nil {
		<-h.block
	}
	time.Sleep(h.delay)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[ev.ChatID]--
	h.seen[ev.ChatID] = append(h.seen[ev.ChatID], ev.Payload)
	h.ctxErr = ctx.Err()
	return nil
}

func (h *recordingHandler) payloads(chatID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen[chatID]...)
}

func textEvent(chatID, payload, id string) models.InboundEvent {
	return models.InboundEvent{Kind: models.InboundText, ChatID: chatID, Payload: payload, MessageID: id}
}

func TestDispatcherPreservesPerChatOrder(t *testing.T) {
	h := newRecordingHandler()
	h.delay = time.Millisecond
	d := NewDispatcher(h)

	for i := 0; i < 20; i++ {
		for _, chat := range []string{"A", "B", "C"} {
			if err := d.Dispatch(context.Background(), textEvent(chat, fmt.Sprint(i), "")); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
		}
	}
	d.Close()

	for _, chat := range []string{"A", "B", "C"} {
		got := h.payloads(chat)
		if len(got) != 20 {
			t.Fatalf("chat %s handled %d events", chat, len(got))
		}
		for i, p := range got {
			if p != fmt.Sprint(i) {
				t.Fatalf("chat %s out of order at %d: %v", chat, i, got)
			}
		}
	}
	if h.overlap {
		t.Error("events of one chat were handled concurrently")
	}
	if d.pending() != 0 {
		t.Errorf("queues leaked: %d", d.pending())
	}
}

func TestDispatcherDropsDuplicates(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h, WithDedup(store.NewInMemoryDedup(time.Hour)))

	if err := d.Dispatch(context.Background(), textEvent("A", "Vegan", "wamid.1")); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(context.Background(), textEvent("A", "Vegan", "wamid.1")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("redelivery error = %v, want ErrDuplicate", err)
	}
	if err := d.Dispatch(context.Background(), textEvent("A", "Keto", "")); err != nil {
		t.Errorf("events without an ID are never duplicates: %v", err)
	}
	d.Close()
	if got := h.payloads("A"); len(got) != 2 {
		t.Errorf("handled = %v", got)
	}
}

func TestDispatcherRateLimitsPerChat(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(context.Background(), textEvent("A", "x", "")); err != nil {
			t.Fatalf("burst event %d: %v", i, err)
		}
	}
	if err := d.Dispatch(context.Background(), textEvent("A", "x", "")); !errors.Is(err, ErrRateLimited) {
		t.Errorf("third event error = %v", err)
	}
	if err := d.Dispatch(context.Background(), textEvent("B", "x", "")); err != nil {
		t.Errorf("other chat limited: %v", err)
	}
	d.Close()
}

func TestDispatcherQueueFull(t *testing.T) {
	h := newRecordingHandler()
	h.block = make(chan struct{})
	d := NewDispatcher(h, WithQueueSize(1))

	if err := d.Dispatch(context.Background(), textEvent("A", "1", "")); err != nil {
		t.Fatal(err)
	}
	// Wait until the first event is being handled so the queue is empty again.
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		busy := h.active["A"] == 1
		h.mu.Unlock()
		if busy || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := d.Dispatch(context.Background(), textEvent("A", "2", "")); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(context.Background(), textEvent("A", "3", "")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("overflow error = %v", err)
	}
	close(h.block)
	d.Close()
	if got := h.payloads("A"); len(got) != 2 {
		t.Errorf("handled = %v", got)
	}
	if err := d.Dispatch(context.Background(), textEvent("A", "4", "")); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("dispatch after close = %v", err)
	}
}

func TestDispatcherOutlivesCallerContext(t *testing.T) {
	h := newRecordingHandler()
	h.delay = 10 * time.Millisecond
	d := NewDispatcher(h)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Dispatch(ctx, textEvent("A", "x", "")); err != nil {
		t.Fatal(err)
	}
	cancel()
	d.Close()
	if h.ctxErr != nil {
		t.Errorf("handler saw cancelled context: %v", h.ctxErr)
	}
}

func TestDispatcherRejectsInvalid(t *testing.T) {
	d := NewDispatcher(newRecordingHandler())
	if err := d.Dispatch(context.Background(), models.InboundEvent{Kind: models.InboundText, Payload: "x"}); !errors.Is(err, models.ErrEmptyChatID) {
		t.Errorf("error = %v", err)
	}
}

func TestDispatcherRunDrainsService(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h)
	svc := NewMemoryService()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), svc)
		close(done)
	}()

	for _, p := range []string{"start", "Vegan"} {
		if err := svc.Inject(textEvent("A", p, "")); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.SendMessage(context.Background(), "A", "hi", nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.payloads("A")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the service stopped")
	}
	d.Close()

	if got := h.payloads("A"); len(got) != 2 || got[0] != "start" {
		t.Errorf("handled = %v", got)
	}
	if sent := svc.Sent(); len(sent) != 1 || sent[0].Body != "hi" {
		t.Errorf("sent = %+v", sent)
	}
	if err := svc.Inject(textEvent("A", "x", "")); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("inject after stop = %v", err)
	}
}

func TestChatLimiterSweepsIdleBuckets(t *testing.T) {
	l := newChatLimiter(1, 1, time.Minute)
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	l.allow("old")
	now = now.Add(2 * time.Minute)
	for i := 0; i < limiterSweepEvery; i++ {
		l.allow("fresh")
	}
	l.mu.Lock()
	_, found := l.buckets["old"]
	l.mu.Unlock()
	if found {
		t.Error("idle bucket was not swept")
	}
}
