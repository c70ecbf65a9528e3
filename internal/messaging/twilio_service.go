package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the HMAC signature Twilio attaches to webhooks.
const TwilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without sending a reply through Twilio's response channel.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// WebhookValidator verifies Twilio webhook signatures. *twiliowhatsapp.Client implements it.
type WebhookValidator interface {
	ValidateWebhook(fullURL string, form url.Values, signature string) bool
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	*emitter

	validator WebhookValidator
	publicURL string // externally visible webhook URL used to check signatures
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhooks whose signature does not match publicURL.
func WithWebhookValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:  client,
		emitter: newEmitter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient strips the whatsapp: prefix and every non-digit.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}
	canonical, err := canonicalPhone(strings.TrimPrefix(recipient, twiliowhatsapp.ChannelPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, recipient)
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound traffic arrives through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage renders the keyboard as a numbered list, sends via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string, kb *models.Keyboard) error {
	if s.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, "+"+canonicalTo, kb.Render(body)); err != nil {
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Events returns the channel for inbound webhook messages
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// TwilioWebhookHandler handles inbound message and status callback webhooks.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validator.ValidateWebhook(s.publicURL, r.PostForm, r.Header.Get(TwilioSignatureHeader)) {
		slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if status := r.PostForm.Get("MessageStatus"); status != "" && r.PostForm.Get("Body") == "" {
		s.handleStatusCallback(r.PostForm)
		writeTwiML(w)
		return
	}

	ev, err := s.parseInbound(r.PostForm)
	if err != nil {
		slog.Warn("Twilio webhook rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.emitEvent(ev) {
		slog.Warn("TwilioService dropping inbound event", "chat_id", ev.ChatID, "message_id", ev.MessageID)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("TwilioService emitted inbound event", "chat_id", ev.ChatID, "kind", ev.Kind)
	writeTwiML(w)
}

// parseInbound maps Twilio webhook fields to an inbound event.
func (s *TwilioService) parseInbound(form url.Values) (models.InboundEvent, error) {
	chatID, err := s.ValidateAndCanonicalizeRecipient(form.Get("From"))
	if err != nil {
		return models.InboundEvent{}, err
	}
	ev := models.InboundEvent{
		ChatID:    chatID,
		MessageID: form.Get("MessageSid"),
		Time:      time.Now().Unix(),
	}
	switch {
	case form.Get("Latitude") != "" && form.Get("Longitude") != "":
		lat, errLat := strconv.ParseFloat(form.Get("Latitude"), 64)
		lon, errLon := strconv.ParseFloat(form.Get("Longitude"), 64)
		if errLat != nil || errLon != nil {
			return models.InboundEvent{}, fmt.Errorf("%w: %q,%q", models.ErrInvalidCoordinates, form.Get("Latitude"), form.Get("Longitude"))
		}
		ev.Kind = models.InboundLocation
		ev.Location = &models.Location{Latitude: lat, Longitude: lon}
	case form.Get("ButtonPayload") != "":
		ev.Kind, ev.Payload = models.InboundButton, form.Get("ButtonPayload")
	case form.Get("ButtonText") != "":
		ev.Kind, ev.Payload = models.InboundButton, form.Get("ButtonText")
	default:
		ev.Kind, ev.Payload = models.InboundText, form.Get("Body")
	}
	if err := ev.Validate(); err != nil {
		return models.InboundEvent{}, err
	}
	return ev, nil
}

func (s *TwilioService) handleStatusCallback(form url.Values) {
	var status models.MessageStatus
	switch form.Get("MessageStatus") {
	case "sent":
		status = models.MessageStatusSent
	case "delivered":
		status = models.MessageStatusDelivered
	case "read":
		status = models.MessageStatusRead
	case "failed", "undelivered":
		status = models.MessageStatusFailed
	default:
		return
	}
	to, err := s.ValidateAndCanonicalizeRecipient(form.Get("To"))
	if err != nil {
		return
	}
	s.emitReceipt(models.Receipt{To: to, Status: status, Time: time.Now().Unix()})
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}
