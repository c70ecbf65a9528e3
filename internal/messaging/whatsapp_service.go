package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // Access to underlying client for event handling
	*emitter
	handlerID uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		emitter: newEmitter(),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number or JID user to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop removes the event handler and closes the channels.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.Disconnect()
	}
	s.stop()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage renders the keyboard as text, sends it and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string, kb *models.Keyboard) error {
	if s.stopped() {
		return ErrServiceStopped
	}
	recipient, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, recipient, kb.Render(body)); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", recipient)
		s.emitReceipt(models.Receipt{To: recipient, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	s.emitReceipt(models.Receipt{To: recipient, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Debug("WhatsAppService message sent", "to", recipient)
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Events returns a channel of inbound chat events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	ev, ok := convertMessage(evt)
	if !ok {
		return
	}
	if !s.emitEvent(ev) {
		slog.Warn("WhatsAppService events channel blocked, dropping message", "chat_id", ev.ChatID, "message_id", ev.MessageID)
		return
	}
	slog.Debug("WhatsAppService inbound event forwarded", "chat_id", ev.ChatID, "kind", ev.Kind)
}

// convertMessage maps a whatsmeow message to an inbound event. Own messages, group
// messages and unsupported content are skipped.
func convertMessage(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}
	ev := models.InboundEvent{
		ChatID:    evt.Info.Sender.User,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}
	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		ev.Kind, ev.Payload = models.InboundText, msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		ev.Kind, ev.Payload = models.InboundText, msg.GetExtendedTextMessage().GetText()
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		ev.Kind = models.InboundLocation
		ev.Location = &models.Location{Latitude: loc.GetDegreesLatitude(), Longitude: loc.GetDegreesLongitude()}
	case msg.GetButtonsResponseMessage() != nil:
		btn := msg.GetButtonsResponseMessage()
		ev.Kind, ev.Payload = models.InboundButton, btn.GetSelectedButtonID()
		if ev.Payload == "" {
			ev.Payload = btn.GetSelectedDisplayText()
		}
	case msg.GetListResponseMessage() != nil:
		ev.Kind, ev.Payload = models.InboundMenu, msg.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}
	return ev, true
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	receipt := models.Receipt{To: evt.MessageSource.Chat.User, Status: status, Time: evt.Timestamp.Unix()}
	if !s.emitReceipt(receipt) {
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To, "timeout", DefaultChannelTimeout)
	}
}
