package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/MealPipe/internal/flow"
	"github.com/BTreeMap/MealPipe/internal/messaging"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/order"
	"github.com/BTreeMap/MealPipe/internal/store"
	"github.com/google/uuid"
)

// MsgLoginComplete is sent to a chat after its OAuth login succeeds.
const MsgLoginComplete = "You're logged in. Reply \"yes\" to place your grocery order."

// healthCheckID is a chat ID no platform produces, read to probe the store.
const healthCheckID = "__health__"

// SessionView is the inspection payload of GET /sessions/{id}.
type SessionView struct {
	Session models.Session `json:"session"`
	Stage   flow.Stage     `json:"stage"`
}

// EventAccepted is the result of a queued inbound event.
type EventAccepted struct {
	MessageID string `json:"message_id"`
}

// inboundEventHandler queues a platform-agnostic inbound event (POST /events).
func (s *Server) inboundEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundEventHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var ev models.InboundEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes)).Decode(&ev); err != nil {
		slog.Warn("Server.inboundEventHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := ev.Validate(); err != nil {
		slog.Warn("Server.inboundEventHandler: validation failed", "error", err, "chat_id", ev.ChatID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}
	if ev.Time == 0 {
		ev.Time = time.Now().Unix()
	}

	err := s.dispatcher.Dispatch(r.Context(), ev)
	switch {
	case err == nil:
		slog.Debug("Server.inboundEventHandler: event queued", "chat_id", ev.ChatID, "message_id", ev.MessageID)
		resp := models.Accepted("Event queued")
		resp.Result = EventAccepted{MessageID: ev.MessageID}
		writeJSONResponse(w, http.StatusAccepted, resp)
	case errors.Is(err, messaging.ErrDuplicate):
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate event ignored", EventAccepted{MessageID: ev.MessageID}))
	case errors.Is(err, messaging.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Rate limit exceeded"))
	case errors.Is(err, messaging.ErrQueueFull), errors.Is(err, messaging.ErrDispatcherClosed):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
	default:
		slog.Error("Server.inboundEventHandler: dispatch failed", "error", err, "chat_id", ev.ChatID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to queue event"))
	}
}

// sessionHandler serves GET (inspect) and DELETE (expire now) on /sessions/{id}.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		sess, err := s.st.GetSession(r.Context(), id)
		if errors.Is(err, store.ErrSessionExpired) {
			writeJSONResponse(w, http.StatusGone, models.Error("Session expired"))
			return
		}
		if err != nil {
			slog.Error("Server.sessionHandler: failed to load session", "error", err, "id", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
			return
		}
		if sess == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(SessionView{Session: *sess, Stage: flow.StageOf(*sess)}))
	case http.MethodDelete:
		if err := s.sessions.ExpireSession(r.Context(), id); err != nil {
			slog.Error("Server.sessionHandler: failed to delete session", "error", err, "id", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete session"))
			return
		}
		slog.Info("Server.sessionHandler: session deleted", "id", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
	default:
		w.Header().Set("Allow", http.MethodGet+", "+http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// resetSessionHandler replaces a session with a fresh NEW one (POST /sessions/{id}/reset).
func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	sess, err := s.sessions.ResetSession(r.Context(), id)
	if err != nil {
		slog.Error("Server.resetSessionHandler: reset failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	slog.Info("Server.resetSessionHandler: session reset", "id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(SessionView{Session: sess, Stage: flow.StageOf(sess)}))
}

// oauthCallbackHandler finishes the grocery account login (GET /oauth/callback).
func (s *Server) oauthCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		slog.Warn("Server.oauthCallbackHandler: provider returned error", "error", providerErr)
		writeText(w, http.StatusBadRequest, "Login was cancelled. You can request a new link from the chat.")
		return
	}

	chatID, err := s.oauth.HandleCallback(r.Context(), q.Get("state"), q.Get("code"))
	if errors.Is(err, order.ErrInvalidState) {
		slog.Warn("Server.oauthCallbackHandler: invalid state", "error", err)
		writeText(w, http.StatusBadRequest, "This login link is invalid or has expired.")
		return
	}
	if err != nil {
		slog.Error("Server.oauthCallbackHandler: callback failed", "error", err)
		writeText(w, http.StatusBadGateway, "Login failed. Please try again from the chat.")
		return
	}

	if s.notifier != nil {
		// The request context ends with this response; the chat notice must not.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
		defer cancel()
		kb := &models.Keyboard{Options: []string{"Yes", "No"}, OneTime: true}
		if err := s.notifier.SendMessage(ctx, chatID, MsgLoginComplete, kb); err != nil {
			slog.Warn("Server.oauthCallbackHandler: notify failed", "chat_id", chatID, "error", err)
		}
	}
	slog.Info("Server.oauthCallbackHandler: login complete", "chat_id", chatID)
	writeText(w, http.StatusOK, "Login complete. You can return to the chat.")
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Truncate(time.Second).String(),
	}
	if _, err := s.st.GetSession(ctx, healthCheckID); err != nil && !errors.Is(err, store.ErrSessionExpired) {
		slog.Warn("Health check: session store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Session store unavailable"
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

func writeText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := fmt.Fprintln(w, body); err != nil {
		slog.Error("Server.writeText: failed to write response", "error", err)
	}
}
