package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ptyfleet/ptyfleet/internal/database"
)

type sessionCreateRequest struct {
	InstanceID string `json:"instanceId"`
	Title      string `json:"title"`
}

type sessionMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")

	sessions, err := database.ListSessions(instanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	writeData(w, http.StatusOK, sessions)
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}
	if _, err := database.GetInstance(body.InstanceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Instance not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load instance")
		}
		return
	}

	s := &database.Session{
		ID:         uuid.NewString(),
		InstanceID: body.InstanceID,
		Title:      strings.TrimSpace(body.Title),
	}
	if err := database.CreateSession(s); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeData(w, http.StatusCreated, s)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, s)
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}

	if err := database.DeleteSession(s.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": s.ID})
}

func ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}

	messages, err := database.ListSessionMessages(s.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	writeData(w, http.StatusOK, messages)
}

func AddSessionMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := loadSession(w, r)
	if !ok {
		return
	}

	var body sessionMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Role == "" {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}

	msg := &database.SessionMessage{
		SessionID: s.ID,
		Role:      body.Role,
		Content:   body.Content,
	}
	if err := database.AddSessionMessage(msg); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to add message")
		return
	}
	writeData(w, http.StatusCreated, msg)
}

func loadSession(w http.ResponseWriter, r *http.Request) (*database.Session, bool) {
	id := chi.URLParam(r, "id")
	s, err := database.GetSession(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load session")
		}
		return nil, false
	}
	return s, true
}
