package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
)

type taskCreateRequest struct {
	Title string `json:"title"`
}

type taskUpdateRequest struct {
	Title *string `json:"title"`
	Done  *bool   `json:"done"`
}

type taskReorderRequest struct {
	IDs []uint `json:"ids"`
}

func ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := database.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	writeData(w, http.StatusOK, tasks)
}

func CreateTask(w http.ResponseWriter, r *http.Request) {
	var body taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	t := &database.GlobalTask{Title: body.Title}
	if err := database.CreateTask(t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create task")
		return
	}

	Bus.Publish(bus.Resource(bus.EventTaskCreated, t))
	writeData(w, http.StatusCreated, t)
}

func UpdateTask(w http.ResponseWriter, r *http.Request) {
	t, ok := loadTask(w, r)
	if !ok {
		return
	}

	var body taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Title != nil {
		title := strings.TrimSpace(*body.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title cannot be empty")
			return
		}
		t.Title = title
	}
	if body.Done != nil {
		t.Done = *body.Done
	}

	if err := database.UpdateTask(t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update task")
		return
	}

	Bus.Publish(bus.Resource(bus.EventTaskUpdated, t))
	writeData(w, http.StatusOK, t)
}

func DeleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := loadTask(w, r)
	if !ok {
		return
	}

	if err := database.DeleteTask(t.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete task")
		return
	}

	Bus.Publish(bus.Resource(bus.EventTaskDeleted, map[string]uint{"id": t.ID}))
	writeData(w, http.StatusOK, map[string]uint{"id": t.ID})
}

// ReorderTasks rewrites the ordinals to match the posted id order and
// broadcasts the new ordering itself, not a cache-bust.
func ReorderTasks(w http.ResponseWriter, r *http.Request) {
	var body taskReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	if err := database.ReorderTasks(body.IDs); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusBadRequest, "Unknown task id in ids")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to reorder tasks")
		return
	}

	Bus.Publish(bus.TaskReordered(body.IDs))

	tasks, err := database.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	writeData(w, http.StatusOK, tasks)
}

func loadTask(w http.ResponseWriter, r *http.Request) (*database.GlobalTask, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid task id")
		return nil, false
	}

	t, err := database.GetTask(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load task")
		}
		return nil, false
	}
	return t, true
}
