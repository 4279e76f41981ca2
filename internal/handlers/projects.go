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

type projectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type projectLinkRequest struct {
	InstanceID string `json:"instanceId"`
}

// projectView decorates the row with its linked instance ids.
type projectView struct {
	*database.Project
	InstanceIDs []string `json:"instanceIds"`
}

func ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := database.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	views := make([]projectView, 0, len(projects))
	for i := range projects {
		ids, err := database.ListProjectInstances(projects[i].ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list projects")
			return
		}
		views = append(views, projectView{Project: &projects[i], InstanceIDs: ids})
	}
	writeData(w, http.StatusOK, views)
}

func CreateProject(w http.ResponseWriter, r *http.Request) {
	var body projectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	body.Path = strings.TrimSpace(body.Path)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	p := &database.Project{Name: body.Name, Path: body.Path}
	if err := database.CreateProject(p); err != nil {
		if errors.Is(err, database.ErrConflict) {
			writeError(w, http.StatusConflict, "Project path already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	Bus.Publish(bus.Resource(bus.EventProjectCreated, p))
	writeData(w, http.StatusCreated, projectView{Project: p, InstanceIDs: []string{}})
}

func GetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r)
	if !ok {
		return
	}

	ids, err := database.ListProjectInstances(p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}
	writeData(w, http.StatusOK, projectView{Project: p, InstanceIDs: ids})
}

func DeleteProject(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r)
	if !ok {
		return
	}

	if err := database.DeleteProject(p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete project")
		return
	}

	Bus.Publish(bus.Resource(bus.EventProjectDeleted, map[string]uint{"id": p.ID}))
	writeData(w, http.StatusOK, map[string]uint{"id": p.ID})
}

// LinkProjectInstance attaches an instance to a project. Relinking an
// already-linked pair is a no-op.
func LinkProjectInstance(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r)
	if !ok {
		return
	}

	var body projectLinkRequest
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

	if err := database.LinkProjectInstance(p.ID, body.InstanceID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to link instance")
		return
	}

	ids, err := database.ListProjectInstances(p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}
	writeData(w, http.StatusOK, projectView{Project: p, InstanceIDs: ids})
}

func loadProject(w http.ResponseWriter, r *http.Request) (*database.Project, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid project id")
		return nil, false
	}

	p, err := database.GetProject(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Project not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load project")
		}
		return nil, false
	}
	return p, true
}
