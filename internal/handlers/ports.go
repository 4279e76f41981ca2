package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/ptyfleet/ptyfleet/internal/database"
)

type portCreateRequest struct {
	RemotePort int `json:"remotePort"`
	LocalPort  int `json:"localPort"`
}

func ListPortForwards(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}

	forwards, err := database.ListPortForwards(inst.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list forwards")
		return
	}
	writeData(w, http.StatusOK, forwards)
}

func CreatePortForward(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}

	var body portCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.RemotePort < 1 || body.RemotePort > 65535 {
		writeError(w, http.StatusBadRequest, "remotePort must be 1-65535")
		return
	}
	if body.LocalPort < 0 || body.LocalPort > 65535 {
		writeError(w, http.StatusBadRequest, "localPort must be 0-65535")
		return
	}
	if inst.Machine == nil {
		writeError(w, http.StatusBadRequest, "Instance is not bound to a machine")
		return
	}

	row, err := Forwards.Open(r.Context(), inst, body.RemotePort, body.LocalPort)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open forward")
		return
	}
	writeData(w, http.StatusCreated, row)
}

func DeletePortForward(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}

	portID, err := strconv.ParseUint(chi.URLParam(r, "portId"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid forward id")
		return
	}

	row, err := database.GetPortForward(uint(portID))
	if err != nil || row.InstanceID != inst.ID {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusInternalServerError, "Failed to load forward")
			return
		}
		writeError(w, http.StatusNotFound, "Forward not found")
		return
	}

	if err := Forwards.Close(uint(portID)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to close forward")
		return
	}
	writeData(w, http.StatusOK, map[string]uint{"id": uint(portID)})
}
