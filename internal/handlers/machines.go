package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/logutil"
)

type machineRequest struct {
	Name               string  `json:"name"`
	Host               string  `json:"host"`
	Port               int     `json:"port"`
	Username           string  `json:"username"`
	KeyPath            *string `json:"keyPath"`
	ForwardCredentials bool    `json:"forwardCredentials"`
}

type machineTestResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func ListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := database.ListMachines()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list machines")
		return
	}
	writeData(w, http.StatusOK, machines)
}

func CreateMachine(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeMachine(w, r)
	if !ok {
		return
	}

	m := &database.RemoteMachine{
		Name:               body.Name,
		Host:               body.Host,
		Port:               body.Port,
		Username:           body.Username,
		KeyPath:            body.KeyPath,
		ForwardCredentials: body.ForwardCredentials,
		Status:             database.MachineUnknown,
	}
	if err := database.CreateMachine(m); err != nil {
		if errors.Is(err, database.ErrConflict) {
			writeError(w, http.StatusConflict, "Machine name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create machine")
		return
	}

	log.Printf("[api] created machine %s (%s@%s:%d)",
		logutil.SanitizeForLog(m.Name), m.Username, logutil.SanitizeForLog(m.Host), m.Port)
	writeData(w, http.StatusCreated, m)
}

func GetMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := loadMachine(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, m)
}

func UpdateMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := loadMachine(w, r)
	if !ok {
		return
	}
	body, ok := decodeMachine(w, r)
	if !ok {
		return
	}

	m.Name = body.Name
	m.Host = body.Host
	m.Port = body.Port
	m.Username = body.Username
	m.KeyPath = body.KeyPath
	m.ForwardCredentials = body.ForwardCredentials

	if err := database.UpdateMachine(m); err != nil {
		if errors.Is(err, database.ErrConflict) {
			writeError(w, http.StatusConflict, "Machine name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update machine")
		return
	}

	// Pooled connections to the old address are stale after an edit.
	Conns.Invalidate(m.ID)
	writeData(w, http.StatusOK, m)
}

func DeleteMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := loadMachine(w, r)
	if !ok {
		return
	}

	if err := database.DeleteMachine(m.ID); err != nil {
		if errors.Is(err, database.ErrConflict) {
			writeError(w, http.StatusConflict, "Machine still has open instances")
			return
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Machine not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete machine")
		return
	}

	Conns.Invalidate(m.ID)
	writeData(w, http.StatusOK, map[string]uint{"id": m.ID})
}

// TestMachine dials the machine and runs a trivial command, updating the
// stored liveness either way. Failures come back as a 200 with ok:false so
// the caller can show the SSH error verbatim.
func TestMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := loadMachine(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sshTimeout())
	defer cancel()

	out, err := Conns.Run(ctx, m, "echo ok")
	if err != nil {
		if derr := database.SetMachineStatus(m.ID, database.MachineOffline, false); derr != nil {
			log.Printf("[api] machine %d: persist status: %v", m.ID, derr)
		}
		Bus.Publish(bus.MachineStatus(m.ID, database.MachineOffline))
		writeData(w, http.StatusOK, machineTestResult{OK: false, Error: err.Error()})
		return
	}

	if derr := database.SetMachineStatus(m.ID, database.MachineOnline, true); derr != nil {
		log.Printf("[api] machine %d: persist status: %v", m.ID, derr)
	}
	Bus.Publish(bus.MachineStatus(m.ID, database.MachineOnline))
	writeData(w, http.StatusOK, machineTestResult{OK: true, Output: strings.TrimSpace(out)})
}

func decodeMachine(w http.ResponseWriter, r *http.Request) (*machineRequest, bool) {
	var body machineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	body.Name = strings.TrimSpace(body.Name)
	body.Host = strings.TrimSpace(body.Host)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return nil, false
	}
	if body.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return nil, false
	}
	if body.Port == 0 {
		body.Port = 22
	}
	if body.Port < 1 || body.Port > 65535 {
		writeError(w, http.StatusBadRequest, "port must be 1-65535")
		return nil, false
	}
	if body.Username == "" {
		body.Username = "root"
	}
	return &body, true
}

func loadMachine(w http.ResponseWriter, r *http.Request) (*database.RemoteMachine, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid machine id")
		return nil, false
	}

	m, err := database.GetMachine(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Machine not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load machine")
		}
		return nil, false
	}
	return m, true
}
