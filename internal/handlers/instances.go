package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ptyfleet/ptyfleet/internal/config"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/logutil"
	"github.com/ptyfleet/ptyfleet/internal/status"
	"github.com/ptyfleet/ptyfleet/internal/term"
)

type machineBinding struct {
	Type      string `json:"type"`
	MachineID uint   `json:"machineId"`
}

type instanceCreateRequest struct {
	Name           string          `json:"name"`
	WorkingDir     string          `json:"workingDir"`
	MachineBinding *machineBinding `json:"machineBinding"`
	Cols           uint16          `json:"cols"`
	Rows           uint16          `json:"rows"`
}

type instanceUpdateRequest struct {
	Name   *string `json:"name"`
	Pinned *bool   `json:"pinned"`
	Status *string `json:"status"`
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

// instanceView decorates the row with runtime facts only the terminal
// manager knows.
type instanceView struct {
	*database.Instance
	HasSession bool `json:"hasSession"`
}

func viewOf(inst *database.Instance) instanceView {
	return instanceView{Instance: inst, HasSession: Terminals.Has(inst.ID)}
}

func ListInstances(w http.ResponseWriter, r *http.Request) {
	includeClosed := r.URL.Query().Get("includeClosed") == "true"

	instances, err := database.ListInstances(includeClosed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	views := make([]instanceView, 0, len(instances))
	for i := range instances {
		views = append(views, viewOf(&instances[i]))
	}
	writeData(w, http.StatusOK, views)
}

func CreateInstance(w http.ResponseWriter, r *http.Request) {
	var body instanceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	body.WorkingDir = strings.TrimSpace(body.WorkingDir)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.WorkingDir == "" {
		writeError(w, http.StatusBadRequest, "workingDir is required")
		return
	}

	var machine *database.RemoteMachine
	if body.MachineBinding != nil && body.MachineBinding.Type == "remote" {
		m, err := database.GetMachine(body.MachineBinding.MachineID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Unknown machine")
			return
		}
		machine = m
	}

	inst := &database.Instance{
		ID:         uuid.NewString(),
		Name:       body.Name,
		WorkingDir: body.WorkingDir,
		Status:     database.StatusIdle,
	}
	if machine != nil {
		inst.MachineID = &machine.ID
		inst.Machine = machine
	}

	if err := database.CreateInstance(inst); err != nil {
		log.Printf("[api] create instance: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create instance")
		return
	}

	if err := spawnTerminal(r.Context(), inst, body.Cols, body.Rows); err != nil {
		log.Printf("[api] instance %s: spawn failed, rolling back: %v", inst.ID, err)
		if derr := database.RemoveInstance(inst.ID); derr != nil {
			log.Printf("[api] instance %s: rollback: %v", inst.ID, derr)
		}
		writeError(w, http.StatusInternalServerError, "Failed to start terminal")
		return
	}

	log.Printf("[api] created instance %s (%s)", inst.ID, logutil.SanitizeForLog(inst.Name))
	writeData(w, http.StatusCreated, viewOf(inst))
}

// spawnTerminal builds the backend config for an instance and starts it.
// Shared by create and the lazy respawn on attach.
func spawnTerminal(ctx context.Context, inst *database.Instance, cols, rows uint16) error {
	if cols == 0 {
		cols = uint16(config.Cfg.TermCols)
	}
	if rows == 0 {
		rows = uint16(config.Cfg.TermRows)
	}

	cfg := term.Config{
		InstanceID: inst.ID,
		WorkingDir: inst.WorkingDir,
		Cols:       cols,
		Rows:       rows,
	}
	if inst.Machine != nil {
		cfg.Machine = inst.Machine
		cfg.ConnectTimeout = sshTimeout()
		if inst.Machine.ForwardCredentials {
			cfg.CredentialVar = config.Cfg.ForwardCredentialVar
			cfg.Credential = resolveCredential()
		}
	}
	return Terminals.Spawn(ctx, cfg)
}

func sshTimeout() time.Duration {
	d, err := time.ParseDuration(config.Cfg.SSHConnectTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

func GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}
	refreshLastCwd(inst)
	writeData(w, http.StatusOK, viewOf(inst))
}

// refreshLastCwd re-probes the live session's working directory and persists
// it when it moved. Closed or backend-less instances keep the last value.
func refreshLastCwd(inst *database.Instance) {
	cwd, ok := Terminals.Cwd(inst.ID)
	if !ok || cwd == "" {
		return
	}
	if inst.LastCwd != nil && *inst.LastCwd == cwd {
		return
	}
	if err := database.SetInstanceLastCwd(inst.ID, cwd); err != nil {
		log.Printf("[api] instance %s: persist cwd: %v", inst.ID, err)
		return
	}
	inst.LastCwd = &cwd
}

func UpdateInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}

	var body instanceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		if err := database.RenameInstance(inst.ID, name); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to rename instance")
			return
		}
	}
	if body.Pinned != nil {
		if err := database.SetInstancePinned(inst.ID, *body.Pinned); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to update instance")
			return
		}
	}
	if body.Status != nil {
		if !database.ValidStatus(*body.Status) {
			writeError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		if err := Reconciler.Apply(inst.ID, *body.Status, status.SourceAPI); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to update status")
			return
		}
	}

	updated, err := database.GetInstance(inst.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load instance")
		return
	}
	writeData(w, http.StatusOK, viewOf(updated))
}

func DeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}

	refreshLastCwd(inst)
	Terminals.Kill(inst.ID)
	Forwards.CloseInstanceForwards(inst.ID)
	HookWindow.Forget(inst.ID)

	if err := database.CloseInstance(inst.ID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusInternalServerError, "Failed to close instance")
		return
	}

	log.Printf("[api] closed instance %s", inst.ID)
	writeData(w, http.StatusOK, map[string]string{"id": inst.ID})
}

func ResetInstanceStatus(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}

	if err := Reconciler.Apply(inst.ID, database.StatusIdle, status.SourceAPI); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset status")
		return
	}

	updated, err := database.GetInstance(inst.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load instance")
		return
	}
	writeData(w, http.StatusOK, viewOf(updated))
}

// ReorderInstances rewrites the display ordinals to match the posted id
// order. All-or-nothing: an unknown id rejects the whole batch.
func ReorderInstances(w http.ResponseWriter, r *http.Request) {
	var body reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	if err := database.ReorderInstances(body.IDs); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusBadRequest, "Unknown instance id in ids")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to reorder instances")
		return
	}

	instances, err := database.ListInstances(false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}
	views := make([]instanceView, 0, len(instances))
	for i := range instances {
		views = append(views, viewOf(&instances[i]))
	}
	writeData(w, http.StatusOK, views)
}

// ListInstanceStatusEvents returns the recent status transitions for one
// instance, newest first.
func ListInstanceStatusEvents(w http.ResponseWriter, r *http.Request) {
	inst, ok := loadInstance(w, r)
	if !ok {
		return
	}

	events, err := database.ListStatusEvents(inst.ID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list status events")
		return
	}
	writeData(w, http.StatusOK, events)
}

// loadInstance fetches the row named by the id url param, writing the error
// response itself when the instance does not exist.
func loadInstance(w http.ResponseWriter, r *http.Request) (*database.Instance, bool) {
	id := chi.URLParam(r, "id")
	inst, err := database.GetInstance(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Instance not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load instance")
		}
		return nil, false
	}
	return inst, true
}
