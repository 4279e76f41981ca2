package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"gorm.io/gorm"

	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/logutil"
	"github.com/ptyfleet/ptyfleet/internal/status"
)

// hookRequest is the payload the managed CLI posts from its lifecycle hooks.
// The instance id comes from the INSTANCE_ID variable the backend injected
// into the shell.
type hookRequest struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	ProjectDir string `json:"projectDir"`
}

// HookStatus receives progress events. Only event=working maps to a status;
// anything else is acknowledged and dropped. Every hook, mapped or not,
// refreshes the instance's last-activity stamp.
func HookStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeHook(w, r)
	if !ok {
		return
	}

	if body.Event != "working" {
		log.Printf("[hooks] instance %s: dropping event %q", body.InstanceID, logutil.SanitizeForLog(body.Event))
		writeData(w, http.StatusOK, map[string]bool{"applied": false})
		return
	}

	if err := Reconciler.Apply(body.InstanceID, database.StatusWorking, status.SourceHook); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to apply status")
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"applied": true})
}

// HookStop marks the end of a work burst: the instance goes idle and the
// hook-priority window opens so the poller cannot immediately flip it back.
func HookStop(w http.ResponseWriter, r *http.Request) {
	applyTerminalHook(w, r, "stop")
}

// HookNotification fires when the managed CLI surfaces a prompt; it reads as
// idle for scheduling purposes, with the same priority window as stop.
func HookNotification(w http.ResponseWriter, r *http.Request) {
	applyTerminalHook(w, r, "notification")
}

func applyTerminalHook(w http.ResponseWriter, r *http.Request, hookType string) {
	body, ok := decodeHook(w, r)
	if !ok {
		return
	}

	HookWindow.Record(body.InstanceID, hookType)
	if err := Reconciler.Apply(body.InstanceID, database.StatusIdle, status.SourceHook); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to apply status")
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"applied": true})
}

// decodeHook parses the body, rejects unknown instances, and stamps
// last-activity. Writes the error response itself on failure.
func decodeHook(w http.ResponseWriter, r *http.Request) (*hookRequest, bool) {
	var body hookRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if body.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return nil, false
	}

	if _, err := database.GetInstance(body.InstanceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Instance not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load instance")
		}
		return nil, false
	}

	if err := database.TouchInstanceActivity(body.InstanceID); err != nil {
		log.Printf("[hooks] instance %s: touch activity: %v", body.InstanceID, err)
	}
	return &body, true
}
