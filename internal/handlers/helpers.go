package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/portfwd"
	"github.com/ptyfleet/ptyfleet/internal/sshconn"
	"github.com/ptyfleet/ptyfleet/internal/status"
	"github.com/ptyfleet/ptyfleet/internal/term"
)

// Singletons wired in from main at startup.
var (
	Bus        *bus.Bus
	Terminals  *term.Manager
	Reconciler *status.Reconciler
	HookWindow *status.Window
	Forwards   *portfwd.Supervisor
	Conns      *sshconn.Manager
)

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
