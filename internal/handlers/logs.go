package handlers

import (
	"net/http"
	"strconv"

	"github.com/ptyfleet/ptyfleet/internal/logging"
)

// GetServerLogs returns the tail of the server log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if s := r.URL.Query().Get("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 5000 {
			writeError(w, http.StatusBadRequest, "lines must be 1-5000")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"logs": tail})
}

// ClearServerLogs truncates the server log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"cleared": true})
}
