package handlers

import (
	"net/http"
	"strconv"

	"github.com/ptyfleet/ptyfleet/internal/database"
)

// ListActivity returns the newest feed entries, most recent first.
func ListActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	entries, err := database.ListActivity(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list activity")
		return
	}
	writeData(w, http.StatusOK, entries)
}
