package handlers

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Terminals int    `json:"terminals"`
	Forwards  int    `json:"forwards"`
	Clients   int    `json:"clients"`
}

// Health reports process liveness plus a few runtime counts. Served bare,
// without the response envelope, so probes stay trivial.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: formatTimestamp(time.Now()),
		Terminals: Terminals.Count(),
		Forwards:  Forwards.Count(),
		Clients:   Bus.SubscriberCount(),
	})
}
