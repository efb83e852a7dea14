package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleActivityStream serves the audited-action feed over Server-Sent
// Events to master dashboards.
func (a *API) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	if a.activity == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the headers go out so an event published right
	// after the client connects cannot be missed.
	events := a.activity.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
