package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams bus events as server-sent events. Subscribers get
// pushes from here and read the stats endpoint for the initial snapshot;
// there is no replay.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	var stages []string
	if st := r.URL.Query().Get("stage"); st != "" {
		stages = append(stages, st)
	}

	ch, cancel := s.bus.Subscribe(stages...)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
