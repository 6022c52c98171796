package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleEvents streams status updates as Server-Sent Events. The optional
// session query parameter limits the stream to one session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("session")

	ch := s.actions.Tracker().Subscribe()
	defer s.actions.Tracker().Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	// The server write timeout would otherwise end the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && update.SessionID != filter {
				continue
			}
			data, err := json.Marshal(update)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: status\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
