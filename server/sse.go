package server

import (
	"fmt"
	"net/http"
)

// handleSSE implements GET /oauth/sse?rid=…: a streaming text/event-stream
// response carrying consentRequired and loginComplete events for rid, held
// open until a loginComplete event has been sent or the client disconnects
// (a consentRequired event does not end the stream). Grounded on
// the teacher's deviceflowhandlers.go long-poll loop, generalized from
// polling a device code's status to subscribing to the authsession
// pub/sub broker.
func (s *Server) handleSSE(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	rid := r.URL.Query().Get("rid")
	if rid == "" {
		http.Error(w, "missing rid", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.auth.Subscribe(r.Context(), rid)
	if err != nil {
		http.Error(w, "unable to subscribe", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data)
			flusher.Flush()
			if ev.Event == "loginComplete" {
				return
			}
		}
	}
}
