package rest

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	if !s.globalStream {
		writeError(w, r, KindNotFound, "global stream is disabled")
		return
	}
	s.serveStream(w, r, "")
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, r.PathValue("session_id"))
}

// serveStream writes newline-delimited JSON events until the client
// disconnects or the server shuts down. An empty sessionID subscribes to
// every session.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.svcs.Notifier == nil {
		writeError(w, r, KindServer, "streaming not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, KindServer, "streaming not supported")
		return
	}

	sub, cancel := s.svcs.Notifier.Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streamClosed:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
