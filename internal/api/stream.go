package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// streamJob serves the job event stream over server-sent events. Events are
// named progress, done, or failed; the connection closes right after the
// terminal event. A disconnecting consumer abandons the stream without
// touching the job.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	events, err := s.coord.Stream(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()
	}
}

// streamJobWS mirrors the SSE stream over a WebSocket, one JSON text message
// per event. The socket closes normally after the terminal event.
func (s *Server) streamJobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	// Validate before the protocol upgrade so bad ids get a clean 404.
	if _, err := s.coord.Get(r.Context(), jobID); err != nil {
		s.respondError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "job", jobID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	events, err := s.coord.Stream(ctx, jobID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "stream unavailable")
		return
	}

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			// Consumer went away; the job is unaffected.
			return
		}
	}

	conn.Close(websocket.StatusNormalClosure, "stream complete")
}

// decodeJSONBody decodes an optional JSON body; an empty body leaves v at
// its zero value.
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
