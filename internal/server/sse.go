package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flowfile/flowfile/internal/run"
)

func (s *Server) handleLogsSSE(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.runForStream(w, r)
	if !ok {
		return
	}
	writeSSE(w, r, rn.Bus())
}

// writeSSE streams a run's events as Server-Sent Events: history replay
// first, then live events until the run finishes or the client leaves.
func writeSSE(w http.ResponseWriter, r *http.Request, bus *run.Bus) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := bus.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Channel closed. Only emit "done" when the stream actually
				// ended, not when this client was dropped for slowness.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// runForStream resolves the flow's run for a streaming endpoint: an explicit
// run_id wins, otherwise the flow's latest run.
func (s *Server) runForStream(w http.ResponseWriter, r *http.Request) (*run.Run, bool) {
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		rn, err := s.runs.Get(runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return nil, false
		}
		return rn, true
	}
	flowID, ok := flowIDParam(w, r)
	if !ok {
		return nil, false
	}
	rn, ok := s.runs.ActiveForFlow(flowID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("flow %d has no run", flowID))
		return nil, false
	}
	return rn, true
}
