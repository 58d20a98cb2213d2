package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
)

// doneEvent is the payload of the terminal SSE event.
type doneEvent struct {
	ID     uuid.UUID          `json:"id"`
	Status runstate.Status    `json:"status"`
	Result *storage.RunResult `json:"result,omitempty"`
}

// sinceSequence reads the resume cursor from the since query parameter or
// the Last-Event-ID header. Zero means "from the beginning".
func sinceSequence(r *http.Request) int64 {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// handleSubscribe streams a run's journal over SSE: replayed entries first,
// then live ones, in sequence order with no gaps or duplicates. After a
// terminal entry a done event carries the run outcome and the stream ends.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid run id")
		return
	}

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "sse_unsupported", "streaming not supported")
		return
	}

	sub, err := s.bus.Subscribe(r.Context(), id, sinceSequence(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case entry, open := <-sub.Entries():
			if !open {
				// Dropped for falling behind; the client reconnects with
				// its last seen sequence.
				return
			}
			if err := writeEntryEvent(w, entry); err != nil {
				return
			}
			flusher.Flush()

			if entry.Kind.IsTerminal() {
				s.writeDoneEvent(w, r, id)
				flusher.Flush()
				return
			}
		}
	}
}

// writeEntryEvent writes one journal entry as an SSE event. The event id is
// the journal sequence so Last-Event-ID resumption lines up.
func writeEntryEvent(w http.ResponseWriter, entry journal.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: event\ndata: %s\n\n", entry.Sequence, data)
	return err
}

func (s *Server) writeDoneEvent(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Warn("failed to load run for done event", "run_id", id, "error", err)
		return
	}
	data, err := json.Marshal(doneEvent{ID: run.ID, Status: run.Status, Result: run.Result})
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
}
