package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/danny20232023/hris-sub010/internal/syncworker"
)

// SSE event names.
const (
	eventConnected = "connected"
	eventProgress  = "progress"
	eventComplete  = "complete"
	eventError     = "error"
)

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	runID   string
	seq     int
}

func (s *sseWriter) event(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %s-%d\nevent: %s\ndata: %s\n\n", s.runID, s.seq, name, b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamRun executes run in the background and streams its progress as
// server-sent events: one connected event, throttled progress events and
// exactly one complete or error event. A client that disconnects stops
// receiving events; the run itself continues to completion.
func (h *Handler) streamRun(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, tr *syncworker.Tracker)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream", nil)
		return
	}

	tr := syncworker.NewTracker(h.log)
	notify := make(chan struct{}, 1)
	sub := tr.Subscribe(func(syncworker.Progress) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer tr.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher, runID: tr.RunID()}
	log := h.log.With().Str("run_id", tr.RunID()).Logger()
	if err := sse.event(eventConnected, map[string]any{"runId": tr.RunID(), "version": syncworker.ProgressVersion}); err != nil {
		return
	}

	go run(context.WithoutCancel(r.Context()), tr)

	lim := rate.NewLimiter(rate.Every(h.streamInterval), 1)
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	var trailing <-chan time.Time

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("progress stream closed by client")
			return
		case <-tr.Done():
			final := tr.Snapshot()
			name := eventComplete
			if final.Status == syncworker.StatusFailed {
				name = eventError
			}
			if err := sse.event(name, final); err != nil {
				log.Warn().Err(err).Msg("write terminal event")
			}
			return
		case <-notify:
			if !lim.Allow() {
				if trailing == nil {
					trailing = time.After(h.streamInterval)
				}
				continue
			}
			if err := h.sendProgress(sse, tr); err != nil {
				return
			}
		case <-trailing:
			trailing = nil
			if err := h.sendProgress(sse, tr); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// sendProgress writes the current state unless it is already terminal; the
// terminal state is always delivered by the Done branch.
func (h *Handler) sendProgress(sse *sseWriter, tr *syncworker.Tracker) error {
	p := tr.Snapshot()
	if p.Terminal() {
		return nil
	}
	return sse.event(eventProgress, p)
}
