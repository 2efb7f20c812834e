package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danny20232023/hris-sub010/internal/realtime"
	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
)

func (h *Handler) writeWatchError(w http.ResponseWriter, id int32, err error) {
	switch {
	case errors.Is(err, realtime.ErrDeviceNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "machine not found", map[string]any{"id": id})
	case errors.Is(err, realtime.ErrDeviceDisabled):
		h.writeError(w, http.StatusConflict, "machine_disabled", "machine is disabled", map[string]any{"id": id})
	case errors.Is(err, sqlcgen.ErrMachineNoAddress):
		h.writeError(w, http.StatusConflict, "machine_misconfigured", err.Error(), map[string]any{"id": id})
	case errors.Is(err, realtime.ErrNotWatching):
		h.writeError(w, http.StatusNotFound, "not_watching", "machine is not being watched", map[string]any{"id": id})
	case errors.Is(err, realtime.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "watch_unavailable", "realtime watch is shutting down", nil)
	default:
		h.log.Error().Err(err).Int32("machine_id", id).Msg("watch operation failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "watch operation failed", nil)
	}
}

func (h *Handler) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok || !h.ensureWatch(w) {
		return
	}
	if err := h.watch.Start(r.Context(), id); err != nil {
		h.writeWatchError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"machineId": id, "watching": true})
}

func (h *Handler) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok || !h.ensureWatch(w) {
		return
	}
	if err := h.watch.Stop(id); err != nil {
		h.writeWatchError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"machineId": id, "watching": false})
}

func (h *Handler) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	if !h.ensureWatch(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.watch.Status())
}

func (h *Handler) handleWatchAuth(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok || !h.ensureWatch(w) {
		return
	}
	auth, found := h.watch.LastAuth(id)
	if !found {
		h.writeJSON(w, http.StatusOK, map[string]any{"machineId": id, "success": false, "auth": nil})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"machineId": id, "success": true, "auth": auth})
}

func (h *Handler) handleWatchClearAuth(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok || !h.ensureWatch(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"machineId": id, "cleared": h.watch.ClearAuth(id)})
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleWatchEvents pushes every login event to a websocket client until
// either side closes.
func (h *Handler) handleWatchEvents(w http.ResponseWriter, r *http.Request) {
	if !h.ensureWatch(w) {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := h.watch.Subscribe()
	defer h.watch.Unsubscribe(events)

	// The read pump only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(map[string]any{"type": "login", "event": ev}); err != nil {
				h.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
