package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danny20232023/hris-sub010/internal/db"
	"github.com/danny20232023/hris-sub010/internal/metrics"
	"github.com/danny20232023/hris-sub010/internal/punch"
	"github.com/danny20232023/hris-sub010/internal/realtime"
	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
	"github.com/danny20232023/hris-sub010/internal/syncworker"
	"github.com/danny20232023/hris-sub010/internal/zk"
)

// Syncer is the part of *syncworker.Orchestrator the API drives.
type Syncer interface {
	EnabledMachines(ctx context.Context) ([]sqlcgen.Machine, error)
	Machine(ctx context.Context, id int32) (sqlcgen.Machine, error)
	Reachability(ctx context.Context, machines []sqlcgen.Machine) []syncworker.DeviceStatus
	SyncOne(ctx context.Context, m sqlcgen.Machine, r punch.DateRange, opts syncworker.RunOptions, tr *syncworker.Tracker) syncworker.RunResult
	SyncAll(ctx context.Context, machines []sqlcgen.Machine, r punch.DateRange, opts syncworker.RunOptions, tr *syncworker.Tracker) syncworker.BatchResult
	FetchLogs(ctx context.Context, machineID int32, r punch.DateRange) ([]punch.Normalized, error)
	SetClock(ctx context.Context, machineID int32, t time.Time) error
	DeviceInfo(ctx context.Context, machineID int32) (zk.Info, error)
}

// Watcher is the part of *realtime.Registry the API drives.
type Watcher interface {
	Start(ctx context.Context, machineID int32) error
	Stop(machineID int32) error
	Status() realtime.Status
	LastAuth(machineID int32) (realtime.AuthResult, bool)
	ClearAuth(machineID int32) bool
	Subscribe() <-chan realtime.LoginEvent
	Unsubscribe(ch <-chan realtime.LoginEvent)
}

type attendanceQueries interface {
	ListCheckInOutBySensor(ctx context.Context, arg sqlcgen.ListCheckInOutBySensorParams) ([]sqlcgen.CheckInOutWithUser, error)
}

// Deps wires the handler to the running components. Nil members make the
// matching routes answer 503.
type Deps struct {
	Sync    Syncer
	Watch   Watcher
	Metrics *metrics.Metrics
	// StreamInterval is the minimum gap between two progress events on a
	// stream; terminal events are never delayed.
	StreamInterval time.Duration
}

type Handler struct {
	log      zerolog.Logger
	pool     *db.Pool
	records  attendanceQueries
	sync     Syncer
	watch    Watcher
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	streamInterval time.Duration
	keepAlive      time.Duration
}

func NewHandler(log zerolog.Logger, pool *db.Pool, deps Deps) *Handler {
	h := &Handler{
		log:            log,
		pool:           pool,
		sync:           deps.Sync,
		watch:          deps.Watch,
		metrics:        deps.Metrics,
		streamInterval: deps.StreamInterval,
		keepAlive:      15 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	if q := pool.Queries(); q != nil {
		h.records = q
	}
	if h.streamInterval <= 0 {
		h.streamInterval = 250 * time.Millisecond
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			// Device runs and streams are bounded by the orchestrator's own
			// run timeout, not the request timeout.
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(15 * time.Second))

				r.Get("/machines", h.handleListMachines)
				r.Get("/machines/status", h.handleMachinesStatus)
				r.Get("/machines/{id}/status", h.handleMachineStatus)
				r.Post("/machines/{id}/time", h.handleSetClock)
				r.Get("/machines/{id}/attendance", h.handleListAttendance)

				r.Get("/watch/status", h.handleWatchStatus)
				r.Post("/watch/{id}/start", h.handleWatchStart)
				r.Post("/watch/{id}/stop", h.handleWatchStop)
				r.Get("/watch/{id}/auth", h.handleWatchAuth)
				r.Delete("/watch/{id}/auth", h.handleWatchClearAuth)
			})

			r.Get("/machines/{id}/info", h.handleMachineInfo)
			r.Get("/machines/{id}/logs", h.handleFetchLogs)
			r.Post("/machines/{id}/sync", h.handleSyncOne)
			r.Get("/machines/{id}/sync/stream", h.handleSyncOneStream)
			r.Post("/machines/sync", h.handleSyncAll)
			r.Get("/machines/sync/stream", h.handleSyncAllStream)
			r.Get("/watch/events", h.handleWatchEvents)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) ensureSync(w http.ResponseWriter) bool {
	if h.sync == nil {
		h.writeError(w, http.StatusServiceUnavailable, "sync_unavailable", "device sync not configured", nil)
		return false
	}
	return true
}

func (h *Handler) ensureWatch(w http.ResponseWriter) bool {
	if h.watch == nil {
		h.writeError(w, http.StatusServiceUnavailable, "watch_unavailable", "realtime watch not configured", nil)
		return false
	}
	return true
}

// machineID parses the {id} URL parameter, writing a 400 on failure.
func (h *Handler) machineID(w http.ResponseWriter, r *http.Request) (int32, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "machine id must be a positive integer", map[string]any{"id": raw})
		return 0, false
	}
	return int32(id), true
}

// dateRange reads ?from=&to=, writing a 400 on failure.
func (h *Handler) dateRange(w http.ResponseWriter, r *http.Request) (punch.DateRange, bool) {
	q := r.URL.Query()
	dr, err := punch.ParseDateRange(q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"from": q.Get("from"), "to": q.Get("to")})
		return punch.DateRange{}, false
	}
	return dr, true
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
