package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danny20232023/hris-sub010/internal/punch"
	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
	"github.com/danny20232023/hris-sub010/internal/syncworker"
	"github.com/danny20232023/hris-sub010/internal/zk"
)

type machine struct {
	ID            int32   `json:"id"`
	MachineNumber int32   `json:"machineNumber"`
	Alias         string  `json:"alias"`
	IP            string  `json:"ip"`
	Port          int32   `json:"port"`
	SerialNumber  *string `json:"serialNumber,omitempty"`
	Firmware      *string `json:"firmwareVersion,omitempty"`
}

func toMachine(m sqlcgen.Machine) machine {
	return machine{
		ID:            m.ID,
		MachineNumber: m.MachineNumber,
		Alias:         m.Alias,
		IP:            m.IP,
		Port:          m.Port,
		SerialNumber:  m.SerialNumber,
		Firmware:      m.FirmwareVersion,
	}
}

type attendanceRecord struct {
	ID          int64   `json:"id"`
	UserID      int32   `json:"userId"`
	BadgeNumber string  `json:"badgeNumber"`
	Name        string  `json:"name"`
	CheckTime   string  `json:"checkTime"`
	CheckType   string  `json:"checkType"`
	VerifyCode  int32   `json:"verifyCode"`
	SensorID    string  `json:"sensorId"`
	WorkCode    int32   `json:"workCode"`
	SN          *string `json:"sn,omitempty"`
}

// writeMachineError maps orchestrator and device errors to the error envelope.
func (h *Handler) writeMachineError(w http.ResponseWriter, id int32, op string, err error) {
	switch {
	case errors.Is(err, syncworker.ErrMachineNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "machine not found", map[string]any{"id": id})
	case errors.Is(err, syncworker.ErrMachineDisabled):
		h.writeError(w, http.StatusConflict, "machine_disabled", "machine is disabled", map[string]any{"id": id})
	case errors.Is(err, sqlcgen.ErrMachineNoAddress):
		h.writeError(w, http.StatusConflict, "machine_misconfigured", err.Error(), map[string]any{"id": id})
	case zk.IsConnectivity(err) || errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusBadGateway, "device_unreachable", err.Error(), map[string]any{"id": id, "kind": zk.Classify(err)})
	default:
		h.log.Error().Err(err).Int32("machine_id", id).Str("op", op).Msg("machine operation failed")
		h.writeError(w, http.StatusBadGateway, "device_error", err.Error(), map[string]any{"id": id})
	}
}

func (h *Handler) handleListMachines(w http.ResponseWriter, r *http.Request) {
	if !h.ensureSync(w) {
		return
	}
	ms, err := h.sync.EnabledMachines(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list machines failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list machines", nil)
		return
	}
	resp := make([]machine, 0, len(ms))
	for _, m := range ms {
		resp = append(resp, toMachine(m))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMachinesStatus(w http.ResponseWriter, r *http.Request) {
	if !h.ensureSync(w) {
		return
	}
	ms, err := h.sync.EnabledMachines(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list machines failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list machines", nil)
		return
	}
	statuses := h.sync.Reachability(r.Context(), ms)
	online := 0
	for _, s := range statuses {
		if s.Online {
			online++
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(statuses),
		"online":  online,
		"offline": len(statuses) - online,
		"devices": statuses,
	})
}

func (h *Handler) handleMachineStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	m, err := h.sync.Machine(r.Context(), id)
	if err != nil {
		h.writeMachineError(w, id, "status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.sync.Reachability(r.Context(), []sqlcgen.Machine{m})[0])
}

func (h *Handler) handleMachineInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	info, err := h.sync.DeviceInfo(r.Context(), id)
	if err != nil {
		h.writeMachineError(w, id, "info", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"machineId":    id,
		"serialNumber": info.SerialNumber,
		"deviceTime":   punch.FormatTimestamp(info.DeviceTime),
		"users":        info.Users,
		"fingers":      info.Fingers,
		"records":      info.Records,
		"faces":        info.Faces,
	})
}

func (h *Handler) handleFetchLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok {
		return
	}
	dr, ok := h.dateRange(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	logs, err := h.sync.FetchLogs(r.Context(), id, dr)
	if err != nil {
		h.writeMachineError(w, id, "fetch logs", err)
		return
	}
	if logs == nil {
		logs = []punch.Normalized{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"machineId": id,
		"from":      dr.From,
		"to":        dr.To,
		"count":     len(logs),
		"logs":      logs,
	})
}

type setClockRequest struct {
	Time *time.Time `json:"time,omitempty"`
}

// handleSetClock writes the server clock to the device, or the time given in
// an optional JSON body.
func (h *Handler) handleSetClock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok {
		return
	}
	var req setClockRequest
	if r.ContentLength != 0 {
		if err := decodeJSONStrict(r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
			return
		}
	}
	if !h.ensureSync(w) {
		return
	}
	t := time.Now()
	if req.Time != nil {
		t = *req.Time
	}
	if err := h.sync.SetClock(r.Context(), id, t); err != nil {
		h.writeMachineError(w, id, "set clock", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"machineId": id, "deviceTime": punch.FormatTimestamp(t)})
}

func (h *Handler) handleListAttendance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok {
		return
	}
	dr, ok := h.dateRange(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	if h.records == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}
	m, err := h.sync.Machine(r.Context(), id)
	if err != nil {
		h.writeMachineError(w, id, "attendance", err)
		return
	}
	from, until := dr.Bounds()
	rows, err := h.records.ListCheckInOutBySensor(r.Context(), sqlcgen.ListCheckInOutBySensorParams{
		SensorID: punch.Source{MachineID: m.ID, MachineNumber: m.MachineNumber, Alias: m.Alias}.SensorID(),
		From:     from,
		Until:    until,
	})
	if err != nil {
		h.log.Error().Err(err).Int32("machine_id", id).Msg("list attendance failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list attendance", nil)
		return
	}
	resp := make([]attendanceRecord, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, attendanceRecord{
			ID:          row.ID,
			UserID:      row.UserID,
			BadgeNumber: row.BadgeNumber,
			Name:        row.Name,
			CheckTime:   row.CheckTime,
			CheckType:   row.CheckType,
			VerifyCode:  row.VerifyCode,
			SensorID:    row.SensorID,
			WorkCode:    row.WorkCode,
			SN:          row.SN,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok {
		return
	}
	dr, ok := h.dateRange(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	m, err := h.sync.Machine(r.Context(), id)
	if err != nil {
		h.writeMachineError(w, id, "sync", err)
		return
	}
	res := h.sync.SyncOne(r.Context(), m, dr, syncworker.RunOptions{Preview: queryBool(r, "preview")}, nil)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, res)
}

func (h *Handler) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	ms, err := h.sync.EnabledMachines(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list machines failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list machines", nil)
		return
	}
	res := h.sync.SyncAll(r.Context(), ms, dr, syncworker.RunOptions{Preview: queryBool(r, "preview")}, nil)
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSyncOneStream(w http.ResponseWriter, r *http.Request) {
	id, ok := h.machineID(w, r)
	if !ok {
		return
	}
	dr, ok := h.dateRange(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	m, err := h.sync.Machine(r.Context(), id)
	if err != nil {
		h.writeMachineError(w, id, "sync stream", err)
		return
	}
	opts := syncworker.RunOptions{Preview: queryBool(r, "preview")}
	h.streamRun(w, r, func(ctx context.Context, tr *syncworker.Tracker) {
		h.sync.SyncOne(ctx, m, dr, opts, tr)
	})
}

func (h *Handler) handleSyncAllStream(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok || !h.ensureSync(w) {
		return
	}
	ms, err := h.sync.EnabledMachines(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list machines failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list machines", nil)
		return
	}
	opts := syncworker.RunOptions{Preview: queryBool(r, "preview")}
	h.streamRun(w, r, func(ctx context.Context, tr *syncworker.Tracker) {
		h.sync.SyncAll(ctx, ms, dr, opts, tr)
	})
}
