package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/store"
	"github.com/essl-labs/attendgate/internal/attend/types"
)

// deviceView decorates the aggregate with read-time liveness.
type deviceView struct {
	types.Device
	Online bool `json:"online"`
}

func (s *Server) deviceView(d types.Device) deviceView {
	return deviceView{Device: d, Online: s.registry.Online(d)}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.deviceView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, "device_not_found", "no such device")
		return
	}
	if err != nil {
		s.logger.Error("get device failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(d))
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, http.StatusBadRequest, "invalid_display_name", "display_name is required")
		return
	}

	err := s.registry.Rename(r.Context(), r.PathValue("id"), req.DisplayName)
	if errors.Is(err, store.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, "device_not_found", "no such device")
		return
	}
	if err != nil {
		s.logger.Error("rename device failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	cmd := strings.TrimSpace(req.Command)
	if cmd == "" {
		writeError(w, http.StatusBadRequest, "invalid_command", "command is required")
		return
	}

	// Opcodes pass through verbatim; the gateway does not validate them
	// against any particular firmware revision's vocabulary.
	entry := s.dispatcher.Enqueue(r.Context(), r.PathValue("id"), cmd)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleQueuePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Pending(r.PathValue("id")))
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	n := s.dispatcher.Clear(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleFetchAllDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries := s.dispatcher.ForceFullFetch(r.Context(), id)
	s.poller.ArmCampaign(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "queued": len(entries)})
}

func (s *Server) handleFetchAllEverything(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	for _, d := range devices {
		s.dispatcher.ForceFullFetch(r.Context(), d.DeviceID)
		s.poller.ArmCampaign(r.Context(), d.DeviceID)
	}
	writeJSON(w, http.StatusOK, map[string]int{"devices": len(devices)})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	cmd := strings.TrimSpace(req.Command)
	if cmd == "" {
		writeError(w, http.StatusBadRequest, "invalid_command", "command is required")
		return
	}

	devices, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	for _, d := range devices {
		s.dispatcher.Enqueue(r.Context(), d.DeviceID, cmd)
	}
	writeJSON(w, http.StatusOK, map[string]int{"devices": len(devices)})
}

func recordFilterFromQuery(r *http.Request) store.RecordFilter {
	q := r.URL.Query()
	f := store.RecordFilter{
		DeviceID: q.Get("device_id"),
		UserID:   q.Get("user_id"),
		From:     q.Get("from"),
		To:       q.Get("to"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}
	return f
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	f := recordFilterFromQuery(r)
	if f.Limit == 0 {
		f.Limit = 500
	}

	events, err := s.records.Query(r.Context(), f)
	if err != nil {
		s.logger.Error("record query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleExportRecords streams the full (filtered) history as CSV or JSON.
// Anything fancier than these two formats belongs to downstream tooling.
func (s *Server) handleExportRecords(w http.ResponseWriter, r *http.Request) {
	events, err := s.records.Query(r.Context(), recordFilterFromQuery(r))
	if err != nil {
		s.logger.Error("record export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	stamp := time.Now().UTC().Format("20060102_150405")

	switch format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=attendance_%s.csv", stamp))

		if err := writeRecordsCSV(w, events); err != nil {
			// Headers are gone; all that remains is recording the
			// truncation.
			s.logger.Warn("csv export truncated", zap.Error(err))
		}

	case "json":
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=attendance_%s.json", stamp))
		writeJSON(w, http.StatusOK, events)

	default:
		writeError(w, http.StatusBadRequest, "invalid_format", "format must be csv or json")
	}
}

// writeRecordsCSV streams events as CSV. csv.Writer errors are sticky, so
// one check after Flush covers the whole write.
func writeRecordsCSV(w io.Writer, events []types.AttendanceEvent) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"device_id", "user_id", "timestamp", "status_code", "status",
		"verification", "work_code", "received_at",
	})
	for _, ev := range events {
		_ = cw.Write([]string{
			ev.DeviceID, ev.UserID, ev.Timestamp, ev.StatusCode, string(ev.Status),
			ev.Verification, ev.WorkCode, ev.ReceivedAt.Format(time.RFC3339),
		})
	}
	cw.Flush()
	return cw.Error()
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}

	entries, err := s.logs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	if entries == nil {
		entries = []store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type statsResponse struct {
	TotalRecords  int64            `json:"total_records"`
	TodayRecords  int64            `json:"today_records"`
	DistinctUsers int64            `json:"distinct_users"`
	Devices       int              `json:"devices"`
	OnlineDevices int              `json:"online_devices"`
	RecordsByUnit map[string]int64 `json:"records_by_device"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := s.records.Count(ctx)
	if err != nil {
		s.logger.Error("stats count failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	today, err := s.records.CountMatching(ctx, time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		s.logger.Error("stats today count failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	users, err := s.records.DistinctUsers(ctx)
	if err != nil {
		s.logger.Error("stats users failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	devices, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("stats device list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	resp := statsResponse{
		TotalRecords:  total,
		TodayRecords:  today,
		DistinctUsers: users,
		Devices:       len(devices),
		RecordsByUnit: map[string]int64{},
	}
	for _, d := range devices {
		resp.RecordsByUnit[d.DeviceID] = d.RecordCount
		if s.registry.Online(d) {
			resp.OnlineDevices++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
