// Package httpapi serves two very different surfaces: the vendor push
// protocol the terminals speak (plain text, always answered "OK"), and a
// JSON operator API for inspecting devices and driving command queues.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/protocol"
	"github.com/essl-labs/attendgate/internal/attend/service"
	"github.com/essl-labs/attendgate/internal/attend/store"
)

// maxPushBody caps a terminal's push payload. A full-history page runs to
// a few hundred lines of well under 100 bytes each, so 1 MiB is generous.
const maxPushBody = 1 << 20

type Dependencies struct {
	Logger      *zap.Logger
	Addr        string
	Sink        *service.LogSink
	Registry    *service.DeviceRegistry
	Ingest      *service.IngestService
	Dispatcher  *service.CommandDispatcher
	Poller      *service.AutonomousPoller
	RecordStore store.RecordStore
	LogStore    store.LogStore
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	sink       *service.LogSink
	registry   *service.DeviceRegistry
	ingest     *service.IngestService
	dispatcher *service.CommandDispatcher
	poller     *service.AutonomousPoller
	records    store.RecordStore
	logs       store.LogStore
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:     d.Logger,
		mux:        mux,
		sink:       d.Sink,
		registry:   d.Registry,
		ingest:     d.Ingest,
		dispatcher: d.Dispatcher,
		poller:     d.Poller,
		records:    d.RecordStore,
		logs:       d.LogStore,
	}

	// Device wire protocol. Paths are fixed by terminal firmware.
	mux.HandleFunc("/iclock/cdata.aspx", s.handleCData)
	mux.HandleFunc("GET /iclock/getrequest.aspx", s.handleGetRequest)
	mux.HandleFunc("/iclock/registry.aspx", s.handleRegistry)
	mux.HandleFunc("POST /iclock/devicecmd.aspx", s.handleDeviceCmd)

	// Operator API.
	mux.HandleFunc("GET /v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /v1/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("POST /v1/devices/{id}/rename", s.handleRenameDevice)
	mux.HandleFunc("POST /v1/devices/{id}/commands", s.handleEnqueueCommand)
	mux.HandleFunc("GET /v1/devices/{id}/queue", s.handleQueuePending)
	mux.HandleFunc("POST /v1/devices/{id}/queue/clear", s.handleQueueClear)
	mux.HandleFunc("POST /v1/devices/{id}/fetch_all", s.handleFetchAllDevice)
	mux.HandleFunc("POST /v1/fetch_all", s.handleFetchAllEverything)
	mux.HandleFunc("POST /v1/commands/broadcast", s.handleBroadcast)
	mux.HandleFunc("GET /v1/records", s.handleQueryRecords)
	mux.HandleFunc("GET /v1/records/export", s.handleExportRecords)
	mux.HandleFunc("GET /v1/logs", s.handleRecentLogs)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Device wire protocol ─────────────────────────────────────────────────

// writeOK emits the wire acknowledgement the terminal expects: the literal
// "OK" with no trailing content. This is the only ack the firmware
// understands, and there is no error-signaling channel — internal failures
// must never surface as a non-OK response or the terminal retry-storms.
func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// handleCData handles the push path: GET is a liveness probe, POST carries
// newline-separated attendance/identity lines.
func (s *Server) handleCData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method == http.MethodGet {
		res := protocol.Resolve(r.URL.Query(), r.Header, "", r.RemoteAddr)
		s.touchDevice(ctx, res, r.RemoteAddr, nil)
		writeOK(w)
		return
	}

	body := s.readBody(r)
	res := protocol.Resolve(r.URL.Query(), r.Header, body, r.RemoteAddr)

	// The device row must exist before ingestion: accepted events bump its
	// record counter.
	s.touchDevice(ctx, res, r.RemoteAddr, nil)

	ingest := s.ingest.IngestBody(ctx, res.DeviceID, body)
	if err := s.registry.MergeFacts(ctx, res.DeviceID, ingest.Facts); err != nil {
		s.logger.Error("fact merge failed",
			zap.String("device_id", res.DeviceID), zap.Error(err))
	}

	if ingest.Accepted > 0 {
		s.sink.Info(ctx, fmt.Sprintf("accepted %d attendance event(s)", ingest.Accepted), res.DeviceID)
	}

	writeOK(w)
}

// handleGetRequest handles the poll path: the terminal asks what to do
// next and gets exactly one opcode string, no framing.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res := protocol.Resolve(r.URL.Query(), r.Header, "", r.RemoteAddr)
	s.touchDevice(ctx, res, r.RemoteAddr, nil)

	cmd, _ := s.dispatcher.Poll(ctx, res.DeviceID)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, cmd)
}

// handleRegistry handles device registration: every query parameter is
// harvested into the device's param bag.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res := protocol.Resolve(r.URL.Query(), r.Header, "", r.RemoteAddr)

	facts := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			facts[k] = vs[len(vs)-1]
		}
	}
	s.touchDevice(ctx, res, r.RemoteAddr, facts)

	writeOK(w)
}

// handleDeviceCmd handles command responses: KEY=VALUE lines reporting
// device configuration, folded into the param bag.
func (s *Server) handleDeviceCmd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := s.readBody(r)
	res := protocol.Resolve(r.URL.Query(), r.Header, body, r.RemoteAddr)

	s.touchDevice(ctx, res, r.RemoteAddr, parseKeyValues(body))

	writeOK(w)
}

// touchDevice reconciles a resolution with the registry. Failures are
// logged and swallowed: the device still gets its "OK".
func (s *Server) touchDevice(ctx context.Context, res protocol.Resolution, remoteAddr string, facts map[string]string) {
	if res.Fallback {
		s.sink.Info(ctx, "identity fallback engaged for "+remoteAddr, res.DeviceID)
	}

	if _, err := s.registry.Touch(ctx, res.DeviceID, remoteHost(remoteAddr), facts); err != nil {
		s.logger.Error("registry touch failed",
			zap.String("device_id", res.DeviceID), zap.Error(err))
	}
}

func (s *Server) readBody(r *http.Request) string {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		s.logger.Warn("body read failed", zap.Error(err))
		return ""
	}
	return string(b)
}

// parseKeyValues extracts every KEY=VALUE line from a body. Unlike the
// line parser's identity facts, this keeps all keys — the device reports
// arbitrary configuration here.
func parseKeyValues(body string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if k != "" {
			out[k] = v
		}
	}
	return out
}

func remoteHost(remoteAddr string) string {
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return h
	}
	return remoteAddr
}

