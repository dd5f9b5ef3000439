package httpapi_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/service"
	"github.com/essl-labs/attendgate/internal/attend/store"
	"github.com/essl-labs/attendgate/internal/attend/store/memory"
	"github.com/essl-labs/attendgate/internal/httpapi"
)

// testGateway wires up the full dependency graph over in-memory stores and
// exposes the pieces tests need to assert against.
type testGateway struct {
	ts         *httptest.Server
	records    store.RecordStore
	logs       *memory.LogStore
	registry   *service.DeviceRegistry
	dispatcher *service.CommandDispatcher
	poller     *service.AutonomousPoller
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	records := memory.NewRecordStore()
	logs := memory.NewLogStore()
	sink := service.NewLogSink(zap.NewNop(), logs)
	registry := service.NewDeviceRegistry(memory.NewDeviceStore(), sink, 2*time.Minute)
	dispatcher := service.NewCommandDispatcher(sink)
	ingest := service.NewIngestService(records, registry, dispatcher, sink, 20)
	poller := service.NewAutonomousPoller(registry, dispatcher, sink, service.PollerConfig{})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:      zap.NewNop(),
		Addr:        ":0",
		Sink:        sink,
		Registry:    registry,
		Ingest:      ingest,
		Dispatcher:  dispatcher,
		Poller:      poller,
		RecordStore: records,
		LogStore:    logs,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testGateway{
		ts:         ts,
		records:    records,
		logs:       logs,
		registry:   registry,
		dispatcher: dispatcher,
		poller:     poller,
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

// ── Push path ────────────────────────────────────────────────────────────

func TestCData_PostStoresEventsAndAcks(t *testing.T) {
	g := newTestGateway(t)

	body := "42\t2025-01-01 09:00:00\t0\t1\t\nSN=ABC123\n"
	resp, err := http.Post(g.ts.URL+"/iclock/cdata.aspx", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := readAll(t, resp); got != "OK" {
		t.Fatalf("ack = %q, want exactly %q", got, "OK")
	}

	ctx := context.Background()
	events, err := g.records.Query(ctx, store.RecordFilter{DeviceID: "ABC123"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.UserID != "42" || ev.Timestamp != "2025-01-01T09:00:00" || ev.StatusCode != "0" {
		t.Errorf("stored event = %+v", ev)
	}

	// First-ever contact: the device must exist before the batch is
	// counted, so its record counter reflects this very push.
	d, err := g.registry.Get(ctx, "ABC123")
	if err != nil {
		t.Fatalf("device not registered: %v", err)
	}
	if d.RecordCount != 1 {
		t.Errorf("device record count = %d, want 1", d.RecordCount)
	}
	if d.CommsCount != 1 {
		t.Errorf("comms count = %d, want 1 (one request, one contact)", d.CommsCount)
	}
	if d.Params["SN"] != "ABC123" {
		t.Errorf("body fact not merged into params: %v", d.Params)
	}
}

func TestCData_DuplicateLineAckedButNotStoredTwice(t *testing.T) {
	g := newTestGateway(t)

	body := "42\t2025-01-01 09:00:00\t0\t1\t\n"
	url := g.ts.URL + "/iclock/cdata.aspx?SN=ABC123"
	for i := 0; i < 2; i++ {
		resp, err := http.Post(url, "text/plain", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if got := readAll(t, resp); got != "OK" {
			t.Fatalf("post %d ack = %q", i, got)
		}
	}

	n, err := g.records.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d events after duplicate push, want 1", n)
	}
}

func TestCData_MalformedBodyStillAcked(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Post(g.ts.URL+"/iclock/cdata.aspx?SN=ABC123", "text/plain",
		strings.NewReader("complete garbage with no structure\n"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := readAll(t, resp); got != "OK" {
		t.Fatalf("ack = %q, want %q", got, "OK")
	}

	if n, _ := g.records.Count(context.Background()); n != 0 {
		t.Errorf("garbage produced %d stored events", n)
	}
}

func TestCData_GetIsLivenessProbe(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.ts.URL + "/iclock/cdata.aspx?SN=ABC123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := readAll(t, resp); got != "OK" {
		t.Fatalf("ack = %q, want %q", got, "OK")
	}

	if _, err := g.registry.Get(context.Background(), "ABC123"); err != nil {
		t.Errorf("probe did not register device: %v", err)
	}
}

func TestCData_IPFallbackIdentity(t *testing.T) {
	g := newTestGateway(t)

	// No SN anywhere: the gateway synthesizes an address-derived key.
	resp, err := http.Post(g.ts.URL+"/iclock/cdata.aspx", "text/plain",
		strings.NewReader("42\t2025-01-01 09:00:00\t0\t1\t\n"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := readAll(t, resp); got != "OK" {
		t.Fatalf("ack = %q", got)
	}

	devices, err := g.registry.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("registered %d devices, want 1", len(devices))
	}
	if !strings.HasPrefix(devices[0].DeviceID, "IP-") {
		t.Errorf("fallback device id = %q, want IP- prefix", devices[0].DeviceID)
	}
}

// ── Poll path ────────────────────────────────────────────────────────────

func TestGetRequest_EmptyQueueReturnsDefaultOpcode(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.ts.URL + "/iclock/getrequest.aspx?SN=ABC123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := readAll(t, resp); got != "GET ATTLOG" {
		t.Fatalf("body = %q, want %q", got, "GET ATTLOG")
	}

	if g.dispatcher.Len("ABC123") != 0 {
		t.Error("default opcode poll mutated the queue")
	}
}

func TestGetRequest_DrainsQueueInOrder(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	g.dispatcher.Enqueue(ctx, "ABC123", "INFO")
	g.dispatcher.Enqueue(ctx, "ABC123", "GET OPTIONS")

	for _, want := range []string{"INFO", "GET OPTIONS", "GET ATTLOG"} {
		resp, err := http.Get(g.ts.URL + "/iclock/getrequest.aspx?SN=ABC123")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := readAll(t, resp); got != want {
			t.Fatalf("poll = %q, want %q", got, want)
		}
	}
}

// ── Registration and command-response paths ──────────────────────────────

func TestRegistry_QueryParamsBecomeDeviceParams(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.ts.URL + "/iclock/registry.aspx?SN=ABC123&FWVersion=2.1&UserCount=57")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := readAll(t, resp); got != "OK" {
		t.Fatalf("ack = %q", got)
	}

	d, err := g.registry.Get(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.Params["FWVersion"] != "2.1" || d.Params["UserCount"] != "57" {
		t.Errorf("params = %v", d.Params)
	}
}

func TestDeviceCmd_KeyValueLinesFoldedIntoParams(t *testing.T) {
	g := newTestGateway(t)

	body := "SN=ABC123\nCardCount=9\nFaceCount=3\nnot a pair\n"
	resp, err := http.Post(g.ts.URL+"/iclock/devicecmd.aspx", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := readAll(t, resp); got != "OK" {
		t.Fatalf("ack = %q", got)
	}

	d, err := g.registry.Get(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.Params["CardCount"] != "9" || d.Params["FaceCount"] != "3" {
		t.Errorf("params = %v", d.Params)
	}
}
