package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/essl-labs/attendgate/internal/attend/types"
)

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

// pushEvent drives a device contact through the wire protocol so the
// operator surface has something to show.
func pushEvent(t *testing.T, g *testGateway, sn, line string) {
	t.Helper()
	resp, err := http.Post(g.ts.URL+"/iclock/cdata.aspx?SN="+sn, "text/plain", strings.NewReader(line+"\n"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := readAll(t, resp); got != "OK" {
		t.Fatalf("push ack = %q", got)
	}
}

func TestOperator_ListAndGetDevices(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")

	resp, err := http.Get(g.ts.URL + "/v1/devices")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}

	var list []struct {
		DeviceID    string `json:"device_id"`
		RecordCount int64  `json:"record_count"`
		Online      bool   `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].DeviceID != "ABC123" {
		t.Fatalf("list = %+v", list)
	}
	if !list[0].Online {
		t.Error("device just pushed, expected online=true")
	}
	if list[0].RecordCount != 1 {
		t.Errorf("record count = %d, want 1", list[0].RecordCount)
	}

	resp2, err := http.Get(g.ts.URL + "/v1/devices/ABC123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp2.StatusCode)
	}

	resp3, err := http.Get(g.ts.URL + "/v1/devices/NOPE")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", resp3.StatusCode)
	}
}

func TestOperator_RenameDevice(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")

	resp := postJSON(t, g.ts.URL+"/v1/devices/ABC123/rename", `{"display_name":"Front Door"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", resp.StatusCode)
	}

	d, err := g.registry.Get(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.DisplayName != "Front Door" {
		t.Errorf("display name = %q", d.DisplayName)
	}

	bad := postJSON(t, g.ts.URL+"/v1/devices/ABC123/rename", `{"display_name":"  "}`)
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("blank rename status = %d, want 400", bad.StatusCode)
	}
}

func TestOperator_EnqueueThenDevicePollsIt(t *testing.T) {
	g := newTestGateway(t)

	resp := postJSON(t, g.ts.URL+"/v1/devices/ABC123/commands", `{"command":"REBOOT"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}
	var entry types.CommandQueueEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.ID == "" || entry.Command != "REBOOT" {
		t.Errorf("entry = %+v", entry)
	}

	poll, err := http.Get(g.ts.URL + "/iclock/getrequest.aspx?SN=ABC123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := readAll(t, poll); got != "REBOOT" {
		t.Errorf("device polled %q, want REBOOT", got)
	}
}

func TestOperator_EnqueueRejectsBadBodies(t *testing.T) {
	g := newTestGateway(t)

	for _, body := range []string{`not json`, `{"command":""}`, `{"unknown_field":1}`} {
		resp := postJSON(t, g.ts.URL+"/v1/devices/ABC123/commands", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestOperator_QueuePendingAndClear(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	g.dispatcher.Enqueue(ctx, "ABC123", "INFO")
	g.dispatcher.Enqueue(ctx, "ABC123", "GET OPTIONS")

	resp, err := http.Get(g.ts.URL + "/v1/devices/ABC123/queue")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	var pending []types.CommandQueueEntry
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	resp.Body.Close()
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}

	clear := postJSON(t, g.ts.URL+"/v1/devices/ABC123/queue/clear", ``)
	defer clear.Body.Close()
	var cleared map[string]int
	if err := json.NewDecoder(clear.Body).Decode(&cleared); err != nil {
		t.Fatalf("decode clear: %v", err)
	}
	if cleared["cleared"] != 2 {
		t.Errorf("cleared = %d, want 2", cleared["cleared"])
	}
	if g.dispatcher.Len("ABC123") != 0 {
		t.Error("queue not empty after clear")
	}
}

func TestOperator_FetchAllDevice(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")

	resp := postJSON(t, g.ts.URL+"/v1/devices/ABC123/fetch_all", ``)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch_all status = %d", resp.StatusCode)
	}

	// The very next poll must carry the full-history opcode.
	poll, err := http.Get(g.ts.URL + "/iclock/getrequest.aspx?SN=ABC123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := readAll(t, poll); got != types.CmdFetchAll {
		t.Errorf("first poll after fetch_all = %q, want %q", got, types.CmdFetchAll)
	}

	// Each poll consumes exactly one entry.
	before := g.dispatcher.Len("ABC123")
	poll2, err := http.Get(g.ts.URL + "/iclock/getrequest.aspx?SN=ABC123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	readAll(t, poll2)
	if after := g.dispatcher.Len("ABC123"); after != before-1 {
		t.Errorf("queue went %d -> %d across one poll", before, after)
	}
}

func TestOperator_Broadcast(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")
	pushEvent(t, g, "DEF456", "7\t2025-01-01 09:05:00\t0\t1\t")

	resp := postJSON(t, g.ts.URL+"/v1/commands/broadcast", `{"command":"SET OPTION RTLOG=1"}`)
	defer resp.Body.Close()
	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["devices"] != 2 {
		t.Errorf("broadcast reached %d devices, want 2", out["devices"])
	}
	for _, id := range []string{"ABC123", "DEF456"} {
		if g.dispatcher.Len(id) != 1 {
			t.Errorf("device %s queue = %d, want 1", id, g.dispatcher.Len(id))
		}
	}
}

func TestOperator_QueryRecords(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")
	pushEvent(t, g, "ABC123", "7\t2025-01-02 08:55:00\t1\t1\t")

	resp, err := http.Get(g.ts.URL + "/v1/records?user_id=42")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	defer resp.Body.Close()

	var events []types.AttendanceEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("filtered query = %d events, want 1", len(events))
	}
	if events[0].UserID != "42" || events[0].Status != types.StatusCheckIn {
		t.Errorf("event = %+v", events[0])
	}
}

func TestOperator_ExportCSV(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")

	resp, err := http.Get(g.ts.URL + "/v1/records/export?format=csv")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("content disposition = %q", cd)
	}
	body := readAll(t, resp)
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv = %d lines, want header + 1 row:\n%s", len(lines), body)
	}
	if !strings.HasPrefix(lines[0], "device_id,user_id,timestamp") {
		t.Errorf("csv header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "ABC123,42,2025-01-01T09:00:00") {
		t.Errorf("csv row = %q", lines[1])
	}

	bad, err := http.Get(g.ts.URL + "/v1/records/export?format=xml")
	if err != nil {
		t.Fatalf("export xml: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("xml export status = %d, want 400", bad.StatusCode)
	}
}

func TestOperator_RecentLogs(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")

	resp, err := http.Get(g.ts.URL + "/v1/logs")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	defer resp.Body.Close()

	var entries []struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Message, "device registered") {
			found = true
		}
	}
	if !found {
		t.Error("expected a registration entry in the recent logs")
	}
}

func TestOperator_Stats(t *testing.T) {
	g := newTestGateway(t)
	pushEvent(t, g, "ABC123", "42\t2025-01-01 09:00:00\t0\t1\t")
	pushEvent(t, g, "ABC123", "7\t2025-01-01 17:30:00\t1\t1\t")
	pushEvent(t, g, "DEF456", "42\t2025-01-02 09:05:00\t0\t1\t")

	resp, err := http.Get(g.ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()

	var stats struct {
		TotalRecords    int64            `json:"total_records"`
		DistinctUsers   int64            `json:"distinct_users"`
		Devices         int              `json:"devices"`
		OnlineDevices   int              `json:"online_devices"`
		RecordsByDevice map[string]int64 `json:"records_by_device"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalRecords != 3 {
		t.Errorf("total records = %d, want 3", stats.TotalRecords)
	}
	if stats.DistinctUsers != 2 {
		t.Errorf("distinct users = %d, want 2", stats.DistinctUsers)
	}
	if stats.Devices != 2 || stats.OnlineDevices != 2 {
		t.Errorf("devices = %d online = %d, want 2/2", stats.Devices, stats.OnlineDevices)
	}
	if stats.RecordsByDevice["ABC123"] != 2 || stats.RecordsByDevice["DEF456"] != 1 {
		t.Errorf("records by device = %v", stats.RecordsByDevice)
	}
}
