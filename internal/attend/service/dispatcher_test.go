package service_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/service"
	"github.com/essl-labs/attendgate/internal/attend/store/memory"
	"github.com/essl-labs/attendgate/internal/attend/types"
)

func newTestSink() *service.LogSink {
	return service.NewLogSink(zap.NewNop(), memory.NewLogStore())
}

func TestDispatcher_FIFOOrder(t *testing.T) {
	d := service.NewCommandDispatcher(newTestSink())
	ctx := context.Background()

	d.Enqueue(ctx, "dev-1", "A")
	d.Enqueue(ctx, "dev-1", "B")
	d.Enqueue(ctx, "dev-1", "C")

	for _, want := range []string{"A", "B", "C"} {
		cmd, queued := d.Poll(ctx, "dev-1")
		if !queued {
			t.Fatalf("expected queued command, got default")
		}
		if cmd != want {
			t.Errorf("expected %q, got %q", want, cmd)
		}
	}

	cmd, queued := d.Poll(ctx, "dev-1")
	if queued {
		t.Error("expected default after queue drained")
	}
	if cmd != types.CmdFetchRecent {
		t.Errorf("expected default opcode %q, got %q", types.CmdFetchRecent, cmd)
	}
}

func TestDispatcher_EmptyPollDoesNotMutate(t *testing.T) {
	d := service.NewCommandDispatcher(newTestSink())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cmd, queued := d.Poll(ctx, "dev-1")
		if queued || cmd != types.CmdFetchRecent {
			t.Fatalf("poll %d: expected default opcode, got %q (queued=%v)", i, cmd, queued)
		}
	}
	if d.Len("dev-1") != 0 {
		t.Errorf("expected empty queue, got %d", d.Len("dev-1"))
	}
}

func TestDispatcher_PerDeviceIsolation(t *testing.T) {
	d := service.NewCommandDispatcher(newTestSink())
	ctx := context.Background()

	d.Enqueue(ctx, "dev-1", "A")
	d.Enqueue(ctx, "dev-2", "B")

	cmd, _ := d.Poll(ctx, "dev-2")
	if cmd != "B" {
		t.Errorf("expected B for dev-2, got %q", cmd)
	}
	if d.Len("dev-1") != 1 {
		t.Errorf("dev-1 queue should be untouched, got len %d", d.Len("dev-1"))
	}
}

func TestDispatcher_ForceFullFetch(t *testing.T) {
	d := service.NewCommandDispatcher(newTestSink())
	ctx := context.Background()

	d.Enqueue(ctx, "dev-1", "STALE")
	entries := d.ForceFullFetch(ctx, "dev-1")

	if len(entries) == 0 {
		t.Fatal("expected a queued sequence")
	}
	if entries[0].Command != types.CmdFetchAll {
		t.Errorf("expected sequence to lead with %q, got %q", types.CmdFetchAll, entries[0].Command)
	}
	if d.Len("dev-1") != len(entries) {
		t.Errorf("expected stale entry cleared, queue len %d vs sequence %d", d.Len("dev-1"), len(entries))
	}

	// The repetition is bounded.
	fetchAlls := 0
	for _, e := range entries {
		if e.Command == types.CmdFetchAll {
			fetchAlls++
		}
	}
	if fetchAlls < 2 || fetchAlls > 5 {
		t.Errorf("expected a small bounded number of full fetches, got %d", fetchAlls)
	}

	// One entry leaves per poll.
	before := d.Len("dev-1")
	for i := 0; i < 3; i++ {
		if _, queued := d.Poll(ctx, "dev-1"); !queued {
			t.Fatalf("poll %d: queue drained early", i)
		}
		if got := d.Len("dev-1"); got != before-(i+1) {
			t.Errorf("poll %d: expected len %d, got %d", i, before-(i+1), got)
		}
	}
}

func TestDispatcher_Clear(t *testing.T) {
	d := service.NewCommandDispatcher(newTestSink())
	ctx := context.Background()

	d.Enqueue(ctx, "dev-1", "A")
	d.Enqueue(ctx, "dev-1", "B")

	if n := d.Clear(ctx, "dev-1"); n != 2 {
		t.Errorf("expected 2 cleared, got %d", n)
	}
	if cmd, queued := d.Poll(ctx, "dev-1"); queued {
		t.Errorf("expected default after clear, got %q", cmd)
	}
}

func TestDispatcher_PendingIsACopy(t *testing.T) {
	d := service.NewCommandDispatcher(newTestSink())
	ctx := context.Background()

	d.Enqueue(ctx, "dev-1", "A")
	pending := d.Pending("dev-1")
	if len(pending) != 1 || pending[0].Command != "A" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	pending[0].Command = "MUTATED"

	cmd, _ := d.Poll(ctx, "dev-1")
	if cmd != "A" {
		t.Errorf("queue was mutated through Pending: got %q", cmd)
	}
}
