package transfer

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/metrics"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/simg"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/fly-io/fabricfw/pkg/transport/fake"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/superfly/fsm"
)

var testTable = partition.Table{
	{Index: 0, Type: partition.TypeS2ELF, Size: 0x1000, Priority: 4, DestAddr: 0x2000, InUse: partition.InUseYes},
	{Index: 1, Type: partition.TypeS2ELF, Size: 0x1000, Priority: 3, DestAddr: 0x2000, InUse: partition.InUseNo},
	{Index: 2, Type: partition.TypeCDB, Size: 0x4000, Priority: 1},
	{Index: 3, Type: partition.TypeSPIF, Size: 0x100},
}

func fastSettings() Settings {
	return Settings{PollInterval: time.Millisecond, Timeout: time.Second}
}

func setup(t *testing.T) (*Engine, *fake.Node, *fake.Medium) {
	t.Helper()
	medium := fake.NewMedium()
	node := fake.NewNode("10.0.0.1", medium, testTable)
	return NewEngine(medium, fastSettings(), nil), node, medium
}

func image(typ partition.Type, data string) *firmware.Image {
	img, _ := firmware.NewImage(string(typ)+".bin", typ, []byte(data))
	img.Version = "v2.0.0"
	return img
}

func TestWrite(t *testing.T) {
	engine, node, _ := setup(t)
	node.PollsBeforeDone = 3

	res, err := engine.Write(context.Background(), Job{
		Node:      node,
		Image:     image(partition.TypeS2ELF, "payload"),
		Partition: testTable[1],
		Priority:  5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Activated || res.Status != transport.StatusComplete || res.Handle == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	want := []string{"StartWrite", "Poll", "Poll", "Poll", "Poll", "Check", "Activate"}
	if diff := cmp.Diff(want, node.CallNames()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}

	hdr, payload, err := simg.Decode(node.Contents[1])
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "payload" || hdr.Priority != 5 || hdr.DestAddr != 0x2000 || hdr.Version != "v2.0.0" {
		t.Errorf("unexpected stored image: %+v %q", hdr, payload)
	}
	if node.Table[1].Priority != 5 {
		t.Errorf("partition priority = %d, want 5", node.Table[1].Priority)
	}
}

func TestWriteImageTooLarge(t *testing.T) {
	engine, node, medium := setup(t)

	_, err := engine.Write(context.Background(), Job{
		Node:      node,
		Image:     image(partition.TypeSPIF, string(make([]byte, 0x101))),
		Partition: testTable[3],
	})
	if !errors.Is(err, errors.ErrImageSize) {
		t.Fatalf("expected ErrImageSize, got %v", err)
	}
	if len(node.Calls) != 0 || medium.Len() != 0 {
		t.Errorf("size failure touched the network: calls=%v files=%d", node.Calls, medium.Len())
	}
}

func TestWriteRawAndOverrides(t *testing.T) {
	engine, node, _ := setup(t)
	ctx := context.Background()

	if _, err := engine.Write(ctx, Job{Node: node, Image: image(partition.TypeSPIF, "raw"), Partition: testTable[3]}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(node.Contents[3], []byte("raw")) {
		t.Errorf("raw image was modified: %q", node.Contents[3])
	}

	img := image(partition.TypeCDB, "cdb")
	daddr := uint32(0xABC)
	img.DestAddr = &daddr
	if _, err := engine.Write(ctx, Job{Node: node, Image: img, Partition: testTable[2], Priority: 2}); err != nil {
		t.Fatal(err)
	}
	hdr, _, err := simg.Decode(node.Contents[2])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.ImageOffset != simg.AlignedOffset || hdr.DestAddr != 0xABC {
		t.Errorf("CDB header: offset=%d daddr=%#x", hdr.ImageOffset, hdr.DestAddr)
	}
}

func TestWriteCDBSettle(t *testing.T) {
	const settle = 100 * time.Millisecond
	medium := fake.NewMedium()
	node := fake.NewNode("10.0.0.1", medium, testTable)
	// The poll deadline is shorter than the settle, so it only holds if it
	// starts after the pause.
	engine := NewEngine(medium, Settings{PollInterval: time.Millisecond, Timeout: 80 * time.Millisecond, CDBSettle: settle}, nil)
	ctx := context.Background()

	start := time.Now()
	if _, err := engine.Write(ctx, Job{Node: node, Image: image(partition.TypeCDB, "cdb"), Partition: testTable[2], Priority: 2}); err != nil {
		t.Fatalf("CDB write: %v", err)
	}
	if elapsed := time.Since(start); elapsed < settle {
		t.Errorf("CDB write took %s, want at least %s", elapsed, settle)
	}

	start = time.Now()
	if _, err := engine.Write(ctx, Job{Node: node, Image: image(partition.TypeS2ELF, "payload"), Partition: testTable[1], Priority: 5}); err != nil {
		t.Fatalf("S2_ELF write: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= settle {
		t.Errorf("S2_ELF write took %s, should not wait for the settle", elapsed)
	}

	want := []string{"StartWrite", "Poll", "Check", "Activate", "StartWrite", "Poll", "Check", "Activate"}
	if diff := cmp.Diff(want, node.CallNames()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestWriteCDBSettleCanceled(t *testing.T) {
	medium := fake.NewMedium()
	node := fake.NewNode("10.0.0.1", medium, testTable)
	engine := NewEngine(medium, Settings{PollInterval: time.Millisecond, Timeout: time.Second, CDBSettle: time.Minute}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.Write(ctx, Job{Node: node, Image: image(partition.TypeCDB, "cdb"), Partition: testTable[2]})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if diff := cmp.Diff([]string{"StartWrite"}, node.CallNames()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestWriteFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fake.Node, *fake.Medium)
		kind  error
		calls []string
	}{
		{
			name:  "no handle",
			setup: func(n *fake.Node, _ *fake.Medium) { n.NoHandle = true },
			kind:  errors.ErrTransferFailure,
			calls: []string{"StartWrite"},
		},
		{
			name:  "failed status",
			setup: func(n *fake.Node, _ *fake.Medium) { n.FinalStatus = transport.StatusFailed },
			kind:  errors.ErrTransferFailure,
			calls: []string{"StartWrite", "Poll"},
		},
		{
			name:  "check fails",
			setup: func(n *fake.Node, _ *fake.Medium) { n.FailCheck[1] = true },
			kind:  errors.ErrTransferFailure,
			calls: []string{"StartWrite", "Poll", "Check"},
		},
		{
			name:  "upload fails",
			setup: func(_ *fake.Node, m *fake.Medium) { m.PutErr = fmt.Errorf("disk full") },
			kind:  errors.ErrTransferFailure,
			calls: nil,
		},
		{
			name:  "transport error",
			setup: func(n *fake.Node, _ *fake.Medium) { n.Errors["Poll"] = fmt.Errorf("session lost") },
			kind:  errors.ErrTransferFailure,
			calls: []string{"StartWrite", "Poll"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, node, medium := setup(t)
			tt.setup(node, medium)

			_, err := engine.Write(context.Background(), Job{
				Node:      node,
				Image:     image(partition.TypeS2ELF, "payload"),
				Partition: testTable[1],
				Priority:  5,
			})
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			if diff := cmp.Diff(tt.calls, node.CallNames(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("calls (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteTransportErrorUnwraps(t *testing.T) {
	engine, node, _ := setup(t)
	node.Errors["StartWrite"] = fmt.Errorf("unable to establish session")

	_, err := engine.Write(context.Background(), Job{Node: node, Image: image(partition.TypeS2ELF, "x"), Partition: testTable[1]})
	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected a wrapped transport error, got %v", err)
	}
}

func TestWriteTimeout(t *testing.T) {
	medium := fake.NewMedium()
	node := fake.NewNode("10.0.0.1", medium, testTable)
	node.PollsBeforeDone = 1 << 30
	engine := NewEngine(medium, Settings{PollInterval: time.Millisecond, Timeout: 30 * time.Millisecond}, nil)

	_, err := engine.Write(context.Background(), Job{Node: node, Image: image(partition.TypeS2ELF, "x"), Partition: testTable[1]})
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	for _, c := range node.CallNames() {
		if c == "Check" || c == "Activate" {
			t.Errorf("timed out transfer continued with %s", c)
		}
	}
}

func TestWriteCanceled(t *testing.T) {
	engine, node, _ := setup(t)
	node.PollsBeforeDone = 1 << 30

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.Write(ctx, Job{Node: node, Image: image(partition.TypeS2ELF, "x"), Partition: testTable[1]})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the caller's deadline, got %v", err)
	}
	if errors.Is(err, errors.ErrTimeout) {
		t.Error("caller cancellation should not be reported as a transfer timeout")
	}
}

func TestWritePriorityOverflow(t *testing.T) {
	engine, node, _ := setup(t)
	_, err := engine.Write(context.Background(), Job{
		Node: node, Image: image(partition.TypeS2ELF, "x"), Partition: testTable[1], Priority: 1 << 16,
	})
	if !errors.Is(err, errors.ErrPriorityOverflow) {
		t.Fatalf("expected ErrPriorityOverflow, got %v", err)
	}
}

func TestWriteRecordsMetrics(t *testing.T) {
	medium := fake.NewMedium()
	node := fake.NewNode("10.0.0.1", medium, testTable)
	rec := metrics.New()
	engine := NewEngine(medium, fastSettings(), rec)

	if _, err := engine.Write(context.Background(), Job{Node: node, Image: image(partition.TypeS2ELF, "x"), Partition: testTable[1]}); err != nil {
		t.Fatal(err)
	}
	n, err := testutil.GatherAndCount(rec.Registry(), "fabricfw_transfers_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("transfer series = %d, want 1", n)
	}
}

func TestRead(t *testing.T) {
	engine, node, medium := setup(t)
	node.Contents[2] = []byte("stored cdb")

	data, err := engine.Read(context.Background(), node, testTable[2])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "stored cdb" {
		t.Errorf("got %q", data)
	}
	if medium.Len() != 0 {
		t.Error("downloaded file should be consumed")
	}

	node.FinalStatus = transport.StatusFailed
	if _, err := engine.Read(context.Background(), node, testTable[2]); !errors.Is(err, errors.ErrTransferFailure) {
		t.Errorf("expected ErrTransferFailure, got %v", err)
	}
}

func TestWriteWithStateMachine(t *testing.T) {
	ctx := context.Background()
	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer manager.Shutdown(time.Second)

	medium := fake.NewMedium()
	node := fake.NewNode("10.0.0.1", medium, testTable)
	engine := NewEngine(medium, fastSettings(), nil)
	if err := engine.Register(ctx, manager); err != nil {
		t.Fatal(err)
	}

	res, err := engine.Write(ctx, Job{Node: node, Image: image(partition.TypeS2ELF, "payload"), Partition: testTable[1], Priority: 9})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Activated || node.Table[1].Priority != 9 {
		t.Errorf("unexpected result %+v, priority %d", res, node.Table[1].Priority)
	}

	node.FailCheck[1] = true
	_, err = engine.Write(ctx, Job{Node: node, Image: image(partition.TypeS2ELF, "payload"), Partition: testTable[1], Priority: 10})
	if !errors.Is(err, errors.ErrTransferFailure) {
		t.Errorf("expected ErrTransferFailure through the state machine, got %v", err)
	}
}
