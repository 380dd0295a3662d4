package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fly-io/fabricfw/internal/config"
	"github.com/fly-io/fabricfw/pkg/db"
	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/fleet"
	"github.com/fly-io/fabricfw/pkg/metrics"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/transfer"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/fly-io/fabricfw/pkg/transport/fake"
	"github.com/fly-io/fabricfw/pkg/update"
	"github.com/google/go-cmp/cmp"
)

func testSession(t *testing.T, medium *fake.Medium) *session {
	t.Helper()
	dir := t.TempDir()
	repo, err := db.NewRepository(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })

	rec := metrics.New()
	engine := transfer.NewEngine(medium, transfer.Settings{PollInterval: time.Millisecond, Timeout: time.Second}, rec)
	return &session{
		cfg:        &config.Config{WorkDir: dir, MetricsFile: filepath.Join(dir, "fabricctl.prom")},
		repo:       repo,
		metrics:    rec,
		updater:    update.New(engine),
		dispatcher: fleet.NewDispatcher(4, 0, fleet.Operations(update.New(engine)), rec),
	}
}

func s2Table() partition.Table {
	return partition.Table{
		{Index: 0, Type: partition.TypeS2ELF, Size: 0x1000, Priority: 2, InUse: partition.InUseYes},
		{Index: 1, Type: partition.TypeS2ELF, Size: 0x1000, Priority: 1, InUse: partition.InUseNo},
	}
}

func TestDispatchUpdateRecordsHistory(t *testing.T) {
	ctx := context.Background()
	medium := fake.NewMedium()
	s := testSession(t, medium)

	good := fake.NewNode("10.0.0.1", medium, s2Table())
	bad := fake.NewNode("10.0.0.2", medium, s2Table())
	bad.FinalStatus = transport.StatusFailed

	img, err := firmware.NewImage("s2.elf", partition.TypeS2ELF, []byte("firmware"))
	if err != nil {
		t.Fatal(err)
	}
	args := fleet.UpdateArgs{Package: firmware.NewPackage(img), Options: update.Options{Policy: partition.Inactive}}

	out := s.dispatch(ctx, fleet.OpUpdateFirmware, []transport.Node{good, bad}, args)
	if len(out.Results) != 1 || len(out.Errors) != 1 || out.Errors["10.0.0.2"] == nil {
		t.Fatalf("unexpected outcome: %d results, errors %v", len(out.Results), out.Errors)
	}

	run, err := s.repo.GetRun(ctx, out.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != db.StatusFailed || run.FailedNodes != 1 || run.NodeCount != 2 {
		t.Errorf("unexpected run %+v", run)
	}

	transfers, err := s.repo.Transfers(ctx, out.RunID)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, tr := range transfers {
		got[tr.Node] = fmt.Sprintf("%s %d %d %s", tr.ImageType, tr.Partition, tr.Priority, tr.Status)
	}
	want := map[string]string{
		"10.0.0.1": "S2_ELF 1 3 complete",
		"10.0.0.2": "S2_ELF 1 3 failed",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("recorded transfers (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := printHistory(ctx, &buf, s.repo, 10, true); err != nil {
		t.Fatal(err)
	}
	for _, fragment := range []string{out.RunID, "update_firmware", "10.0.0.2", "failed"} {
		if !strings.Contains(buf.String(), fragment) {
			t.Errorf("history output missing %q:\n%s", fragment, buf.String())
		}
	}

	s.Close()
	data, err := os.ReadFile(s.cfg.MetricsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `fabricfw_node_operations_total{operation="update_firmware",result="failure"} 1`) {
		t.Errorf("metrics file missing the failed operation:\n%s", data)
	}
}

func TestPrintOutcome(t *testing.T) {
	out := &outcome{
		Results: map[string]any{"10.0.0.2": "on", "10.0.0.1": []string{"disk", "pxe"}},
		Errors:  map[string]error{"10.0.0.3": fmt.Errorf("timeout")},
	}
	var buf bytes.Buffer
	err := printOutcome(&buf, out, renderValue)
	if err == nil || err.Error() != "1 of 3 nodes failed" {
		t.Errorf("unexpected error %v", err)
	}
	want := "10.0.0.1: disk,pxe\n10.0.0.2: on\n\nFailed:\n10.0.0.3: timeout\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := printOutcome(&buf, &outcome{Results: map[string]any{"10.0.0.1": nil}}, renderNothing); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "10.0.0.1: ok\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestRenderTable(t *testing.T) {
	text := renderTable(partition.Table{
		{Index: 0, Type: partition.TypeS2ELF, Offset: 0x40000, Size: 0x20000, Priority: 3, Version: "v2.1.5", InUse: partition.InUseYes},
	})
	for _, fragment := range []string{"S2_ELF", "0x040000", "128 KiB", "v2.1.5", "yes"} {
		if !strings.Contains(text, fragment) {
			t.Errorf("table missing %q:\n%s", fragment, text)
		}
	}
}

func TestParseBootOrder(t *testing.T) {
	if diff := cmp.Diff([]string{"disk0:1", "pxe", "retry"}, parseBootOrder(" Disk0:1, pxe,,RETRY")); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if got := parseBootOrder(""); got == nil || len(got) != 0 {
		t.Errorf("empty order: got %#v", got)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, p := range []string{"tftp/a.img", "downloads/x/pkg.tar", "packages/package-1/manifest.yaml", "keep.txt"} {
		path := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := cleanWorkDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed %d entries, want 3", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}

	repo, err := db.NewRepository(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	for i := 0; i < 4; i++ {
		if _, err := repo.StartRun(ctx, "get_power", 1); err != nil {
			t.Fatal(err)
		}
	}
	pruned, err := pruneHistory(ctx, repo, 1)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := repo.ListRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 3 || len(runs) != 1 {
		t.Errorf("pruned %d, %d left; want 3 and 1", pruned, len(runs))
	}
}
