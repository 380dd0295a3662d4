package update

import (
	"context"
	"testing"
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/simg"
	"github.com/fly-io/fabricfw/pkg/transfer"
	"github.com/fly-io/fabricfw/pkg/transport/fake"
	"github.com/fly-io/fabricfw/pkg/ubootenv"
	"github.com/google/go-cmp/cmp"
)

func nodeTable() partition.Table {
	return partition.Table{
		{Index: 0, Type: partition.TypeS2ELF, Size: 0x10000, Priority: 2, InUse: partition.InUseYes},
		{Index: 1, Type: partition.TypeS2ELF, Size: 0x10000, Priority: 1, InUse: partition.InUseNo},
		{Index: 2, Type: partition.TypeSOCELF, Size: 0x10000, Priority: 3, InUse: partition.InUseYes},
		{Index: 3, Type: partition.TypeSOCELF, Size: 0x10000, Priority: 1, InUse: partition.InUseNo},
		{Index: 4, Type: partition.TypeUbootEnv, Size: 0x4000, Priority: 2, InUse: partition.InUseYes},
		{Index: 5, Type: partition.TypeUbootEnv, Size: 0x4000, Priority: 1, InUse: partition.InUseNo},
	}
}

func env(t *testing.T, vars map[string]string) []byte {
	t.Helper()
	b, err := ubootenv.Serialize(vars, ubootenv.DefaultSize)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func storedEnv(t *testing.T, node *fake.Node, index int) map[string]string {
	t.Helper()
	_, payload, err := simg.Decode(node.Contents[index])
	if err != nil {
		t.Fatalf("partition %d: %v", index, err)
	}
	return ubootenv.Parse(payload)
}

func newNode(t *testing.T, table partition.Table) (*Updater, *fake.Node) {
	t.Helper()
	medium := fake.NewMedium()
	node := fake.NewNode("10.0.0.1", medium, table)
	node.Contents[4] = simg.Encode(env(t, map[string]string{
		ubootenv.BootCommandVar: "run bootcmd_sata",
		"oldvar":                "stale",
	}), simg.Options{Priority: 2, ComputeCRC: true})
	engine := transfer.NewEngine(medium, transfer.Settings{PollInterval: time.Millisecond, Timeout: time.Second}, nil)
	return New(engine), node
}

func mustImage(t *testing.T, typ partition.Type, data []byte) *firmware.Image {
	t.Helper()
	img, err := firmware.NewImage(string(typ), typ, data)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func writes(node *fake.Node) []string {
	var out []string
	for _, c := range node.Calls {
		if len(c) > len("StartWrite") && c[:len("StartWrite")] == "StartWrite" {
			out = append(out, c)
		}
	}
	return out
}

func TestUpdatePackage(t *testing.T) {
	u, node := newNode(t, nodeTable())
	newEnv := env(t, map[string]string{ubootenv.BootCommandVar: "run bootcmd_pxe", "bootdelay": "1"})

	pkg := firmware.NewPackage(
		mustImage(t, partition.TypeS2ELF, []byte("s2")),
		mustImage(t, partition.TypeUbootEnv, newEnv),
	)
	pkg.FirmwareVersion = "ECX-1000-v2.1.5"

	report, err := u.Update(context.Background(), node, pkg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// S2_ELF and UBOOTENV both peak at 2; SOC_ELF is not in the package.
	if report.Priority != 3 {
		t.Errorf("run priority = %d, want 3", report.Priority)
	}
	if len(report.Transfers) != 3 {
		t.Fatalf("got %d transfers, want 3", len(report.Transfers))
	}
	if node.FirmwareVersion != "ECX-1000-v2.1.5" || report.FirmwareVersion != node.FirmwareVersion {
		t.Errorf("firmware version not recorded: node=%q report=%q", node.FirmwareVersion, report.FirmwareVersion)
	}

	for _, idx := range []int{1, 4, 5} {
		if got := node.Table[idx].Priority; got != 3 {
			t.Errorf("partition %d priority = %d, want 3", idx, got)
		}
	}

	if diff := cmp.Diff(map[string]string{ubootenv.BootCommandVar: "run bootcmd_pxe", "bootdelay": "1"}, storedEnv(t, node, 5)); diff != "" {
		t.Errorf("inactive env (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{ubootenv.BootCommandVar: "run bootcmd_sata", "bootdelay": "1"}, storedEnv(t, node, 4)); diff != "" {
		t.Errorf("active env (-want +got):\n%s", diff)
	}

	names := node.CallNames()
	var order []string
	for _, n := range names {
		if n == "StartWrite" || n == "StartRead" {
			order = append(order, n)
		}
	}
	if diff := cmp.Diff([]string{"StartWrite", "StartWrite", "StartRead", "StartWrite"}, order); diff != "" {
		t.Errorf("transfer order (-want +got):\n%s", diff)
	}
}

func TestUpdatePairFailureContinues(t *testing.T) {
	u, node := newNode(t, nodeTable())
	node.FailCheck[1] = true

	pkg := firmware.NewPackage(
		mustImage(t, partition.TypeS2ELF, []byte("s2")),
		mustImage(t, partition.TypeSOCELF, []byte("soc")),
		mustImage(t, partition.TypeDTB, []byte("dtb")),
	)
	pkg.FirmwareVersion = "v9"

	report, err := u.Update(context.Background(), node, pkg, Options{})
	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if uerr.Report != report {
		t.Error("error should carry the report")
	}
	if !errors.Is(err, errors.ErrTransferFailure) || !errors.Is(err, errors.ErrNoPartition) {
		t.Errorf("error should unwrap to both failures: %v", err)
	}

	if len(report.Transfers) != 1 || report.Transfers[0].Partition != 3 {
		t.Errorf("SOC_ELF should still be written: %+v", report.Transfers)
	}
	if len(report.Failures) != 2 || report.Failures[1].Partition != -1 {
		t.Errorf("unexpected failures: %+v", report.Failures)
	}
	if node.FirmwareVersion != "" {
		t.Error("firmware version must not be set after a failure")
	}
}

func TestUpdateBothPolicy(t *testing.T) {
	u, node := newNode(t, nodeTable())
	pkg := firmware.NewPackage(mustImage(t, partition.TypeS2ELF, []byte("s2")))

	report, err := u.Update(context.Background(), node, pkg, Options{Policy: partition.Both})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Transfers) != 2 || report.Transfers[0].Partition != 1 || report.Transfers[1].Partition != 0 {
		t.Errorf("BOTH should write the lower priority partition first: %+v", report.Transfers)
	}
	if node.Table[0].Priority != node.Table[1].Priority {
		t.Error("both partitions should carry the same run priority")
	}
}

func TestUpdateExplicitPriority(t *testing.T) {
	u, node := newNode(t, nodeTable())
	prio := uint32(40)
	pkg := firmware.NewPackage(
		mustImage(t, partition.TypeS2ELF, []byte("s2")),
		mustImage(t, partition.TypeSOCELF, []byte("soc")),
	)

	if _, err := u.Update(context.Background(), node, pkg, Options{Priority: &prio}); err != nil {
		t.Fatal(err)
	}
	if node.Table[1].Priority != 40 || node.Table[3].Priority != 40 {
		t.Errorf("priorities = %d, %d, want 40", node.Table[1].Priority, node.Table[3].Priority)
	}

	prio = 1 << 16
	if _, err := u.Update(context.Background(), node, pkg, Options{Priority: &prio}); !errors.Is(err, errors.ErrPriorityOverflow) {
		t.Errorf("expected ErrPriorityOverflow, got %v", err)
	}
}

func TestUpdateIncompatibleController(t *testing.T) {
	u, node := newNode(t, nodeTable())
	node.Controller = "v1.1.0"
	pkg := firmware.NewPackage(mustImage(t, partition.TypeS2ELF, []byte("s2")))
	pkg.RequiredControllerVersion = "v1.2.0"

	_, err := u.Update(context.Background(), node, pkg, Options{})
	if !errors.Is(err, errors.ErrIncompatiblePackage) {
		t.Fatalf("expected ErrIncompatiblePackage, got %v", err)
	}
	if diff := cmp.Diff([]string{"ControllerVersion"}, node.CallNames()); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestUpdateImageTooLarge(t *testing.T) {
	u, node := newNode(t, nodeTable())
	pkg := firmware.NewPackage(mustImage(t, partition.TypeS2ELF, make([]byte, 0x10000)))

	_, err := u.Update(context.Background(), node, pkg, Options{})
	if !errors.Is(err, errors.ErrImageSize) {
		t.Fatalf("expected ErrImageSize, got %v", err)
	}
	if len(writes(node)) != 0 {
		t.Error("oversized image reached the node")
	}
}

func TestUpdateSingleEnvironmentPartition(t *testing.T) {
	table := nodeTable()[:5]
	u, node := newNode(t, table)
	pkg := firmware.NewPackage(mustImage(t, partition.TypeUbootEnv, env(t, map[string]string{"a": "b"})))

	if _, err := u.Update(context.Background(), node, pkg, Options{}); err != nil {
		t.Fatal(err)
	}
	if n := len(writes(node)); n != 1 {
		t.Errorf("got %d writes, want 1", n)
	}
	if diff := cmp.Diff(map[string]string{"a": "b", ubootenv.BootCommandVar: "run bootcmd_sata"}, storedEnv(t, node, 4)); diff != "" {
		t.Errorf("env (-want +got):\n%s", diff)
	}
}

func TestUpdateContainerizedEnvironment(t *testing.T) {
	u, node := newNode(t, nodeTable())
	packaged := simg.Encode(env(t, map[string]string{ubootenv.BootCommandVar: "run bootcmd_pxe", "a": "b"}),
		simg.Options{Priority: 7, Version: "env-1", ComputeCRC: true})
	pkg := firmware.NewPackage(mustImage(t, partition.TypeUbootEnv, packaged))

	report, err := u.Update(context.Background(), node, pkg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Priority != 3 {
		t.Fatalf("run priority = %d, want 3", report.Priority)
	}

	for _, idx := range []int{4, 5} {
		hdr, _, err := simg.Decode(node.Contents[idx])
		if err != nil {
			t.Fatalf("partition %d: %v", idx, err)
		}
		if hdr.Priority != 3 || hdr.Version != "env-1" {
			t.Errorf("partition %d header: priority=%d version=%q, want 3 and env-1", idx, hdr.Priority, hdr.Version)
		}
		if got := node.Table[idx].Priority; got != 3 {
			t.Errorf("partition %d priority = %d, want 3", idx, got)
		}
	}
	if diff := cmp.Diff(map[string]string{ubootenv.BootCommandVar: "run bootcmd_sata", "a": "b"}, storedEnv(t, node, 4)); diff != "" {
		t.Errorf("active env (-want +got):\n%s", diff)
	}
}

func TestUpdateEnvironmentWithoutBootCommand(t *testing.T) {
	u, node := newNode(t, nodeTable())
	node.Contents[4] = simg.Encode(env(t, map[string]string{"x": "y"}), simg.Options{ComputeCRC: true})
	newEnv := env(t, map[string]string{"a": "b"})
	pkg := firmware.NewPackage(mustImage(t, partition.TypeUbootEnv, newEnv))

	if _, err := u.Update(context.Background(), node, pkg, Options{}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"a": "b"}, storedEnv(t, node, 4)); diff != "" {
		t.Errorf("active env (-want +got):\n%s", diff)
	}
}

// frozenTable reports the original table forever, as a node that ignored
// the writes would.
type frozenTable struct {
	*fake.Node
	table partition.Table
}

func (f *frozenTable) PartitionTable(context.Context) (partition.Table, error) {
	return f.table, nil
}

func TestUpdateVerification(t *testing.T) {
	u, node := newNode(t, nodeTable())
	frozen := &frozenTable{Node: node, table: nodeTable()}
	pkg := firmware.NewPackage(mustImage(t, partition.TypeS2ELF, []byte("s2")))

	_, err := u.Update(context.Background(), frozen, pkg, Options{})
	if !errors.Is(err, errors.ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
	if _, err := u.Update(context.Background(), frozen, pkg, Options{SkipVerify: true}); err != nil {
		t.Errorf("unexpected error with verification off: %v", err)
	}
}

func TestBootOrder(t *testing.T) {
	u, node := newNode(t, nodeTable())
	ctx := context.Background()

	order, err := u.BootOrder(ctx, node)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"disk"}, order); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if err := u.SetBootOrder(ctx, node, []string{"pxe", "disk0", "retry"}); err != nil {
		t.Fatal(err)
	}
	if node.Table[4].Priority != 2 {
		t.Errorf("priority = %d, want the higher of FIRST and ACTIVE (2)", node.Table[4].Priority)
	}
	vars := storedEnv(t, node, 4)
	if vars["oldvar"] != "stale" {
		t.Error("setting the boot order should keep other variables")
	}

	order, err = u.BootOrder(ctx, node)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"pxe", "disk0", "retry"}, order); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if err := u.SetBootOrder(ctx, node, []string{"retry", "reset"}); !errors.Is(err, errors.ErrInvalidBootOrder) {
		t.Errorf("expected ErrInvalidBootOrder, got %v", err)
	}
}
