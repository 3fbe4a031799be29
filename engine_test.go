package cloneagent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/sdcc/cloneagent/internal/blockdev"
)

type scriptedRunner struct {
	commands []string
	failOn   string
	failErr  error
	lines    map[string][]string
	block    string
}

func (r *scriptedRunner) Run(ctx context.Context, cmdline string) error {
	r.commands = append(r.commands, cmdline)
	if r.failOn != "" && strings.Contains(cmdline, r.failOn) {
		return r.failErr
	}
	return nil
}

func (r *scriptedRunner) Stream(ctx context.Context, cmdline string, onLine func(string)) error {
	r.commands = append(r.commands, cmdline)
	if r.block != "" && strings.Contains(cmdline, r.block) {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.failOn != "" && strings.Contains(cmdline, r.failOn) {
		return r.failErr
	}
	for key, lines := range r.lines {
		if strings.Contains(cmdline, key) {
			for _, line := range lines {
				onLine(line)
			}
		}
	}
	return nil
}

type engineProber struct {
	devices map[string]*blockdev.Device
	err     error
}

func (p *engineProber) Probe(ctx context.Context, linkPattern string) (*blockdev.Device, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.devices[linkPattern], nil
}

func engineConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Mode:         ModePartitionClone,
		StallTimeout: 2 * time.Minute,
		MountRoot:    t.TempDir(),
	}
}

func cardDevice() *blockdev.Device {
	return &blockdev.Device{
		Path: "/dev/sda",
		Partitions: []blockdev.Partition{
			{Path: "/dev/sda1", Index: 1, SizeBytes: 256 << 20, Filesystem: "vfat", UsedBytes: 64 << 20},
			{Path: "/dev/sda2", Index: 2, SizeBytes: 7 << 30, Filesystem: "ext4", UsedBytes: 2 << 30},
		},
	}
}

func partitionJob() CloneJob {
	return NewCloneJob(
		DeviceHandle{Slot: SlotSource, Path: "/dev/sda", Link: "src", Serial: "CARD01", SizeBytes: 8 << 30},
		DeviceHandle{Slot: SlotDestination, Path: "/dev/sdb", Link: "dst", Serial: "SSD01", SizeBytes: 32 << 30},
		ModePartitionClone,
	)
}

func testEngine(t *testing.T, runner *scriptedRunner, prober *engineProber, guard HandleGuard) *CloneEngine {
	t.Helper()
	e := NewCloneEngine(engineConfig(t), runner, prober, guard)
	e.flush = func() {}
	e.usage = func(string) (uint64, uint64, error) {
		t.Fatal("usage should not be consulted")
		return 0, 0, nil
	}
	return e
}

func allCurrent(DeviceHandle) bool { return true }

func TestCloneEnginePartitionCloneSuccess(t *testing.T) {
	src := cardDevice()
	dst := &blockdev.Device{Path: "/dev/sdb", Partitions: src.Partitions}
	runner := &scriptedRunner{
		lines: map[string][]string{
			"rsync": {"  1,048,576  40%  12.3MB/s  0:00:01"},
		},
	}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := testEngine(t, runner, prober, allCurrent)

	var lastDone uint64
	out := e.Clone(context.Background(), partitionJob(), func(done, total uint64) {
		lastDone = done
	})
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %v (%v), want success", out.Kind, out.Err)
	}
	want := []string{
		"sfdisk -d /dev/sda | sfdisk /dev/sdb",
		"partprobe /dev/sdb",
		"mkfs.vfat -F 32 /dev/sdb1",
	}
	for i, cmd := range want {
		if i >= len(runner.commands) || runner.commands[i] != cmd {
			t.Fatalf("command[%d] = %q, want %q", i, runner.commands[i], cmd)
		}
	}
	var sawExt4Mkfs, sawRsync bool
	for _, cmd := range runner.commands {
		if cmd == "mkfs.ext4 -F /dev/sdb2" {
			sawExt4Mkfs = true
		}
		if strings.HasPrefix(cmd, "rsync ") {
			sawRsync = true
		}
	}
	if !sawExt4Mkfs || !sawRsync {
		t.Fatalf("expected mkfs.ext4 and rsync in %q", runner.commands)
	}
	if lastDone == 0 {
		t.Fatal("progress callback never reported bytes")
	}
	if out.BytesCopied == 0 {
		t.Fatal("outcome carries no copied bytes")
	}
}

func TestCloneEngineRawCopyFallback(t *testing.T) {
	src := &blockdev.Device{
		Path: "/dev/sda",
		Partitions: []blockdev.Partition{
			{Path: "/dev/sda1", Index: 1, SizeBytes: 1 << 30, Filesystem: "btrfs"},
		},
	}
	dst := &blockdev.Device{Path: "/dev/sdb", Partitions: src.Partitions}
	runner := &scriptedRunner{}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := testEngine(t, runner, prober, allCurrent)

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %v (%v), want success", out.Kind, out.Err)
	}
	var sawDD bool
	for _, cmd := range runner.commands {
		if strings.Contains(cmd, "dd if=/dev/sda1 of=/dev/sdb1") {
			sawDD = true
		}
		if strings.Contains(cmd, "mkfs") {
			t.Fatalf("unexpected mkfs for unmountable filesystem: %q", cmd)
		}
	}
	if !sawDD {
		t.Fatalf("expected raw dd copy in %q", runner.commands)
	}
}

func TestCloneEngineDestinationTooSmall(t *testing.T) {
	runner := &scriptedRunner{}
	prober := &engineProber{}
	e := testEngine(t, runner, prober, allCurrent)

	job := partitionJob()
	job.Destination.SizeBytes = 4 << 30
	out := e.Clone(context.Background(), job, nil)
	if out.Kind != OutcomeFailed || out.Err != ErrInsufficientSpace {
		t.Fatalf("outcome = %v/%v, want failed/insufficient_space", out.Kind, out.Err)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("no commands should run, got %q", runner.commands)
	}
}

func TestCloneEngineSourceProbeFailure(t *testing.T) {
	runner := &scriptedRunner{}
	prober := &engineProber{err: errors.New("lsblk: /dev/sda: not a block device")}
	e := testEngine(t, runner, prober, allCurrent)

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeFailed || out.Err != ErrReadError {
		t.Fatalf("outcome = %v/%v, want failed/read_error", out.Kind, out.Err)
	}
}

func TestCloneEngineStaleHandleAborts(t *testing.T) {
	src := cardDevice()
	runner := &scriptedRunner{}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src}}

	// Destination yanked after enumeration, before the first write.
	e := testEngine(t, runner, prober, func(h DeviceHandle) bool {
		return h.Slot != SlotDestination
	})

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeAborted {
		t.Fatalf("outcome = %v, want aborted", out.Kind)
	}
	if out.Err != ErrDeviceRemoved {
		t.Fatalf("outcome err = %v, want device_removed", out.Err)
	}
	for _, cmd := range runner.commands {
		if strings.Contains(cmd, "sfdisk") || strings.Contains(cmd, "mkfs") || strings.Contains(cmd, "dd ") {
			t.Fatalf("destructive command ran against stale handle: %q", cmd)
		}
	}
}

func TestCloneEngineWriteFailure(t *testing.T) {
	src := cardDevice()
	runner := &scriptedRunner{failOn: "sfdisk", failErr: errors.New("sfdisk: cannot open /dev/sdb")}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src}}
	e := testEngine(t, runner, prober, allCurrent)

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeFailed || out.Err != ErrWriteError {
		t.Fatalf("outcome = %v/%v, want failed/write_error", out.Kind, out.Err)
	}
}

// shellExitError produces a real *exec.ExitError carrying the given code,
// wrapped the way ShellRunner wraps command failures.
func shellExitError(t *testing.T, code int) error {
	t.Helper()
	err := exec.Command("sh", "-c", fmt.Sprintf("exit %d", code)).Run()
	if err == nil {
		t.Fatalf("exit %d produced no error", code)
	}
	return errors.Wrapf(err, "command failed")
}

func TestCloneEngineRsyncMetadataWarningsSucceed(t *testing.T) {
	src := cardDevice()
	dst := &blockdev.Device{Path: "/dev/sdb", Partitions: src.Partitions}
	runner := &scriptedRunner{failOn: "rsync", failErr: shellExitError(t, 23)}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := testEngine(t, runner, prober, allCurrent)

	// Permission/xattr application fails on the FAT partition; the data
	// itself copied fully, so the job must still succeed.
	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %v (%v), want success", out.Kind, out.Err)
	}
}

func TestCloneEngineRsyncVanishedFilesSucceed(t *testing.T) {
	src := cardDevice()
	dst := &blockdev.Device{Path: "/dev/sdb", Partitions: src.Partitions}
	runner := &scriptedRunner{failOn: "rsync", failErr: shellExitError(t, 24)}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := testEngine(t, runner, prober, allCurrent)

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %v (%v), want success", out.Kind, out.Err)
	}
}

func TestCloneEngineRsyncHardExitStillFails(t *testing.T) {
	src := cardDevice()
	dst := &blockdev.Device{Path: "/dev/sdb", Partitions: src.Partitions}
	runner := &scriptedRunner{failOn: "rsync", failErr: shellExitError(t, 11)}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := testEngine(t, runner, prober, allCurrent)

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeFailed || out.Err != ErrWriteError {
		t.Fatalf("outcome = %v/%v, want failed/write_error", out.Kind, out.Err)
	}
}

func TestCloneEngineStallKillsTransfer(t *testing.T) {
	src := cardDevice()
	dst := &blockdev.Device{Path: "/dev/sdb", Partitions: src.Partitions}
	runner := &scriptedRunner{block: "rsync"}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := testEngine(t, runner, prober, allCurrent)
	e.cfg.StallTimeout = 50 * time.Millisecond

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeFailed || out.Err != ErrStalled {
		t.Fatalf("outcome = %v/%v, want failed/stalled", out.Kind, out.Err)
	}
}

func TestCloneEngineVerifyPartitionCount(t *testing.T) {
	src := cardDevice()
	// Destination re-probe comes back with only one partition.
	dst := &blockdev.Device{Path: "/dev/sdb", Partitions: src.Partitions[:1]}
	runner := &scriptedRunner{}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := testEngine(t, runner, prober, allCurrent)

	out := e.Clone(context.Background(), partitionJob(), nil)
	if out.Kind != OutcomeFailed || out.Err != ErrWriteError {
		t.Fatalf("outcome = %v/%v, want failed/write_error", out.Kind, out.Err)
	}
}

func TestCloneEngineContentCopy(t *testing.T) {
	src := &blockdev.Device{
		Path: "/dev/sda",
		Partitions: []blockdev.Partition{
			{Path: "/dev/sda1", Index: 1, SizeBytes: 8 << 30, Filesystem: "vfat"},
		},
	}
	dst := &blockdev.Device{
		Path: "/dev/sdb",
		Partitions: []blockdev.Partition{
			{Path: "/dev/sdb1", Index: 1, SizeBytes: 32 << 30, Filesystem: "ext4"},
		},
	}
	runner := &scriptedRunner{}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := NewCloneEngine(engineConfig(t), runner, prober, allCurrent)
	e.flush = func() {}
	e.usage = func(mountpoint string) (uint64, uint64, error) {
		if strings.Contains(mountpoint, "src") {
			return 2 << 30, 6 << 30, nil
		}
		return 1 << 30, 20 << 30, nil
	}

	job := partitionJob()
	job.Mode = ModeContentCopy
	out := e.Clone(context.Background(), job, nil)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %v (%v), want success", out.Kind, out.Err)
	}
	var sawSync bool
	for _, cmd := range runner.commands {
		if strings.Contains(cmd, "sfdisk") || strings.Contains(cmd, "mkfs") {
			t.Fatalf("content copy must not touch partitions: %q", cmd)
		}
		if strings.HasPrefix(cmd, "rsync ") && strings.Contains(cmd, "CARD01") {
			sawSync = true
		}
	}
	if !sawSync {
		t.Fatalf("expected rsync into per-card directory, got %q", runner.commands)
	}
}

func TestCloneEngineContentCopyInsufficientFreeSpace(t *testing.T) {
	src := &blockdev.Device{
		Path:       "/dev/sda",
		Partitions: []blockdev.Partition{{Path: "/dev/sda1", Index: 1, Filesystem: "vfat"}},
	}
	dst := &blockdev.Device{
		Path:       "/dev/sdb",
		Partitions: []blockdev.Partition{{Path: "/dev/sdb1", Index: 1, Filesystem: "ext4"}},
	}
	runner := &scriptedRunner{}
	prober := &engineProber{devices: map[string]*blockdev.Device{"src": src, "dst": dst}}
	e := NewCloneEngine(engineConfig(t), runner, prober, allCurrent)
	e.flush = func() {}
	e.usage = func(mountpoint string) (uint64, uint64, error) {
		if strings.Contains(mountpoint, "src") {
			return 2 << 30, 0, nil
		}
		return 0, 1 << 30, nil
	}

	job := partitionJob()
	job.Mode = ModeContentCopy
	out := e.Clone(context.Background(), job, nil)
	if out.Kind != OutcomeFailed || out.Err != ErrInsufficientSpace {
		t.Fatalf("outcome = %v/%v, want failed/insufficient_space", out.Kind, out.Err)
	}
}
