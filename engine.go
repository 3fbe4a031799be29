package cloneagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/sdcc/cloneagent/internal/blockdev"
)

// ProgressFunc receives copy progress. bytesTotal is a best-effort estimate;
// bytesDone is monotonic within a job.
type ProgressFunc func(bytesDone, bytesTotal uint64)

// Engine performs the data transfer for one committed CloneJob.
type Engine interface {
	Clone(ctx context.Context, job CloneJob, onProgress ProgressFunc) Outcome
}

// HandleGuard reports whether a device handle is still current. The engine
// consults it before every destructive step so a reinserted device can never
// be written to under a stale handle.
type HandleGuard func(DeviceHandle) bool

// errStale aborts the job when a handle fails the guard mid-copy.
var errStale = errors.New("device handle is stale")

// CloneEngine is the production Engine: it shells out to sfdisk, mkfs,
// rsync and dd following the configured mode.
type CloneEngine struct {
	cfg    Config
	runner Runner
	prober SlotProber
	guard  HandleGuard

	usage func(mountpoint string) (used, free uint64, err error)
	flush func()
}

// NewCloneEngine wires the engine to the local system tools.
func NewCloneEngine(cfg Config, runner Runner, prober SlotProber, guard HandleGuard) *CloneEngine {
	return &CloneEngine{
		cfg:    cfg,
		runner: runner,
		prober: prober,
		guard:  guard,
		usage:  blockdev.FilesystemUsage,
		flush:  blockdev.SyncDisks,
	}
}

// cloneRun tracks mutable per-job state shared with the stall watchdog.
type cloneRun struct {
	job        CloneJob
	onProgress ProgressFunc

	mu           sync.Mutex
	bytesDone    uint64
	bytesBase    uint64
	bytesTotal   uint64
	lastProgress time.Time
	stalled      bool
}

func (r *cloneRun) report(partBytes uint64) {
	r.mu.Lock()
	if r.bytesBase+partBytes > r.bytesDone {
		r.bytesDone = r.bytesBase + partBytes
	}
	r.lastProgress = time.Now()
	done, total := r.bytesDone, r.bytesTotal
	r.mu.Unlock()
	if r.onProgress != nil {
		r.onProgress(done, total)
	}
}

// advance marks the current partition finished and moves the progress base.
func (r *cloneRun) advance(partTotal uint64) {
	r.mu.Lock()
	r.bytesBase += partTotal
	if r.bytesBase > r.bytesDone {
		r.bytesDone = r.bytesBase
	}
	r.lastProgress = time.Now()
	r.mu.Unlock()
}

func (r *cloneRun) touch() {
	r.mu.Lock()
	r.lastProgress = time.Now()
	r.mu.Unlock()
}

func (r *cloneRun) markStalled() {
	r.mu.Lock()
	r.stalled = true
	r.mu.Unlock()
}

func (r *cloneRun) sinceProgress() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastProgress)
}

func (r *cloneRun) snapshot() (done, total uint64, stalled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesDone, r.bytesTotal, r.stalled
}

// Clone runs the transfer and always returns a terminal Outcome; it never
// panics the process over a hardware fault.
func (e *CloneEngine) Clone(ctx context.Context, job CloneJob, onProgress ProgressFunc) Outcome {
	started := time.Now()
	run := &cloneRun{job: job, onProgress: onProgress, lastProgress: started}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stall watchdog: no forward progress for the configured window kills
	// the transfer. A wedged USB bridge otherwise hangs in kernel I/O
	// forever with the yellow LED lying to the operator.
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if run.sinceProgress() > e.cfg.StallTimeout {
					run.markStalled()
					cancel()
					return
				}
			}
		}
	}()

	var kind ErrorKind
	var err error
	switch job.Mode {
	case ModeContentCopy:
		kind, err = e.copyContent(ctx, run)
	default:
		kind, err = e.clonePartitions(ctx, run)
	}
	cancel()
	<-watchdogDone

	done, total, stalled := run.snapshot()
	duration := time.Since(started)

	if err == nil {
		e.flush()
		log.Info().
			Str("job_id", job.ID).
			Uint64("bytes", done).
			Dur("duration", duration).
			Msg("clone finished")
		return Outcome{Kind: OutcomeSuccess, BytesCopied: done, BytesTotal: total, Duration: duration}
	}

	switch {
	case stalled:
		kind = ErrStalled
	case errors.Is(err, errStale),
		!e.guard(job.Source),
		!e.guard(job.Destination):
		log.Warn().Str("job_id", job.ID).Err(err).Msg("clone aborted: device removed")
		return Outcome{
			Kind:        OutcomeAborted,
			BytesCopied: done,
			BytesTotal:  total,
			Duration:    duration,
			Err:         ErrDeviceRemoved,
			Reason:      "device removed",
		}
	case parent.Err() != nil:
		// Shutdown mid-copy: not the hardware's fault.
		return Outcome{Kind: OutcomeAborted, Duration: duration, Reason: "agent stopped"}
	}
	if kind == ErrNone {
		kind = ErrWriteError
	}
	log.Error().Str("job_id", job.ID).Str("kind", string(kind)).Err(err).Msg("clone failed")
	return Outcome{
		Kind:        OutcomeFailed,
		BytesCopied: done,
		BytesTotal:  total,
		Duration:    duration,
		Err:         kind,
	}
}

func (e *CloneEngine) checkCurrent(job CloneJob) error {
	if !e.guard(job.Source) || !e.guard(job.Destination) {
		return errStale
	}
	return nil
}

// clonePartitions duplicates the partition table and then copies each
// partition, filesystem-aware where possible, raw otherwise.
func (e *CloneEngine) clonePartitions(ctx context.Context, run *cloneRun) (ErrorKind, error) {
	job := run.job
	if job.Destination.SizeBytes < job.Source.SizeBytes {
		return ErrInsufficientSpace, errors.Errorf(
			"destination %d bytes < source %d bytes", job.Destination.SizeBytes, job.Source.SizeBytes)
	}

	src, err := e.prober.Probe(ctx, job.Source.Link)
	if err != nil || src == nil {
		return ErrReadError, errors.Wrap(err, "enumerate source partitions")
	}
	run.mu.Lock()
	run.bytesTotal = partitionsTotal(src.Partitions)
	run.mu.Unlock()

	if err := e.checkCurrent(job); err != nil {
		return ErrNone, err
	}
	tableCmd, err := BuildPartitionTableCloneCommand(job.Source.Path, job.Destination.Path)
	if err != nil {
		return ErrWriteError, err
	}
	if err := e.runner.Run(ctx, tableCmd); err != nil {
		return ErrWriteError, err
	}
	if err := e.runner.Run(ctx, BuildPartprobeCommand(job.Destination.Path)); err != nil {
		return ErrWriteError, err
	}
	run.touch()

	for _, part := range src.Partitions {
		if err := e.checkCurrent(job); err != nil {
			return ErrNone, err
		}
		dstPart := blockdev.PartitionDevice(job.Destination.Path, part.Index)
		if mountableFilesystem(part.Filesystem) {
			if kind, err := e.syncPartition(ctx, run, part, dstPart); err != nil {
				return kind, err
			}
		} else {
			if kind, err := e.rawCopyPartition(ctx, run, part, dstPart); err != nil {
				return kind, err
			}
		}
		run.advance(partitionShare(part))
	}

	if err := e.checkCurrent(job); err != nil {
		return ErrNone, err
	}
	return e.verifyDestination(ctx, job, len(src.Partitions))
}

// syncPartition formats the destination partition and copies files with
// rsync, preserving metadata as far as the target filesystem allows.
func (e *CloneEngine) syncPartition(ctx context.Context, run *cloneRun, part blockdev.Partition, dstPart string) (ErrorKind, error) {
	job := run.job
	mkfsCmd, err := BuildMkfsCommand(part.Filesystem, dstPart)
	if err != nil {
		return ErrUnsupportedFilesystem, err
	}
	if err := e.runner.Run(ctx, mkfsCmd); err != nil {
		return ErrWriteError, err
	}
	run.touch()

	srcMount := e.mountDir(job, fmt.Sprintf("src-%d", part.Index))
	dstMount := e.mountDir(job, fmt.Sprintf("dst-%d", part.Index))
	if err := os.MkdirAll(srcMount, 0o755); err != nil {
		return ErrWriteError, errors.Wrap(err, "create source mountpoint")
	}
	if err := os.MkdirAll(dstMount, 0o755); err != nil {
		return ErrWriteError, errors.Wrap(err, "create destination mountpoint")
	}

	if err := e.runner.Run(ctx, BuildMountCommand(part.Path, srcMount, true)); err != nil {
		return ErrReadError, err
	}
	defer e.unmount(srcMount)
	if err := e.runner.Run(ctx, BuildMountCommand(dstPart, dstMount, false)); err != nil {
		return ErrWriteError, err
	}
	defer e.unmount(dstMount)

	return e.runSync(ctx, run, srcMount, dstMount)
}

func (e *CloneEngine) runSync(ctx context.Context, run *cloneRun, srcMount, dstDir string) (ErrorKind, error) {
	syncCmd, err := BuildSyncCommand(srcMount, dstDir)
	if err != nil {
		return ErrWriteError, err
	}
	var tail string
	err = e.runner.Stream(ctx, syncCmd, func(line string) {
		tail = line
		if n, ok := ParseRsyncProgress(line); ok {
			run.report(n)
		}
	})
	if err != nil {
		// rsync exit 23/24: every byte transferred, but some metadata
		// (permissions, ACLs, xattrs) could not be applied or a source file
		// vanished mid-scan. A FAT destination cannot hold POSIX metadata,
		// so the copy itself is complete.
		if code, ok := exitCode(err); ok && (code == 23 || code == 24) {
			log.Warn().
				Str("job_id", run.job.ID).
				Int("exit_code", code).
				Str("detail", tail).
				Msg("rsync finished with metadata warnings")
			return ErrNone, nil
		}
		return classifyCopyError(tail), err
	}
	return ErrNone, nil
}

func exitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func (e *CloneEngine) rawCopyPartition(ctx context.Context, run *cloneRun, part blockdev.Partition, dstPart string) (ErrorKind, error) {
	ddCmd, err := BuildRawCopyCommand(part.Path, dstPart)
	if err != nil {
		return ErrWriteError, err
	}
	var tail string
	err = e.runner.Stream(ctx, ddCmd, func(line string) {
		tail = line
		if n, ok := ParseDDProgress(line); ok {
			run.report(n)
		}
	})
	if err != nil {
		return classifyCopyError(tail), err
	}
	return ErrNone, nil
}

// copyContent copies the source card's files into the destination's
// existing filesystem under a per-card directory, leaving the destination
// partition scheme alone.
func (e *CloneEngine) copyContent(ctx context.Context, run *cloneRun) (ErrorKind, error) {
	job := run.job

	src, err := e.prober.Probe(ctx, job.Source.Link)
	if err != nil || src == nil {
		return ErrReadError, errors.Wrap(err, "enumerate source partitions")
	}
	srcPart := firstMountable(src.Partitions)
	if srcPart == nil {
		return ErrUnsupportedFilesystem, errors.New("source has no mountable filesystem")
	}

	dst, err := e.prober.Probe(ctx, job.Destination.Link)
	if err != nil || dst == nil {
		return ErrWriteError, errors.Wrap(err, "enumerate destination partitions")
	}
	dstPart := firstMountable(dst.Partitions)
	if dstPart == nil {
		return ErrUnsupportedFilesystem, errors.New("destination has no mountable filesystem")
	}

	if err := e.checkCurrent(job); err != nil {
		return ErrNone, err
	}

	srcMount := e.mountDir(job, "src")
	dstMount := e.mountDir(job, "dst")
	if err := os.MkdirAll(srcMount, 0o755); err != nil {
		return ErrWriteError, errors.Wrap(err, "create source mountpoint")
	}
	if err := os.MkdirAll(dstMount, 0o755); err != nil {
		return ErrWriteError, errors.Wrap(err, "create destination mountpoint")
	}

	if err := e.runner.Run(ctx, BuildMountCommand(srcPart.Path, srcMount, true)); err != nil {
		return ErrReadError, err
	}
	defer e.unmount(srcMount)
	if err := e.runner.Run(ctx, BuildMountCommand(dstPart.Path, dstMount, false)); err != nil {
		return ErrWriteError, err
	}
	defer e.unmount(dstMount)

	srcUsed, _, err := e.usage(srcMount)
	if err != nil {
		return ErrReadError, err
	}
	_, dstFree, err := e.usage(dstMount)
	if err != nil {
		return ErrWriteError, err
	}
	// Poll-time validation used lsblk estimates; this is the authoritative
	// check with both filesystems mounted.
	if dstFree < srcUsed {
		return ErrInsufficientSpace, errors.Errorf("destination has %d bytes free, source holds %d", dstFree, srcUsed)
	}
	run.mu.Lock()
	run.bytesTotal = srcUsed
	run.mu.Unlock()

	destDir := filepath.Join(dstMount, contentDirName(job))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ErrWriteError, errors.Wrap(err, "create card directory")
	}
	return e.runSync(ctx, run, srcMount, destDir)
}

// verifyDestination re-probes the destination and checks the partition
// layout took hold before Success is reported and the operator unplugs.
func (e *CloneEngine) verifyDestination(ctx context.Context, job CloneJob, wantParts int) (ErrorKind, error) {
	e.flush()
	dst, err := e.prober.Probe(ctx, job.Destination.Link)
	if err != nil || dst == nil {
		return ErrWriteError, errors.Wrap(err, "verify destination")
	}
	if len(dst.Partitions) != wantParts {
		return ErrWriteError, errors.Errorf(
			"destination has %d partitions after clone, want %d", len(dst.Partitions), wantParts)
	}
	return ErrNone, nil
}

func (e *CloneEngine) mountDir(job CloneJob, name string) string {
	return filepath.Join(e.cfg.MountRoot, job.ID, name)
}

func (e *CloneEngine) unmount(mountpoint string) {
	// Unmount failures on teardown are logged, not fatal: the later sync
	// plus verification decide whether the clone is trustworthy.
	if err := e.runner.Run(context.Background(), BuildUmountCommand(mountpoint)); err != nil {
		log.Warn().Err(err).Str("mountpoint", mountpoint).Msg("unmount failed")
	}
}

func firstMountable(parts []blockdev.Partition) *blockdev.Partition {
	for i := range parts {
		if mountableFilesystem(parts[i].Filesystem) {
			return &parts[i]
		}
	}
	return nil
}

func partitionShare(p blockdev.Partition) uint64 {
	if mountableFilesystem(p.Filesystem) && p.UsedBytes > 0 {
		return p.UsedBytes
	}
	return p.SizeBytes
}

func partitionsTotal(parts []blockdev.Partition) uint64 {
	var total uint64
	for _, p := range parts {
		total += partitionShare(p)
	}
	return total
}

// contentDirName derives the per-card directory for content-copy mode from
// the card's stable identity, so re-running the same card resumes into the
// same tree.
func contentDirName(job CloneJob) string {
	serial := strings.TrimSpace(job.Source.Serial)
	if serial == "" {
		serial = "card"
	}
	return serial
}

// classifyCopyError attributes a failed copy to the source or destination
// side based on the tool's last line of output. Source faults matter more:
// a partially read card must surface as read_error, never be skipped.
func classifyCopyError(tail string) ErrorKind {
	lower := strings.ToLower(tail)
	if strings.Contains(lower, "read error") ||
		strings.Contains(lower, "error reading") ||
		strings.Contains(lower, "input/output error") && strings.Contains(lower, "if=") {
		return ErrReadError
	}
	return ErrWriteError
}
