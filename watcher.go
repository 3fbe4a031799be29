package cloneagent

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/sdcc/cloneagent/internal/blockdev"
)

// SlotProber resolves a slot's symlink pattern to the attached device, or
// nil when the slot is empty. Implemented by blockdev.Prober; tests inject
// fakes.
type SlotProber interface {
	Probe(ctx context.Context, linkPattern string) (*blockdev.Device, error)
}

// SlotWatcher polls the two physical slots and classifies each as Absent,
// Present or Unusable. It owns the instance-generation counters: a new
// generation is assigned every time a slot goes from empty to occupied or
// the occupying device's identity changes, so a handle captured before a
// reinsertion can never be mistaken for the fresh device.
type SlotWatcher struct {
	prober     SlotProber
	mode       CloneMode
	sourceSlot string
	destSlot   string
	timeout    time.Duration

	mu      sync.Mutex
	records [2]slotRecord
}

type slotRecord struct {
	present bool
	handle  DeviceHandle
	lastGen uint64
}

// NewSlotWatcher builds a watcher for the two slot patterns.
func NewSlotWatcher(prober SlotProber, cfg Config) *SlotWatcher {
	return &SlotWatcher{
		prober:     prober,
		mode:       cfg.Mode,
		sourceSlot: cfg.SourceSlot,
		destSlot:   cfg.DestSlot,
		timeout:    cfg.ProbeTimeout,
	}
}

// Poll probes both slots and validates the pairing. It never blocks longer
// than twice the probe timeout; a hung enumeration reports
// Unusable(device_timeout) instead of stalling the control loop.
func (w *SlotWatcher) Poll(ctx context.Context) (src, dst SlotStatus) {
	src = w.pollSlot(ctx, SlotSource, w.sourceSlot)
	dst = w.pollSlot(ctx, SlotDestination, w.destSlot)
	return w.validatePair(src, dst)
}

func (w *SlotWatcher) pollSlot(ctx context.Context, slot Slot, pattern string) SlotStatus {
	probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	dev, err := w.prober.Probe(probeCtx, pattern)

	w.mu.Lock()
	defer w.mu.Unlock()
	rec := &w.records[slot]

	if err != nil {
		reason := ErrUnreadablePartitionTable
		if pkgerrors.Is(err, context.DeadlineExceeded) || probeCtx.Err() != nil {
			reason = ErrDeviceTimeout
		}
		log.Warn().Err(err).Stringer("slot", slot).Str("reason", string(reason)).Msg("slot probe failed")
		// Keep the record: a transient probe error is not a removal.
		return SlotStatus{State: SlotUnusable, Reason: reason}
	}

	if dev == nil {
		if rec.present {
			log.Info().Stringer("slot", slot).Str("device", rec.handle.Path).Msg("device removed")
		}
		rec.present = false
		return SlotStatus{State: SlotAbsent}
	}

	handle := handleFromDevice(slot, dev)
	if !rec.present || !rec.handle.SameDevice(handle) {
		rec.lastGen++
		log.Info().
			Stringer("slot", slot).
			Str("device", handle.Path).
			Str("model", handle.Model).
			Uint64("size_bytes", handle.SizeBytes).
			Uint64("generation", rec.lastGen).
			Msg("device attached")
	}
	handle.Generation = rec.lastGen
	rec.present = true
	rec.handle = handle
	return SlotStatus{State: SlotPresent, Handle: handle}
}

// IsCurrent reports whether the handle still names the device occupying its
// slot in the generation it was captured in. The clone engine calls this
// before every destructive step.
func (w *SlotWatcher) IsCurrent(h DeviceHandle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := &w.records[h.Slot]
	return rec.present && rec.handle.Generation == h.Generation
}

// validatePair downgrades Present slots to Unusable when the pairing cannot
// be cloned. Validation is only meaningful once both devices are attached.
func (w *SlotWatcher) validatePair(src, dst SlotStatus) (SlotStatus, SlotStatus) {
	if src.State != SlotPresent || dst.State != SlotPresent {
		return src, dst
	}
	s, d := src.Handle, dst.Handle

	if d.SizeBytes < s.SizeBytes {
		return src, unusable(ErrInsufficientSpace)
	}

	switch w.mode {
	case ModeContentCopy:
		if !mountableFilesystem(s.Filesystem) {
			return unusable(ErrUnsupportedFilesystem), dst
		}
		if !mountableFilesystem(d.Filesystem) {
			return src, unusable(ErrUnsupportedFilesystem)
		}
		if s.UsedBytes > 0 && d.FreeBytes > 0 && d.FreeBytes < s.UsedBytes {
			return src, unusable(ErrInsufficientSpace)
		}
	default: // ModePartitionClone
		if s.Partitions == 0 {
			return unusable(ErrUnreadablePartitionTable), dst
		}
		// The table clone would silently destroy whatever is on the
		// destination, so anything with a filesystem signature is rejected
		// until the operator wipes it deliberately.
		if d.Filesystem != "" {
			return src, unusable(ErrExistingData)
		}
	}
	return src, dst
}

func unusable(reason ErrorKind) SlotStatus {
	return SlotStatus{State: SlotUnusable, Reason: reason}
}

func handleFromDevice(slot Slot, dev *blockdev.Device) DeviceHandle {
	return DeviceHandle{
		Slot:       slot,
		Path:       dev.Path,
		Link:       dev.Link,
		Model:      dev.Model,
		Serial:     dev.Serial,
		SizeBytes:  dev.SizeBytes,
		UsedBytes:  dev.UsedBytes(),
		FreeBytes:  dev.FreeBytes(),
		Filesystem: dev.Filesystem(),
		Partitions: len(dev.Partitions),
	}
}

// mountableFilesystem lists what the content-copy path can mount. Raw
// fallback does not exist in that mode, so anything else is unusable.
func mountableFilesystem(fs string) bool {
	switch fs {
	case "vfat", "fat", "fat32", "exfat", "ntfs", "ext2", "ext3", "ext4":
		return true
	default:
		return false
	}
}
