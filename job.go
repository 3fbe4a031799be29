package cloneagent

import (
	"time"

	"github.com/google/uuid"
)

// Slot is a fixed physical role in the device topology. Which attached disk
// belongs to which slot is decided by device-path convention only.
type Slot int

const (
	SlotSource Slot = iota
	SlotDestination
)

func (s Slot) String() string {
	switch s {
	case SlotSource:
		return "source"
	case SlotDestination:
		return "destination"
	default:
		return "unknown"
	}
}

// ErrorKind classifies every failure the agent can report. The LED pattern is
// the only surface a field operator sees, so these stay coarse.
type ErrorKind string

const (
	ErrNone                     ErrorKind = ""
	ErrDeviceTimeout            ErrorKind = "device_timeout"
	ErrInsufficientSpace        ErrorKind = "insufficient_space"
	ErrUnreadablePartitionTable ErrorKind = "unreadable_partition_table"
	ErrUnsupportedFilesystem    ErrorKind = "unsupported_filesystem"
	ErrExistingData             ErrorKind = "existing_data"
	ErrReadError                ErrorKind = "read_error"
	ErrWriteError               ErrorKind = "write_error"
	ErrStalled                  ErrorKind = "stalled"
	ErrDeviceRemoved            ErrorKind = "device_removed"
)

// DeviceHandle identifies one physical storage device instance. It is valid
// only within the Generation it was captured in; the watcher bumps the
// generation every time the slot's device is removed and reinserted, even
// when the OS reuses the same node.
type DeviceHandle struct {
	Slot       Slot
	Path       string
	Link       string
	Model      string
	Serial     string
	SizeBytes  uint64
	UsedBytes  uint64
	FreeBytes  uint64
	Filesystem string
	Partitions int
	Generation uint64
}

// SameDevice reports whether the other handle refers to the same physical
// device, ignoring generation.
func (h DeviceHandle) SameDevice(other DeviceHandle) bool {
	return h.Path == other.Path && h.Serial == other.Serial
}

// SlotState is the presence classification of a slot.
type SlotState int

const (
	SlotAbsent SlotState = iota
	SlotPresent
	SlotUnusable
)

func (s SlotState) String() string {
	switch s {
	case SlotPresent:
		return "present"
	case SlotUnusable:
		return "unusable"
	default:
		return "absent"
	}
}

// SlotStatus is the per-poll result for one slot. Handle is meaningful only
// when State is SlotPresent; Reason only when SlotUnusable.
type SlotStatus struct {
	State  SlotState
	Handle DeviceHandle
	Reason ErrorKind
}

// CloneMode selects how the destination is written. The mode is fixed
// configuration, never auto-detected, to avoid destructive ambiguity.
type CloneMode string

const (
	// ModePartitionClone reproduces the source partition table on the
	// destination and copies each filesystem; anything on the destination is
	// replaced, so the watcher requires it to be blank.
	ModePartitionClone CloneMode = "partition-clone"
	// ModeContentCopy copies files into the destination's existing
	// filesystem without touching its partition scheme.
	ModeContentCopy CloneMode = "content-copy"
)

// CloneJob is the immutable snapshot the orchestrator commits to when the
// button fires. Exactly one job may exist at a time.
type CloneJob struct {
	ID          string
	Source      DeviceHandle
	Destination DeviceHandle
	Mode        CloneMode
	StartAt     time.Time
}

// NewCloneJob snapshots the given pair into a job.
func NewCloneJob(src, dst DeviceHandle, mode CloneMode) CloneJob {
	return CloneJob{
		ID:          uuid.NewString(),
		Source:      src,
		Destination: dst,
		Mode:        mode,
		StartAt:     time.Now(),
	}
}

// OutcomeKind is the terminal classification of a CloneJob.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailed
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	default:
		return "aborted"
	}
}

// Outcome summarizes a finished CloneJob. Produced exactly once per job.
type Outcome struct {
	Kind        OutcomeKind
	BytesCopied uint64
	BytesTotal  uint64
	Duration    time.Duration
	Err         ErrorKind
	Reason      string
}

// State is the orchestrator's long-lived machine state.
type State int

const (
	StateIdle State = iota
	StateReadyToClone
	StateCloning
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadyToClone:
		return "ready"
	case StateCloning:
		return "cloning"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
