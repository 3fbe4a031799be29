package cloneagent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Command construction is kept separate from execution so the exact lines
// handed to the shell can be unit tested without touching hardware.

// BuildPartitionTableCloneCommand duplicates the source partition scheme
// onto the destination disk.
func BuildPartitionTableCloneCommand(srcDisk, dstDisk string) (string, error) {
	if srcDisk == "" || dstDisk == "" {
		return "", errors.New("partition table clone: source and destination disks are required")
	}
	return fmt.Sprintf("sfdisk -d %s | sfdisk %s", srcDisk, dstDisk), nil
}

// BuildPartprobeCommand re-reads the destination's new partition table.
func BuildPartprobeCommand(dstDisk string) string {
	return "partprobe " + dstDisk
}

// BuildMkfsCommand formats a destination partition with the same filesystem
// family as its source counterpart.
func BuildMkfsCommand(fstype, dstPart string) (string, error) {
	switch fstype {
	case "ext2", "ext3", "ext4":
		return fmt.Sprintf("mkfs.%s -F %s", fstype, dstPart), nil
	case "vfat", "fat", "fat32":
		return "mkfs.vfat -F 32 " + dstPart, nil
	case "exfat":
		return "mkfs.exfat " + dstPart, nil
	case "ntfs":
		return "mkfs.ntfs -F " + dstPart, nil
	default:
		return "", errors.Errorf("mkfs: unsupported filesystem %q", fstype)
	}
}

// BuildMountCommand mounts a partition; readOnly protects the source from
// any writes during the copy.
func BuildMountCommand(part, mountpoint string, readOnly bool) string {
	if readOnly {
		return fmt.Sprintf("mount -o ro %s %s", part, mountpoint)
	}
	return fmt.Sprintf("mount %s %s", part, mountpoint)
}

// BuildUmountCommand unmounts by mountpoint.
func BuildUmountCommand(mountpoint string) string {
	return "umount " + mountpoint
}

// BuildSyncCommand copies one mounted filesystem into another. The archive
// flags preserve timestamps, permissions, ACLs and xattrs where the
// destination filesystem supports them; FAT targets silently drop what they
// cannot store, which is intended. --info=progress2 emits machine-parseable
// whole-transfer byte counts; the skip-by-comparison default lets a retried
// job resume instead of restarting from zero.
func BuildSyncCommand(srcMount, dstDir string) (string, error) {
	if srcMount == "" || dstDir == "" {
		return "", errors.New("sync: source mount and destination dir are required")
	}
	return fmt.Sprintf(
		"rsync -aAXH --delete --info=progress2 --exclude /lost+found %s/ %s/",
		strings.TrimRight(srcMount, "/"),
		strings.TrimRight(dstDir, "/"),
	), nil
}

// BuildRawCopyCommand is the fallback for partitions whose filesystem we
// cannot format and mount: a block-for-block dd with fsync on completion.
func BuildRawCopyCommand(srcPart, dstPart string) (string, error) {
	if srcPart == "" || dstPart == "" {
		return "", errors.New("raw copy: source and destination partitions are required")
	}
	return fmt.Sprintf("dd if=%s of=%s bs=4M conv=fsync status=progress", srcPart, dstPart), nil
}

// ParseRsyncProgress extracts the transferred byte count from an
// --info=progress2 line such as
//
//	1,442,316,288  46%  112.33MB/s    0:00:11
//
// ok is false for non-progress lines (file names, summaries).
func ParseRsyncProgress(line string) (bytes uint64, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasSuffix(fields[1], "%") {
		return 0, false
	}
	raw := strings.ReplaceAll(fields[0], ",", "")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseDDProgress extracts the byte count from a dd status=progress line
// such as
//
//	1073741824 bytes (1.1 GB, 1.0 GiB) copied, 42 s, 25.6 MB/s
func ParseDDProgress(line string) (bytes uint64, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[1] != "bytes" {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RequiredTools lists the external commands a mode depends on. Checked once
// at startup so a missing package fails loudly instead of mid-clone.
func RequiredTools(mode CloneMode) []string {
	common := []string{"lsblk", "rsync", "mount", "umount"}
	if mode == ModeContentCopy {
		return common
	}
	return append(common, "sfdisk", "partprobe", "dd", "mkfs.vfat", "mkfs.ext4")
}
