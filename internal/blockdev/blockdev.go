// Package blockdev discovers removable block devices for the two clone
// slots. A slot is identified by a fixed /dev/disk symlink pattern (by-path
// or by-id), never by capacity heuristics, so source and destination cannot
// be swapped by insertion order.
package blockdev

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device describes one attached disk as seen at probe time.
type Device struct {
	// Path is the resolved kernel device node, e.g. /dev/sda.
	Path string
	// Link is the stable symlink the device was matched through.
	Link       string
	Model      string
	Serial     string
	SizeBytes  uint64
	Partitions []Partition
}

// Partition is one partition of a probed Device.
type Partition struct {
	Path       string
	Index      int
	SizeBytes  uint64
	Filesystem string
	// UsedBytes and FreeBytes come from lsblk FSUSED/FSAVAIL and are only
	// known when the partition is mounted; zero otherwise.
	UsedBytes  uint64
	FreeBytes  uint64
	Mountpoint string
}

// HasData reports whether any filesystem signature exists on the device.
func (d *Device) HasData() bool {
	for _, p := range d.Partitions {
		if p.Filesystem != "" {
			return true
		}
	}
	return false
}

// UsedBytes sums the used bytes of mounted filesystems; zero when unknown.
func (d *Device) UsedBytes() uint64 {
	var total uint64
	for _, p := range d.Partitions {
		total += p.UsedBytes
	}
	return total
}

// FreeBytes sums the free bytes of mounted filesystems; zero when unknown.
func (d *Device) FreeBytes() uint64 {
	var total uint64
	for _, p := range d.Partitions {
		total += p.FreeBytes
	}
	return total
}

// Filesystem returns the filesystem of the first data partition, or "".
func (d *Device) Filesystem() string {
	for _, p := range d.Partitions {
		if p.Filesystem != "" {
			return p.Filesystem
		}
	}
	return ""
}

// Prober resolves slot symlink patterns to Devices using lsblk.
type Prober struct {
	run func(ctx context.Context, name string, args ...string) (string, error)

	glob     func(pattern string) ([]string, error)
	resolve  func(path string) (string, error)
	statPath func(path string) error
}

// NewProber returns a Prober backed by the local system tools.
func NewProber() *Prober {
	return &Prober{
		run:  runCommand,
		glob: filepath.Glob,
		resolve: func(path string) (string, error) {
			return filepath.EvalSymlinks(path)
		},
		statPath: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Probe resolves the given symlink pattern to a Device. It returns (nil, nil)
// when no device is attached at that slot.
func (p *Prober) Probe(ctx context.Context, linkPattern string) (*Device, error) {
	if strings.TrimSpace(linkPattern) == "" {
		return nil, errors.New("blockdev: empty slot pattern")
	}

	matches, err := p.glob(linkPattern)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: glob %s", linkPattern)
	}
	link := firstDiskLink(matches)
	if link == "" {
		return nil, nil
	}

	devPath, err := p.resolve(link)
	if err != nil {
		// A dangling symlink means the device went away mid-probe.
		return nil, nil
	}
	if excludedDevice(devPath) {
		return nil, nil
	}
	if err := p.statPath(devPath); err != nil {
		return nil, nil
	}

	out, err := p.run(ctx, "lsblk", "-b", "-dn", "-o", "SIZE,MODEL,SERIAL", devPath)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: describe %s", devPath)
	}
	size, model, serial, err := ParseDiskInfo(out)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: parse disk info for %s", devPath)
	}

	partsOut, err := p.run(ctx, "lsblk", "-b", "-nr", "-o", "NAME,SIZE,FSTYPE,FSUSED,FSAVAIL,MOUNTPOINT,TYPE", devPath)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: list partitions of %s", devPath)
	}
	parts := ParsePartitions(partsOut)

	return &Device{
		Path:       devPath,
		Link:       link,
		Model:      model,
		Serial:     serial,
		SizeBytes:  size,
		Partitions: parts,
	}, nil
}

// firstDiskLink picks the whole-disk link out of glob matches, skipping
// per-partition links like ...-part1 that by-id and by-path also expose.
func firstDiskLink(matches []string) string {
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.Contains(base, "-part") {
			continue
		}
		return m
	}
	return ""
}

// excludedDevice reports whether the node must never be offered as a slot:
// the Pi boots from mmcblk0, and loop/ram devices are not real media.
func excludedDevice(devPath string) bool {
	name := strings.TrimPrefix(devPath, "/dev/")
	return strings.HasPrefix(name, "mmcblk0") ||
		strings.HasPrefix(name, "loop") ||
		strings.HasPrefix(name, "ram")
}

// ParseDiskInfo parses `lsblk -b -dn -o SIZE,MODEL,SERIAL` output.
func ParseDiskInfo(out string) (size uint64, model, serial string, err error) {
	line := strings.TrimSpace(out)
	if line == "" {
		return 0, "", "", errors.New("empty lsblk output")
	}
	fields := strings.Fields(line)
	size, err = strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, "", "", errors.Wrapf(err, "parse size %q", fields[0])
	}
	if len(fields) > 1 {
		model = fields[1]
	}
	if len(fields) > 2 {
		serial = fields[2]
	}
	return size, model, serial, nil
}

// ParsePartitions parses raw-mode lsblk output with the columns
// NAME,SIZE,FSTYPE,FSUSED,FSAVAIL,MOUNTPOINT,TYPE, keeping only rows of type
// "part". Raw mode separates columns by single spaces and escapes embedded
// spaces as \x20, so a positional split is unambiguous even when columns are
// empty.
func ParsePartitions(out string) []Partition {
	var parts []Partition
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		fields := strings.Split(line, " ")
		if len(fields) != 7 || fields[6] != "part" {
			continue
		}
		name := fields[0]
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		parts = append(parts, Partition{
			Path:       "/dev/" + name,
			Index:      partitionIndex(name),
			SizeBytes:  size,
			Filesystem: fields[2],
			UsedBytes:  parseOptionalBytes(fields[3]),
			FreeBytes:  parseOptionalBytes(fields[4]),
			Mountpoint: fields[5],
		})
	}
	return parts
}

func parseOptionalBytes(field string) uint64 {
	if field == "" {
		return 0
	}
	n, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// partitionIndex extracts the partition number from a kernel name such as
// sda1 or mmcblk1p2.
func partitionIndex(name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0
	}
	return n
}

// PartitionDevice returns the device node of partition index on disk,
// honouring the mmcblk/nvme "p" separator convention.
func PartitionDevice(disk string, index int) string {
	name := strings.TrimPrefix(disk, "/dev/")
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") {
		return "/dev/" + name + "p" + strconv.Itoa(index)
	}
	return "/dev/" + name + strconv.Itoa(index)
}
