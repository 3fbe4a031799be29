package blockdev

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FilesystemUsage reports used and free bytes of a mounted filesystem.
func FilesystemUsage(mountpoint string) (used, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountpoint, &st); err != nil {
		return 0, 0, errors.Wrapf(err, "blockdev: statfs %s", mountpoint)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free = st.Bavail * bsize
	used = total - st.Bfree*bsize
	return used, free, nil
}

// SyncDisks flushes all dirty pages to the underlying devices.
func SyncDisks() {
	unix.Sync()
}
