package diskspace

import "golang.org/x/sys/unix"

// FreeBytes is the free space of the filesystem holding dir, counting blocks
// reserved for root.
func FreeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Frsize) * st.Bfree, nil
}
