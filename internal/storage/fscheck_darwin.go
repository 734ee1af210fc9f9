//go:build darwin

package storage

import (
	"fmt"
	"strings"
	"syscall"
)

func detectFilesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	name := fsTypeName(st.Fstypename[:])
	// macFUSE mounts report macfuse or osxfuse.
	if strings.HasSuffix(name, "fuse") {
		return "fuse", nil
	}
	return name, nil
}

func fsTypeName(raw []int8) string {
	var b strings.Builder
	for _, c := range raw {
		if c == 0 {
			break
		}
		b.WriteByte(byte(c))
	}
	return b.String()
}
