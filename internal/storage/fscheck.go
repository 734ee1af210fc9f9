package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a task database or lock path on a remote mount.
var ErrNetworkFilesystem = errors.New("network filesystem")

// remoteFS lists filesystem types whose locking SQLite cannot rely on.
// fuse covers gcsfuse volumes mounted into Cloud Run containers.
var remoteFS = []string{"nfs", "cifs", "smbfs", "smb2", "afpfs", "webdav", "fuse"}

// fsTypeFunc reports the filesystem type of an existing path.
type fsTypeFunc func(path string) (string, error)

// ValidateLocalFilesystem fails when path, or the closest directory above it
// that exists, is on a network mount.
func ValidateLocalFilesystem(path string) error {
	return checkLocal(path, detectFilesystemType)
}

func checkLocal(path string, fsType fsTypeFunc) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("storage path is empty")
	}

	probe, err := existingAncestor(path)
	if err != nil {
		return err
	}
	kind, err := fsType(probe)
	if err != nil {
		return fmt.Errorf("filesystem of %s: %w", probe, err)
	}
	if isRemote(kind) {
		return fmt.Errorf("%s is on %s (%w); point scheduler.db_path and scheduler.lock_path at a local disk",
			path, kind, ErrNetworkFilesystem)
	}
	return nil
}

// existingAncestor walks up from path to the first entry that exists, so a
// database that has not been created yet is checked against its directory.
func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat %s: %w", dir, err)
		}
		up := filepath.Dir(dir)
		if up == dir {
			return "", fmt.Errorf("no existing directory above %s", path)
		}
		dir = up
	}
}

func isRemote(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, r := range remoteFS {
		if kind == r {
			return true
		}
	}
	return false
}
