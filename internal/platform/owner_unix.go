//go:build unix

// Package platform isolates ownership metadata handling that differs between
// host environments. On hosts without a uid/gid concept both capture and
// restoration are no-ops.
package platform

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// FileOwner extracts UID and GID from file info on Unix systems.
func FileOwner(info fs.FileInfo) (uid, gid uint32) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Uid, stat.Gid
	}
	return 0, 0
}

// Chown restores file ownership. Unprivileged processes cannot chown to
// other users; permission errors are swallowed so extraction stays
// best-effort for non-root callers.
func Chown(path string, uid, gid int) error {
	err := os.Chown(path, uid, gid)
	if err != nil && errors.Is(err, fs.ErrPermission) {
		return nil
	}
	return err
}
