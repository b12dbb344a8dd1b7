//go:build !unix

package platform

import "io/fs"

// FileOwner returns zero ownership on hosts without a uid/gid concept.
func FileOwner(_ fs.FileInfo) (uid, gid uint32) {
	return 0, 0
}

// Chown is a no-op on hosts without a uid/gid concept.
func Chown(_ string, _, _ int) error {
	return nil
}
