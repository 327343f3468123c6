//go:build windows

package events

import "os"

// lockFile is a no-op on Windows; the in-process mutex still serializes appends
// through one Log.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
