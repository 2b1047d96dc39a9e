//go:build linux

package platform

import "golang.org/x/sys/unix"

// DisableDumpable clears PR_SET_DUMPABLE, which also blocks ptrace attach
// from non-root processes.
func DisableDumpable() error {
	return unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)
}
