// Package platform holds process-level hardening and privilege checks.
package platform

import (
	"golang.org/x/sys/unix"
)

// IsRoot reports whether the process runs with effective uid 0.
func IsRoot() bool {
	return unix.Geteuid() == 0
}

// DisableCoreDumps sets RLIMIT_CORE to zero so key material cannot end up
// in a core file.
func DisableCoreDumps() error {
	var rlim unix.Rlimit
	rlim.Cur = 0
	rlim.Max = 0
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}
