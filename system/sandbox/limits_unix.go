//go:build !windows

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyResourceLimits installs the OS-level rlimits for limits on the
// calling process. It must run in the sandbox child before any generated
// code is loaded — setting RLIMIT_AS/RLIMIT_CPU/RLIMIT_NOFILE/RLIMIT_NPROC
// tightens the ceiling the kernel itself enforces, as a backstop beneath
// the parent's own polling-based memory monitor and wall-clock timeout.
func ApplyResourceLimits(limits Limits) error {
	if limits.MemoryBytes > 0 {
		if err := setRlimit(unix.RLIMIT_AS, uint64(limits.MemoryBytes)); err != nil {
			return fmt.Errorf("sandbox: set memory rlimit: %w", err)
		}
	}
	if limits.CPUMillis > 0 {
		cpuSeconds := uint64(limits.CPUMillis+999) / 1000
		if err := setRlimit(unix.RLIMIT_CPU, cpuSeconds); err != nil {
			return fmt.Errorf("sandbox: set cpu rlimit: %w", err)
		}
	}
	if limits.MaxFDs > 0 {
		if err := setRlimit(unix.RLIMIT_NOFILE, uint64(limits.MaxFDs)); err != nil {
			return fmt.Errorf("sandbox: set fd rlimit: %w", err)
		}
	}
	if limits.MaxProcs > 0 {
		if err := setRlimit(unix.RLIMIT_NPROC, uint64(limits.MaxProcs)); err != nil {
			return fmt.Errorf("sandbox: set proc rlimit: %w", err)
		}
	}
	return nil
}

func setRlimit(resource int, value uint64) error {
	rl := unix.Rlimit{Cur: value, Max: value}
	return unix.Setrlimit(resource, &rl)
}
