//go:build linux

package worker

import "syscall"

// applyResourceLimits installs process-wide rlimits as a defense-in-depth
// backstop behind the in-process heap watchdog and deadline timer: even if
// the goja-level controls are somehow bypassed, the OS will not let this
// thread's process exceed these ceilings. Adapted from the teacher's
// per-subprocess rlimit setup to run once per worker OS thread instead of
// once per forked sandbox-worker process, since this design has no
// subprocess boundary.
func applyResourceLimits() {
	// Fork-bomb prevention: this process may not spawn children.
	_ = syscall.Setrlimit(syscall.RLIMIT_NPROC, &syscall.Rlimit{Cur: 0, Max: 0})

	// No incidental file creation from within a handler invocation.
	_ = syscall.Setrlimit(syscall.RLIMIT_FSIZE, &syscall.Rlimit{Cur: 0, Max: 0})
}
