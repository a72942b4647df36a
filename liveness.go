// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import (
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// isAlive reports whether pid still identifies a running process. It is a
// package-level variable, rather than a plain function, so that tests can
// substitute a synthetic probe without spawning or killing real processes.
var isAlive = probeIsAlive

// probeIsAlive is the real implementation backing isAlive. It never blocks:
// gopsutil's process table lookup and the syscall.Signal(0) fallback are
// both non-blocking.
//
// gopsutil's process.PidExists is tried first, since it works uniformly
// across the platforms that package supports; if it fails to produce a
// definitive answer, this falls back to the classic no-signal probe
// (send signal 0 and inspect the error), the same technique the original
// C++ implementation used via kill(pid, 0) / errno == ESRCH.
func probeIsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	if alive, err := process.PidExists(int32(pid)); err == nil {
		return alive
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	switch err := proc.Signal(syscall.Signal(0)); {
	case err == nil:
		return true
	case err == os.ErrProcessDone:
		return false
	case err == syscall.ESRCH:
		return false
	default:
		// permission denied and similar errors mean the process exists
		// but we can't signal it — treat it as alive.
		return true
	}
}
