// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package drover

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tomtom215/drover/internal/logging"
)

// writePIDFile records the master PID. A leftover file from a master that
// died hard is overwritten when its PID is no longer alive; a file naming a
// live process is a startup error, because two masters fighting over the
// same listeners is never what the operator meant.
func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 && pidAlive(pid) {
			return fmt.Errorf("pidfile %s: process %d is still running", path, pid)
		}
		logging.Warn().Str("path", path).Msg("overwriting stale pidfile")
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// removePIDFile deletes the pidfile only if it still names this process, so
// a newer master's file is never removed by an older one shutting down late.
func removePIDFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid != os.Getpid() {
		return
	}
	if err := os.Remove(path); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("failed to remove pidfile")
	}
}
