// Copyright 2025 The mountck authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cleaner detects the nilfs_cleanerd garbage collector daemon that
// mount.nilfs2 spawns per writable mount. The daemon offers no pid file or
// status socket, so detection is a best-effort scan of the process table,
// kept behind a small probe type so it can be faked in tests.
package cleaner

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Daemon is the process name of the nilfs2 garbage collector.
const Daemon = "nilfs_cleanerd"

// Probe finds cleaner daemons via the proc filesystem. The proc directory is
// a field so tests can point it at a fake process tree.
type Probe struct {
	ProcDir string
}

// New returns a Probe scanning the real /proc.
func New() *Probe { return &Probe{ProcDir: "/proc"} }

// Find returns the pid of the cleaner daemon serving the given device and
// mount point, or 0 when no such daemon is running. The daemon is matched by
// name and by both the device and the mount point appearing among its
// arguments, as several cleaners may serve different nilfs2 mounts at once.
func (p *Probe) Find(device, mountpoint string) (int, error) {
	cmdlines, err := filepath.Glob(filepath.Join(p.ProcDir, "*", "cmdline"))
	if err != nil {
		return 0, errors.Wrap(err, "cannot scan process table")
	}
	for _, cmdline := range cmdlines {
		data, err := os.ReadFile(cmdline)
		if err != nil || len(data) == 0 {
			// Processes come and go while we scan; unreadable or empty
			// entries simply aren't the daemon we're looking for.
			continue
		}
		args := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
		if filepath.Base(args[0]) != Daemon {
			continue
		}
		if !contains(args[1:], device) || !contains(args[1:], mountpoint) {
			continue
		}
		pid, err := strconv.Atoi(filepath.Base(filepath.Dir(cmdline)))
		if err != nil {
			continue
		}
		return pid, nil
	}
	return 0, nil
}

// Terminate sends SIGTERM to the given cleaner and waits for it to
// disappear, giving up after the patience duration. It is the bounded
// recovery step for unmounts blocked by a busy cleaner.
func (p *Probe) Terminate(pid int, patience time.Duration) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.Wrapf(err, "cannot signal cleaner pid %d", pid)
	}
	deadline := time.Now().Add(patience)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err == unix.ESRCH {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.Errorf("cleaner pid %d still running %s after SIGTERM", pid, patience)
}

func contains(haystack []string, needle string) bool {
	for _, straw := range haystack {
		if straw == needle {
			return true
		}
	}
	return false
}
