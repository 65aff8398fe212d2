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

// Package mountcmd is the narrow surface to the host's mount machinery.
// Mounting always goes through mount(8) rather than the mount syscall, since
// it is the mount.nilfs2 helper that spawns the cleaner daemon and maintains
// the userspace mount options table -- exactly the behavior under test.
package mountcmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FSType is the filesystem type passed to mount(8).
const FSType = "nilfs2"

// Runner executes an external command, returning its combined output. It is
// the seam where tests substitute a fake for the real tools.
type Runner func(name string, args ...string) ([]byte, error)

// Tool drives the external mount, blkid and nilfs-utils commands.
type Tool struct {
	log logrus.FieldLogger
	run Runner
}

// New returns a Tool running the real external commands.
func New(log logrus.FieldLogger) *Tool {
	return &Tool{log: log, run: run}
}

// NewWithRunner returns a Tool with a substitute command runner.
func NewWithRunner(log logrus.FieldLogger, run Runner) *Tool {
	return &Tool{log: log, run: run}
}

func run(name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to find %s", name)
	}
	return exec.Command(path, args...).CombinedOutput()
}

func (t *Tool) command(name string, args ...string) ([]byte, error) {
	t.log.Debugf("exec: %s %s", name, strings.Join(args, " "))
	out, err := t.run(name, args...)
	if err != nil {
		return out, errors.Wrapf(err, "%s %s failed: %s",
			name, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Mount mounts the device at the target, optionally with -o options.
func (t *Tool) Mount(device, target string, options ...string) error {
	args := []string{"-t", FSType}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, device, target)
	_, err := t.command("mount", args...)
	return err
}

// Remount changes the options of an existing mount in place.
func (t *Tool) Remount(device, target string, options ...string) error {
	return t.Mount(device, target, append([]string{"remount"}, options...)...)
}

// Unmount unmounts whatever is mounted at the target.
func (t *Tool) Unmount(target string) error {
	_, err := t.command("umount", target)
	return err
}

// FSTypeOf probes the device's formatted filesystem type via blkid(8). An
// unformatted device yields an empty string.
func (t *Tool) FSTypeOf(device string) (string, error) {
	out, err := t.command("blkid", "-o", "value", "-s", "TYPE", device)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CheckDevice verifies that the path names a block device formatted with a
// nilfs2 filesystem. This is the precondition gate before any mount attempt.
func (t *Tool) CheckDevice(device string) error {
	st, err := os.Stat(device)
	if err != nil {
		return errors.Wrapf(err, "stat failed on %s", device)
	}
	if st.Mode()&os.ModeDevice == 0 || st.Mode()&os.ModeCharDevice != 0 {
		return errors.Errorf("%s is not a block device", device)
	}
	fstype, err := t.FSTypeOf(device)
	if err != nil {
		return err
	}
	if fstype != FSType {
		return errors.Errorf("%s holds %q, not a %s filesystem",
			device, fstype, FSType)
	}
	return nil
}

// MakeCheckpoint forces creation of a plain checkpoint on the device.
func (t *Tool) MakeCheckpoint(device string) error {
	_, err := t.command("mkcp", device)
	return err
}

// MakeSnapshot creates a checkpoint marked as a snapshot, so it stays
// mountable read-only regardless of garbage collection.
func (t *Tool) MakeSnapshot(device string) error {
	_, err := t.command("mkcp", "-s", device)
	return err
}

// ListSnapshots returns the checkpoint numbers of all snapshots on the
// device, in the order lscp(1) reports them (ascending).
func (t *Tool) ListSnapshots(device string) ([]uint64, error) {
	out, err := t.command("lscp", "-s", device)
	if err != nil {
		return nil, err
	}
	return parseSnapshots(string(out))
}

// parseSnapshots pulls the CNO column out of lscp output. The first line is
// a header; data lines start with the checkpoint number:
//
//	CNO        DATE     TIME  MODE  FLG      BLKCNT       ICNT
//	  1  2014-01-01 12:00:00   ss    -          11          3
func parseSnapshots(out string) ([]uint64, error) {
	var cnos []uint64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		var cno uint64
		if _, err := fmt.Sscanf(fields[0], "%d", &cno); err != nil {
			continue // header or decoration
		}
		if fields[3] != "ss" {
			continue
		}
		cnos = append(cnos, cno)
	}
	return cnos, nil
}
