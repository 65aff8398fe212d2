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

package scenario_test

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nilfs-dev/mountck/mnttab"
	"github.com/nilfs-dev/mountck/utab"
)

// world simulates the external mount machinery well enough for lifecycle
// testing: mount(8) with the mount.nilfs2 helper semantics (utab records,
// cleaner daemons per writable gc mount), umount(8), and the checkpoint
// tooling. It implements the scenario Ops/Checkpoints/Cleaners interfaces
// and the check probe interfaces, and keeps a journal of all operations for
// order assertions.
type world struct {
	mounts   map[string]*mnttab.Mount
	records  map[string]*utab.Record // keyed source\x00target
	cleaners map[string]int          // same key; cleaner pid
	nextPid  int
	snaps    []uint64
	nextCno  uint64
	journal  []string

	// failure injection
	unmountBusyOnce  map[string]bool // umount fails while a cleaner runs
	dropRemountAttrs bool            // remount "forgets" to update the record
}

func newWorld() *world {
	return &world{
		mounts:          map[string]*mnttab.Mount{},
		records:         map[string]*utab.Record{},
		cleaners:        map[string]int{},
		nextPid:         1000,
		nextCno:         1,
		unmountBusyOnce: map[string]bool{},
	}
}

func key(device, target string) string { return device + "\x00" + target }

func (w *world) log(format string, args ...any) {
	w.journal = append(w.journal, fmt.Sprintf(format, args...))
}

// Mount implements scenario.Ops with mount.nilfs2 behavior: a writable
// mount gets a utab record (gcpid or nogc), a read-only mount bypasses the
// helper bookkeeping entirely.
func (w *world) Mount(device, target string, options ...string) error {
	w.log("mount %s %s %s", device, target, strings.Join(options, ","))
	if w.mounts[target] != nil {
		return errors.Errorf("%s already mounted", target)
	}
	m := &mnttab.Mount{Device: device, Mountpoint: target}
	nogc := false
	for _, opt := range options {
		switch {
		case opt == "ro":
			m.ReadOnly = true
		case opt == "nogc":
			nogc = true
		case strings.HasPrefix(opt, "cp="):
			cno, err := strconv.ParseUint(opt[3:], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "bad option %q", opt)
			}
			m.Checkpoint = cno
		}
	}
	w.mounts[target] = m
	if m.ReadOnly {
		return nil
	}
	w.writeRecord(device, target, nogc)
	return nil
}

// Remount implements scenario.Ops; it rewrites the existing record with the
// new garbage collection state, and spawns or stops the cleaner to match.
func (w *world) Remount(device, target string, options ...string) error {
	w.log("remount %s %s %s", device, target, strings.Join(options, ","))
	m := w.mounts[target]
	if m == nil {
		return errors.Errorf("%s not mounted", target)
	}
	var mode string
	for _, opt := range options {
		switch opt {
		case "rw", "ro", "nogc":
			mode = opt
		}
	}
	if mode == "" {
		return errors.Errorf("remount of %s without a mode", target)
	}
	m.ReadOnly = mode == "ro"
	w.stopCleaner(device, target)
	if w.dropRemountAttrs {
		return nil
	}
	switch mode {
	case "rw":
		w.writeRecord(device, target, false)
	case "nogc":
		w.writeRecord(device, target, true)
	case "ro":
		if rec := w.records[key(device, target)]; rec != nil {
			rec.Attrs = "none"
		}
	}
	return nil
}

// Unmount implements scenario.Ops, optionally failing once as long as a
// cleaner is still around, like a garbage collector keeping the filesystem
// busy would make the real umount fail.
func (w *world) Unmount(target string) error {
	w.log("umount %s", target)
	m := w.mounts[target]
	if m == nil {
		return errors.Errorf("%s not mounted", target)
	}
	if w.unmountBusyOnce[target] && w.cleaners[key(m.Device, target)] != 0 {
		w.unmountBusyOnce[target] = false
		return errors.Errorf("%s busy", target)
	}
	delete(w.mounts, target)
	delete(w.records, key(m.Device, target))
	w.stopCleanerSilently(m.Device, target)
	return nil
}

func (w *world) writeRecord(device, target string, nogc bool) {
	if nogc {
		w.records[key(device, target)] = &utab.Record{
			Source: device, Target: target, Root: "/", Attrs: "nogc",
		}
		return
	}
	w.nextPid++
	w.cleaners[key(device, target)] = w.nextPid
	w.records[key(device, target)] = &utab.Record{
		Source: device, Target: target, Root: "/",
		Attrs: "gcpid=" + strconv.Itoa(w.nextPid),
	}
}

func (w *world) stopCleaner(device, target string) {
	if pid := w.cleaners[key(device, target)]; pid != 0 {
		w.log("cleaner %d exits", pid)
	}
	delete(w.cleaners, key(device, target))
}

func (w *world) stopCleanerSilently(device, target string) {
	delete(w.cleaners, key(device, target))
}

// Find implements both scenario.Cleaners and check.Cleaners.
func (w *world) Find(device, mountpoint string) (int, error) {
	return w.cleaners[key(device, mountpoint)], nil
}

// Terminate implements scenario.Cleaners.
func (w *world) Terminate(pid int, patience time.Duration) error {
	w.log("terminate %d", pid)
	for k, p := range w.cleaners {
		if p == pid {
			delete(w.cleaners, k)
			return nil
		}
	}
	return nil
}

// MakeCheckpoint implements scenario.Checkpoints.
func (w *world) MakeCheckpoint(device string) error {
	w.log("mkcp %s", device)
	w.nextCno++
	return nil
}

// MakeSnapshot implements scenario.Checkpoints.
func (w *world) MakeSnapshot(device string) error {
	w.log("mkcp -s %s", device)
	w.nextCno++
	w.snaps = append(w.snaps, w.nextCno)
	return nil
}

// ListSnapshots implements scenario.Checkpoints.
func (w *world) ListSnapshots(device string) ([]uint64, error) {
	return append([]uint64(nil), w.snaps...), nil
}

// mountView adapts the world to the check.Mounts probe interface.
type mountView struct{ w *world }

func (v mountView) Lookup(mountpoint string) (*mnttab.Mount, error) {
	m := v.w.mounts[mountpoint]
	if m == nil {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

// recordView adapts the world to the check.Records probe interface.
type recordView struct{ w *world }

func (v recordView) Lookup(source, target string) (*utab.Record, error) {
	r := v.w.records[key(source, target)]
	if r == nil {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}
