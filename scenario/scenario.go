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

// Package scenario defines and runs the mount lifecycle scenarios. Each
// scenario walks one mount point through a fixed sequence of mount, remount
// and unmount transitions, verifying after every transition that the kernel
// mount table, the userspace mount options record and the cleaner daemon all
// reached the state the transition must produce, and exercising the new
// mode with a small read or write workload.
package scenario

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nilfs-dev/mountck/check"
)

// Ops is the narrow mount operations surface; production code backs it with
// mountcmd.Tool, tests with a fake.
type Ops interface {
	Mount(device, target string, options ...string) error
	Remount(device, target string, options ...string) error
	Unmount(target string) error
}

// Checkpoints drives nilfs-utils checkpoint tooling.
type Checkpoints interface {
	MakeCheckpoint(device string) error
	MakeSnapshot(device string) error
	ListSnapshots(device string) ([]uint64, error)
}

// Cleaners finds and, as an unmount fallback, terminates cleaner daemons.
type Cleaners interface {
	Find(device, mountpoint string) (int, error)
	Terminate(pid int, patience time.Duration) error
}

// Mode is a mounted filesystem mode; together with "unmounted" these are the
// states of the per-mount-point lifecycle state machine.
type Mode int

const (
	ReadWrite Mode = iota // writable, garbage collection on
	ReadOnly
	NoGC // writable, garbage collection explicitly off
)

func (m Mode) String() string {
	switch m {
	case ReadWrite:
		return "rw"
	case ReadOnly:
		return "ro"
	case NoGC:
		return "nogc"
	}
	return "invalid"
}

func (m Mode) mountOptions() []string {
	switch m {
	case ReadOnly:
		return []string{"ro"}
	case NoGC:
		return []string{"nogc"}
	}
	return nil
}

func (m Mode) remountOptions() []string {
	switch m {
	case ReadOnly:
		return []string{"ro"}
	case NoGC:
		return []string{"nogc"}
	}
	return []string{"rw"}
}

func (m Mode) writable() bool { return m != ReadOnly }

// cleanerPatience bounds how long an unmount rescue waits for a terminated
// cleaner to go away.
const cleanerPatience = 10 * time.Second

// Context carries the run-wide facts and collaborators every scenario works
// against; there is no ambient global state.
type Context struct {
	Device             string
	Mountpoint         string
	SnapshotMountpoint string

	// Checkpoint is the snapshot checkpoint number the snapshot scenarios
	// mount; Prepare ensures it exists.
	Checkpoint uint64

	// Payload is the random fixture data; a copy lives inside the filesystem
	// under fixtureName so read-only modes have something to read back.
	Payload []byte

	Ops      Ops
	Cp       Checkpoints
	Cleaners Cleaners
	Check    *check.Checker

	Log logrus.FieldLogger
}

// Scenario is one named, self-describing lifecycle sequence.
type Scenario struct {
	Name        string
	Description string
	Run         func(*Context) error
}

func (ctx *Context) mountAs(m Mode) error {
	ctx.Log.Infof("mount %s at %s (%s)", ctx.Device, ctx.Mountpoint, m)
	return errors.Wrapf(ctx.Ops.Mount(ctx.Device, ctx.Mountpoint, m.mountOptions()...),
		"%s mount", m)
}

func (ctx *Context) remountAs(m Mode) error {
	ctx.Log.Infof("remount %s as %s", ctx.Mountpoint, m)
	return errors.Wrapf(ctx.Ops.Remount(ctx.Device, ctx.Mountpoint, m.remountOptions()...),
		"remount %s", m)
}

// verify asserts the post-condition triple of the given mode. Read-only
// state depends on how it was reached: an initial read-only mount bypasses
// the helper's bookkeeping and leaves no options record, while a remount to
// read-only rewrites the existing record with no attributes.
func (ctx *Context) verify(m Mode, remounted bool) error {
	var checks []func(...string) error
	switch m {
	case ReadWrite:
		checks = []func(...string) error{ctx.Check.MountedRW, ctx.Check.GC, ctx.Check.Cleanerd}
	case NoGC:
		checks = []func(...string) error{ctx.Check.MountedRW, ctx.Check.NoGC, ctx.Check.NoCleanerd}
	case ReadOnly:
		utabState := ctx.Check.NoUtab
		if remounted {
			utabState = ctx.Check.UtabNone
		}
		checks = []func(...string) error{ctx.Check.MountedRO, utabState, ctx.Check.NoCleanerd}
	}
	for _, chk := range checks {
		if err := chk(); err != nil {
			return errors.Wrapf(err, "after transition to %s", m)
		}
	}
	return nil
}

// exercise performs the representative workload of the mode: writable modes
// write a fresh copy of the payload and force a checkpoint, read-only modes
// read the fixture file back and compare.
func (ctx *Context) exercise(m Mode) error {
	if m.writable() {
		return ctx.writeWorkload()
	}
	return ctx.readWorkload(ctx.Mountpoint)
}

func (ctx *Context) writeWorkload() error {
	name := petname.Generate(2, "-") + ".data"
	path := filepath.Join(ctx.Mountpoint, name)
	ctx.Log.Debugf("workload: writing %s", path)
	if err := os.WriteFile(path, ctx.Payload, 0644); err != nil {
		return errors.Wrap(err, "write workload")
	}
	if err := ctx.Cp.MakeCheckpoint(ctx.Device); err != nil {
		return errors.Wrap(err, "write workload checkpoint")
	}
	return nil
}

func (ctx *Context) readWorkload(dir string) error {
	path := filepath.Join(dir, fixtureName)
	ctx.Log.Debugf("workload: reading %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read workload")
	}
	if !bytes.Equal(data, ctx.Payload) {
		return errors.Errorf("read workload: %s differs from fixture payload", path)
	}
	return nil
}

// unmount unmounts the target, with a single bounded recovery: when umount
// fails, terminate the cleaner still busy on the mount and retry exactly
// once.
func (ctx *Context) unmount(target string) error {
	ctx.Log.Infof("unmount %s", target)
	err := ctx.Ops.Unmount(target)
	if err == nil {
		return nil
	}
	pid, ferr := ctx.Cleaners.Find(ctx.Device, target)
	if ferr != nil || pid == 0 {
		return errors.Wrapf(err, "unmount %s", target)
	}
	ctx.Log.Debugf("unmount blocked, terminating cleaner pid %d and retrying", pid)
	if terr := ctx.Cleaners.Terminate(pid, cleanerPatience); terr != nil {
		return errors.Wrapf(terr, "unmount %s rescue", target)
	}
	return errors.Wrapf(ctx.Ops.Unmount(target), "unmount %s retry", target)
}

// teardown unmounts the target and asserts the full absent triple: no mount
// table entry, no options record, no cleaner daemon.
func (ctx *Context) teardown(target string) error {
	if err := ctx.unmount(target); err != nil {
		return err
	}
	for _, chk := range []func(...string) error{
		ctx.Check.NotMounted, ctx.Check.NoUtab, ctx.Check.NoCleanerd,
	} {
		if err := chk(target); err != nil {
			return errors.Wrap(err, "after unmount")
		}
	}
	return nil
}
