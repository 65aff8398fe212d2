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

package scenario

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// All returns the seventeen scenarios in their fixed execution order: the
// three plain mounts, every ordered pair and every triple chain of remount
// transitions between rw, ro and nogc, and the two concurrent rw-plus-
// snapshot variants.
func All() []Scenario {
	return []Scenario{
		chain(ReadWrite),
		chain(ReadOnly),
		chain(NoGC),
		chain(ReadWrite, ReadOnly),
		chain(ReadWrite, NoGC),
		chain(ReadOnly, ReadWrite),
		chain(ReadOnly, NoGC),
		chain(NoGC, ReadWrite),
		chain(NoGC, ReadOnly),
		chain(ReadWrite, ReadOnly, NoGC),
		chain(ReadWrite, NoGC, ReadOnly),
		chain(ReadOnly, ReadWrite, NoGC),
		chain(ReadOnly, NoGC, ReadWrite),
		chain(NoGC, ReadWrite, ReadOnly),
		chain(NoGC, ReadOnly, ReadWrite),
		withSnapshot(false),
		withSnapshot(true),
	}
}

// chain builds a scenario that mounts in the first mode and then remounts
// through the remaining modes, verifying and exercising after every
// transition, and finally tearing the mount down completely.
func chain(modes ...Mode) Scenario {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	desc := "mount " + names[0]
	if len(modes) > 1 {
		desc += ", remount " + strings.Join(names[1:], ", then ")
	}
	desc += ", unmount"
	return Scenario{
		Name:        strings.Join(names, "-"),
		Description: desc,
		Run: func(ctx *Context) error {
			if err := ctx.mountAs(modes[0]); err != nil {
				return err
			}
			if err := ctx.verify(modes[0], false); err != nil {
				return err
			}
			if err := ctx.exercise(modes[0]); err != nil {
				return err
			}
			for _, m := range modes[1:] {
				if err := ctx.remountAs(m); err != nil {
					return err
				}
				if err := ctx.verify(m, true); err != nil {
					return err
				}
				if err := ctx.exercise(m); err != nil {
					return err
				}
			}
			return ctx.teardown(ctx.Mountpoint)
		},
	}
}

// withSnapshot builds the concurrent rw-plus-snapshot scenario. The snapshot
// checkpoint is mounted read-only at the second mount point next to the live
// rw mount; unmounting either one must leave the other's mount table entry,
// options record and cleaner untouched. The reverse variant unmounts the rw
// mount first.
func withSnapshot(reverse bool) Scenario {
	name := "rw-with-snapshot"
	desc := "mount rw plus a concurrent read-only snapshot mount, unmount snapshot first"
	if reverse {
		name += "-reverse"
		desc = "mount rw plus a concurrent read-only snapshot mount, unmount rw first"
	}
	return Scenario{
		Name:        name,
		Description: desc,
		Run: func(ctx *Context) error {
			if err := ctx.mountAs(ReadWrite); err != nil {
				return err
			}
			if err := ctx.verify(ReadWrite, false); err != nil {
				return err
			}
			snap := ctx.SnapshotMountpoint
			cp := "cp=" + strconv.FormatUint(ctx.Checkpoint, 10)
			ctx.Log.Infof("mount snapshot %s of %s at %s", cp, ctx.Device, snap)
			if err := ctx.Ops.Mount(ctx.Device, snap, "ro", cp); err != nil {
				return errors.Wrap(err, "snapshot mount")
			}
			if err := ctx.verifySnapshot(snap); err != nil {
				return err
			}
			// Both mounts are live now; exercise each in its own mode and
			// make sure the rw side kept its cleaner.
			if err := ctx.writeWorkload(); err != nil {
				return err
			}
			if err := ctx.readWorkload(snap); err != nil {
				return err
			}
			if err := ctx.verify(ReadWrite, false); err != nil {
				return err
			}
			if !reverse {
				if err := ctx.teardown(snap); err != nil {
					return err
				}
				// The rw mount must have survived its sibling's teardown.
				if err := ctx.verify(ReadWrite, false); err != nil {
					return err
				}
				return ctx.teardown(ctx.Mountpoint)
			}
			if err := ctx.teardown(ctx.Mountpoint); err != nil {
				return err
			}
			// And the snapshot must have survived the rw teardown.
			if err := ctx.verifySnapshot(snap); err != nil {
				return err
			}
			if err := ctx.readWorkload(snap); err != nil {
				return err
			}
			return ctx.teardown(snap)
		},
	}
}

// verifySnapshot asserts the snapshot mount's post-condition triple: a
// read-only mount of the recorded checkpoint, no options record and no
// cleaner for the snapshot mount point.
func (ctx *Context) verifySnapshot(at string) error {
	if err := ctx.Check.MountedSnapshot(ctx.Checkpoint, at); err != nil {
		return errors.Wrap(err, "snapshot")
	}
	if err := ctx.Check.NoUtab(at); err != nil {
		return errors.Wrap(err, "snapshot")
	}
	return errors.Wrap(ctx.Check.NoCleanerd(at), "snapshot")
}

// RunAll executes the scenarios strictly in order, halting at the first
// failure; the returned error names the failed scenario.
func RunAll(ctx *Context, scenarios []Scenario) error {
	for i, sc := range scenarios {
		ctx.Log.Infof("scenario %d/%d %q: %s", i+1, len(scenarios), sc.Name, sc.Description)
		if err := sc.Run(ctx); err != nil {
			return errors.Wrapf(err, "scenario %q", sc.Name)
		}
		ctx.Log.Infof("scenario %q passed", sc.Name)
	}
	return nil
}
