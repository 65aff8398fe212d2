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
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// fixtureName is the payload copy inside the filesystem that read-only
	// workloads read back.
	fixtureName = "mountck.data"
	// scratchName is the reusable random payload in the system temp
	// directory.
	scratchName = "mountck-payload.data"
	payloadSize = 100 << 10
)

// Prepare brings the run to its known baseline: mount point directories
// exist, the backing device is known, the random payload exists both in the
// temp directory and inside the filesystem, the device holds at least one
// snapshot checkpoint, and the filesystem ends up unmounted.
func (ctx *Context) Prepare() error {
	for _, dir := range []string{ctx.Mountpoint, ctx.SnapshotMountpoint} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "cannot create mount point %s", dir)
		}
	}

	if err := ctx.adoptDevice(); err != nil {
		return err
	}

	if err := ctx.ensurePayload(); err != nil {
		return err
	}

	mounted, err := ctx.Check.Mounts.Lookup(ctx.Mountpoint)
	if err != nil {
		return err
	}
	switch {
	case mounted == nil:
		if err := ctx.mountAs(ReadWrite); err != nil {
			return err
		}
	case mounted.ReadOnly:
		if err := ctx.remountAs(ReadWrite); err != nil {
			return err
		}
	}

	if err := ctx.ensureFixtureFile(); err != nil {
		return err
	}
	if err := ctx.ensureSnapshot(); err != nil {
		return err
	}

	// Scenarios all start from "unmounted", so end preparation with a full
	// verified teardown.
	return errors.Wrap(ctx.teardown(ctx.Mountpoint), "baseline unmount")
}

// adoptDevice settles which block device backs the run: an active nilfs2
// mount at the mount point donates its device, which must agree with an
// explicitly given one; without either there is nothing to test.
func (ctx *Context) adoptDevice() error {
	mounted, err := ctx.Check.Mounts.Lookup(ctx.Mountpoint)
	if err != nil {
		return err
	}
	if mounted != nil {
		if ctx.Device == "" {
			ctx.Log.Debugf("adopting device %s from active mount at %s",
				mounted.Device, ctx.Mountpoint)
			ctx.Device = mounted.Device
			ctx.Check.Device = mounted.Device
			return nil
		}
		if ctx.Device != mounted.Device {
			return errors.Errorf("%s is mounted from %s, not from the given device %s",
				ctx.Mountpoint, mounted.Device, ctx.Device)
		}
		return nil
	}
	if ctx.Device == "" {
		return errors.Errorf("no device given and %s is not an active %s mount",
			ctx.Mountpoint, "nilfs2")
	}
	return nil
}

// ensurePayload loads the reusable random payload from the temp directory,
// generating it once when absent or damaged.
func (ctx *Context) ensurePayload() error {
	path := filepath.Join(os.TempDir(), scratchName)
	data, err := os.ReadFile(path)
	if err == nil && len(data) == payloadSize {
		ctx.Payload = data
		return nil
	}
	data = make([]byte, payloadSize)
	if _, err := rand.Read(data); err != nil {
		return errors.Wrap(err, "cannot generate random payload")
	}
	// The scratch path is well-known and the tool runs as root, so never
	// follow a pre-planted symlink when (re)writing it.
	scratch, err := os.OpenFile(path,
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, 0600)
	if err != nil {
		return errors.Wrapf(err, "cannot write payload %s", path)
	}
	if _, err := scratch.Write(data); err != nil {
		_ = scratch.Close()
		return errors.Wrapf(err, "cannot write payload %s", path)
	}
	if err := scratch.Close(); err != nil {
		return errors.Wrapf(err, "cannot write payload %s", path)
	}
	ctx.Log.Debugf("generated %d byte random payload at %s", payloadSize, path)
	ctx.Payload = data
	return nil
}

// ensureFixtureFile places the payload copy inside the (now writable)
// filesystem and checkpoints it.
func (ctx *Context) ensureFixtureFile() error {
	path := filepath.Join(ctx.Mountpoint, fixtureName)
	data, err := os.ReadFile(path)
	if err == nil && bytes.Equal(data, ctx.Payload) {
		return nil
	}
	if err := os.WriteFile(path, ctx.Payload, 0644); err != nil {
		return errors.Wrapf(err, "cannot write fixture file %s", path)
	}
	return errors.Wrap(ctx.Cp.MakeCheckpoint(ctx.Device), "fixture checkpoint")
}

// ensureSnapshot makes sure at least one snapshot checkpoint exists and
// records the newest one for the snapshot mount scenarios.
func (ctx *Context) ensureSnapshot() error {
	snapshots, err := ctx.Cp.ListSnapshots(ctx.Device)
	if err != nil {
		return errors.Wrap(err, "cannot list snapshots")
	}
	if len(snapshots) == 0 {
		ctx.Log.Debugf("no snapshot on %s yet, creating one", ctx.Device)
		if err := ctx.Cp.MakeSnapshot(ctx.Device); err != nil {
			return errors.Wrap(err, "cannot create snapshot")
		}
		if snapshots, err = ctx.Cp.ListSnapshots(ctx.Device); err != nil {
			return errors.Wrap(err, "cannot list snapshots")
		}
		if len(snapshots) == 0 {
			return errors.Errorf("snapshot created on %s but not listed", ctx.Device)
		}
	}
	ctx.Checkpoint = snapshots[len(snapshots)-1]
	ctx.Log.Debugf("using snapshot checkpoint %d", ctx.Checkpoint)
	return nil
}
