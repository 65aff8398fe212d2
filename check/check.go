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

// Package check asserts the observable state of a nilfs2 mount: the kernel
// mount table entry, the userspace mount options record, and the cleaner
// daemon. The mount helper updates options records and spawns the cleaner
// asynchronously, so every predicate polls its probe until the expected
// state holds or a settle deadline expires.
package check

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nilfs-dev/mountck/mnttab"
	"github.com/nilfs-dev/mountck/utab"
)

// Mounts is the kernel mount table probe.
type Mounts interface {
	Lookup(mountpoint string) (*mnttab.Mount, error)
}

// Records is the userspace mount options table probe.
type Records interface {
	Lookup(source, target string) (*utab.Record, error)
}

// Cleaners is the cleaner daemon probe.
type Cleaners interface {
	Find(device, mountpoint string) (int, error)
}

// Defaults for the settle window. The mount helper updates its bookkeeping
// within a second or so; ten covers heavily loaded machines.
const (
	DefaultSettle = 10 * time.Second
	DefaultEvery  = 100 * time.Millisecond
)

// Checker verifies expected mount state for one device, defaulting to one
// mount point; each predicate accepts an optional mount point override for
// checking the snapshot mount.
type Checker struct {
	Device     string
	Mountpoint string

	Mounts   Mounts
	Records  Records
	Cleaners Cleaners

	Settle time.Duration
	Every  time.Duration

	Log logrus.FieldLogger
}

func (c *Checker) at(override []string) string {
	if len(override) > 0 {
		return override[0]
	}
	return c.Mountpoint
}

// await polls the probe until it reports success or the settle window
// closes. The probe returns whether the expectation holds and a description
// of what it observed instead, for the final error message.
func (c *Checker) await(expected, at string, probe func() (bool, string, error)) error {
	settle, every := c.Settle, c.Every
	if settle == 0 {
		settle = DefaultSettle
	}
	if every == 0 {
		every = DefaultEvery
	}
	deadline := time.Now().Add(settle)
	for {
		ok, observed, err := probe()
		if err != nil {
			return errors.Wrapf(err, "checking for %s at %s", expected, at)
		}
		if ok {
			c.Log.Debugf("check ok: %s at %s", expected, at)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("expected %s at %s, but still %s after %s",
				expected, at, observed, settle)
		}
		time.Sleep(every)
	}
}

func (c *Checker) mount(at string) (*mnttab.Mount, error) {
	m, err := c.Mounts.Lookup(at)
	if err != nil {
		return nil, err
	}
	if m != nil && m.Device != c.Device {
		// A foreign nilfs2 mount at our mount point is as wrong as no mount.
		return nil, nil
	}
	return m, nil
}

// MountedRW asserts a writable mount of the device.
func (c *Checker) MountedRW(override ...string) error {
	at := c.at(override)
	return c.await("writable "+mnttab.FSTypeNILFS2+" mount of "+c.Device, at,
		func() (bool, string, error) {
			m, err := c.mount(at)
			switch {
			case err != nil:
				return false, "", err
			case m == nil:
				return false, "not mounted", nil
			case m.ReadOnly:
				return false, "mounted read-only", nil
			}
			return true, "", nil
		})
}

// MountedRO asserts a read-only mount of the device.
func (c *Checker) MountedRO(override ...string) error {
	at := c.at(override)
	return c.await("read-only "+mnttab.FSTypeNILFS2+" mount of "+c.Device, at,
		func() (bool, string, error) {
			m, err := c.mount(at)
			switch {
			case err != nil:
				return false, "", err
			case m == nil:
				return false, "not mounted", nil
			case !m.ReadOnly:
				return false, "mounted writable", nil
			}
			return true, "", nil
		})
}

// MountedSnapshot asserts a read-only mount of the given snapshot
// checkpoint.
func (c *Checker) MountedSnapshot(cno uint64, override ...string) error {
	at := c.at(override)
	return c.await("snapshot mount of checkpoint "+itoa(cno), at,
		func() (bool, string, error) {
			m, err := c.mount(at)
			switch {
			case err != nil:
				return false, "", err
			case m == nil:
				return false, "not mounted", nil
			case !m.ReadOnly:
				return false, "mounted writable", nil
			case m.Checkpoint != cno:
				return false, "mounted with checkpoint " + itoa(m.Checkpoint), nil
			}
			return true, "", nil
		})
}

// NotMounted asserts the device is not mounted at the mount point.
func (c *Checker) NotMounted(override ...string) error {
	at := c.at(override)
	return c.await("no "+mnttab.FSTypeNILFS2+" mount", at,
		func() (bool, string, error) {
			m, err := c.mount(at)
			if err != nil {
				return false, "", err
			}
			if m != nil {
				return false, "still mounted from " + m.Device, nil
			}
			return true, "", nil
		})
}

// GC asserts an options record whose gcpid attribute names the live cleaner
// daemon of this mount.
func (c *Checker) GC(override ...string) error {
	at := c.at(override)
	return c.await("options record with live gcpid", at,
		func() (bool, string, error) {
			rec, err := c.Records.Lookup(c.Device, at)
			if err != nil {
				return false, "", err
			}
			if rec == nil {
				return false, "no options record", nil
			}
			pid, ok := rec.GCPID()
			if !ok {
				return false, "options record without gcpid (attrs " + quoted(rec.Attrs) + ")", nil
			}
			live, err := c.Cleaners.Find(c.Device, at)
			if err != nil {
				return false, "", err
			}
			if live != pid {
				return false, "gcpid " + itoa(uint64(pid)) + " does not match running cleaner", nil
			}
			return true, "", nil
		})
}

// NoGC asserts an options record explicitly flagging garbage collection as
// disabled.
func (c *Checker) NoGC(override ...string) error {
	at := c.at(override)
	return c.await("options record with nogc", at,
		func() (bool, string, error) {
			rec, err := c.Records.Lookup(c.Device, at)
			if err != nil {
				return false, "", err
			}
			if rec == nil {
				return false, "no options record", nil
			}
			if !rec.NoGC() {
				return false, "options record attrs " + quoted(rec.Attrs), nil
			}
			return true, "", nil
		})
}

// UtabNone asserts an options record that is present but carries no special
// attributes, as left behind by a remount to read-only.
func (c *Checker) UtabNone(override ...string) error {
	at := c.at(override)
	return c.await("options record without attributes", at,
		func() (bool, string, error) {
			rec, err := c.Records.Lookup(c.Device, at)
			if err != nil {
				return false, "", err
			}
			if rec == nil {
				return false, "no options record", nil
			}
			if !rec.None() {
				return false, "options record attrs " + quoted(rec.Attrs), nil
			}
			return true, "", nil
		})
}

// NoUtab asserts the absence of any options record for this mount.
func (c *Checker) NoUtab(override ...string) error {
	at := c.at(override)
	return c.await("no options record", at,
		func() (bool, string, error) {
			rec, err := c.Records.Lookup(c.Device, at)
			if err != nil {
				return false, "", err
			}
			if rec != nil {
				return false, "options record present (attrs " + quoted(rec.Attrs) + ")", nil
			}
			return true, "", nil
		})
}

// Cleanerd asserts a running cleaner daemon for this mount.
func (c *Checker) Cleanerd(override ...string) error {
	at := c.at(override)
	return c.await("running cleaner daemon", at,
		func() (bool, string, error) {
			pid, err := c.Cleaners.Find(c.Device, at)
			if err != nil {
				return false, "", err
			}
			if pid == 0 {
				return false, "no cleaner daemon", nil
			}
			return true, "", nil
		})
}

// NoCleanerd asserts the absence of a cleaner daemon for this mount.
func (c *Checker) NoCleanerd(override ...string) error {
	at := c.at(override)
	return c.await("no cleaner daemon", at,
		func() (bool, string, error) {
			pid, err := c.Cleaners.Find(c.Device, at)
			if err != nil {
				return false, "", err
			}
			if pid != 0 {
				return false, "cleaner daemon running as pid " + itoa(uint64(pid)), nil
			}
			return true, "", nil
		})
}

func itoa(n uint64) string { return strconv.FormatUint(n, 10) }

func quoted(s string) string { return strconv.Quote(s) }
