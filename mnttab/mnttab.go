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

// Package mnttab answers "what is mounted where" questions from the kernel
// mount table, as seen through /proc/self/mountinfo.
package mnttab

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
)

// FSTypeNILFS2 is the filesystem type the checker cares about.
const FSTypeNILFS2 = "nilfs2"

// Mount describes a single entry of the kernel mount table.
type Mount struct {
	Device     string
	Mountpoint string
	ReadOnly   bool
	Checkpoint uint64 // cp=N superblock option; 0 when mounting the current tree
	Options    string // per-mount VFS options as reported by the kernel
}

// Table looks up mounts of a single filesystem type in the kernel mount
// table.
type Table struct {
	FSType string
}

// New returns a Table restricted to nilfs2 mounts.
func New() *Table { return &Table{FSType: FSTypeNILFS2} }

// Lookup returns the topmost matching mount at the given mount point, or nil
// when nothing of the table's filesystem type is mounted there.
func (t *Table) Lookup(mountpoint string) (*Mount, error) {
	abs, err := filepath.Abs(mountpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve mount point %q", mountpoint)
	}
	// Not SingleEntryFilter: that one stops at the first match, which for
	// stacked mounts is the bottom, hidden one. Skip foreign mount points
	// but keep scanning to the end of the table.
	infos, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		return info.Mountpoint != abs, false
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot read kernel mount table")
	}
	// Overmounts are listed in mount order; the last matching entry is the
	// one actually visible at the mount point.
	var found *Mount
	for _, info := range infos {
		if info.FSType != t.FSType {
			continue
		}
		found = &Mount{
			Device:     info.Source,
			Mountpoint: info.Mountpoint,
			ReadOnly:   hasOption(info.Options, "ro"),
			Checkpoint: checkpointOf(info.VFSOptions),
			Options:    info.Options,
		}
	}
	return found, nil
}

func hasOption(options, option string) bool {
	for _, opt := range strings.Split(options, ",") {
		if opt == option {
			return true
		}
	}
	return false
}

func checkpointOf(vfsOptions string) uint64 {
	for _, opt := range strings.Split(vfsOptions, ",") {
		value, ok := strings.CutPrefix(opt, "cp=")
		if !ok {
			continue
		}
		cno, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			continue
		}
		return cno
	}
	return 0
}
