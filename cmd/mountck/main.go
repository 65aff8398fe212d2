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

// mountck validates the mount/remount/unmount lifecycle of a NILFS2
// filesystem against a real block device, by driving mount(8) through a
// fixed roster of scenarios and verifying the kernel mount table, the
// userspace mount options records and the cleaner daemon after every step.
//
//	mountck [-v] [-d DEVICE] MOUNTPOINT SNAPSHOT-MOUNTPOINT
//
// Careful: the run mounts, remounts and unmounts the filesystem many times
// over; never point it at a device holding data you care about.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nilfs-dev/mountck/check"
	"github.com/nilfs-dev/mountck/cleaner"
	"github.com/nilfs-dev/mountck/mnttab"
	"github.com/nilfs-dev/mountck/mountcmd"
	"github.com/nilfs-dev/mountck/scenario"
	"github.com/nilfs-dev/mountck/utab"
)

type options struct {
	Device  string `short:"d" long:"device" value-name:"DEVICE" description:"nilfs2 block device backing the mount point (adopted from an active mount when omitted)"`
	Verbose bool   `short:"v" long:"verbose" description:"enable debug logging"`
	List    bool   `short:"l" long:"list" description:"list the scenarios and exit"`

	Args struct {
		Mountpoint         string `positional-arg-name:"MOUNTPOINT"`
		SnapshotMountpoint string `positional-arg-name:"SNAPSHOT-MOUNTPOINT"`
	} `positional-args:"yes"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[-v] [-d DEVICE] MOUNTPOINT SNAPSHOT-MOUNTPOINT"
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		// go-flags already wrote the complaint to stderr.
		return 1
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if opts.List {
		for _, sc := range scenario.All() {
			fmt.Printf("%-24s %s\n", sc.Name, sc.Description)
		}
		return 0
	}

	if opts.Args.Mountpoint == "" || opts.Args.SnapshotMountpoint == "" {
		parser.WriteHelp(os.Stderr)
		return 1
	}

	if err := conform(log, &opts); err != nil {
		log.Errorf("FAIL: %v", err)
		return 1
	}
	log.Info("all scenarios passed")
	return 0
}

// conform wires the real probes and tools into a scenario context, prepares
// the fixture baseline and runs the full roster.
func conform(log logrus.FieldLogger, opts *options) error {
	tool := mountcmd.New(log)
	if opts.Device != "" {
		if err := tool.CheckDevice(opts.Device); err != nil {
			return errors.Wrap(err, "device precondition")
		}
	}

	clean := cleaner.New()
	ctx := &scenario.Context{
		Device:             opts.Device,
		Mountpoint:         opts.Args.Mountpoint,
		SnapshotMountpoint: opts.Args.SnapshotMountpoint,
		Ops:                tool,
		Cp:                 tool,
		Cleaners:           clean,
		Check: &check.Checker{
			Device:     opts.Device,
			Mountpoint: opts.Args.Mountpoint,
			Mounts:     mnttab.New(),
			Records:    utab.New(),
			Cleaners:   clean,
			Log:        log,
		},
		Log: log,
	}

	if err := ctx.Prepare(); err != nil {
		return errors.Wrap(err, "fixture preparation")
	}
	return scenario.RunAll(ctx, scenario.All())
}
