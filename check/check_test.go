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

package check_test

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nilfs-dev/mountck/check"
	"github.com/nilfs-dev/mountck/mnttab"
	"github.com/nilfs-dev/mountck/utab"
)

const (
	dev = "/dev/vdb1"
	mp  = "/mnt/test"
)

// fakeMounts replays a scripted sequence of mount table observations; the
// last one sticks.
type fakeMounts struct {
	seq     []*mnttab.Mount
	lookups []string
}

func (f *fakeMounts) Lookup(mountpoint string) (*mnttab.Mount, error) {
	f.lookups = append(f.lookups, mountpoint)
	m := f.seq[0]
	if len(f.seq) > 1 {
		f.seq = f.seq[1:]
	}
	return m, nil
}

type fakeRecords struct {
	seq     []*utab.Record
	lookups [][2]string
}

func (f *fakeRecords) Lookup(source, target string) (*utab.Record, error) {
	f.lookups = append(f.lookups, [2]string{source, target})
	r := f.seq[0]
	if len(f.seq) > 1 {
		f.seq = f.seq[1:]
	}
	return r, nil
}

type fakeCleaners struct {
	seq []int
}

func (f *fakeCleaners) Find(device, mountpoint string) (int, error) {
	pid := f.seq[0]
	if len(f.seq) > 1 {
		f.seq = f.seq[1:]
	}
	return pid, nil
}

func newChecker(m *fakeMounts, r *fakeRecords, c *fakeCleaners) *check.Checker {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &check.Checker{
		Device:     dev,
		Mountpoint: mp,
		Mounts:     m,
		Records:    r,
		Cleaners:   c,
		Settle:     250 * time.Millisecond,
		Every:      10 * time.Millisecond,
		Log:        log,
	}
}

var _ = Describe("mount state checking", func() {

	It("waits for the expected state to settle", func() {
		// The mount shows up only at the third probing.
		mounts := &fakeMounts{seq: []*mnttab.Mount{
			nil, nil, {Device: dev, Mountpoint: mp},
		}}
		chk := newChecker(mounts, &fakeRecords{seq: []*utab.Record{nil}}, &fakeCleaners{seq: []int{0}})
		Expect(chk.MountedRW()).To(Succeed())
		Expect(len(mounts.lookups)).To(BeNumerically(">=", 3))
	})

	It("gives up after the settle window, naming expected and observed state", func() {
		mounts := &fakeMounts{seq: []*mnttab.Mount{
			{Device: dev, Mountpoint: mp, ReadOnly: true},
		}}
		chk := newChecker(mounts, &fakeRecords{seq: []*utab.Record{nil}}, &fakeCleaners{seq: []int{0}})
		err := chk.MountedRW()
		Expect(err).To(MatchError(ContainSubstring("writable nilfs2 mount")))
		Expect(err).To(MatchError(ContainSubstring("mounted read-only")))
	})

	It("treats a foreign device's mount as not mounted", func() {
		mounts := &fakeMounts{seq: []*mnttab.Mount{
			{Device: "/dev/vdz9", Mountpoint: mp},
		}}
		chk := newChecker(mounts, &fakeRecords{seq: []*utab.Record{nil}}, &fakeCleaners{seq: []int{0}})
		Expect(chk.NotMounted()).To(Succeed())
		Expect(chk.MountedRW()).To(MatchError(ContainSubstring("not mounted")))
	})

	It("checks the snapshot checkpoint number", func() {
		mounts := &fakeMounts{seq: []*mnttab.Mount{
			{Device: dev, Mountpoint: mp, ReadOnly: true, Checkpoint: 7},
		}}
		chk := newChecker(mounts, &fakeRecords{seq: []*utab.Record{nil}}, &fakeCleaners{seq: []int{0}})
		Expect(chk.MountedSnapshot(7)).To(Succeed())
		Expect(chk.MountedSnapshot(8)).To(
			MatchError(ContainSubstring("mounted with checkpoint 7")))
	})

	It("accepts a gcpid record only when it names the live cleaner", func() {
		records := &fakeRecords{seq: []*utab.Record{
			{Source: dev, Target: mp, Attrs: "gcpid=1234"},
		}}
		chk := newChecker(&fakeMounts{seq: []*mnttab.Mount{nil}}, records,
			&fakeCleaners{seq: []int{1234}})
		Expect(chk.GC()).To(Succeed())

		stale := newChecker(&fakeMounts{seq: []*mnttab.Mount{nil}},
			&fakeRecords{seq: []*utab.Record{
				{Source: dev, Target: mp, Attrs: "gcpid=1234"},
			}},
			&fakeCleaners{seq: []int{4321}})
		Expect(stale.GC()).To(
			MatchError(ContainSubstring("does not match running cleaner")))
	})

	It("distinguishes a no-attribute record from a missing record", func() {
		none := &fakeRecords{seq: []*utab.Record{{Source: dev, Target: mp, Attrs: "none"}}}
		chk := newChecker(&fakeMounts{seq: []*mnttab.Mount{nil}}, none, &fakeCleaners{seq: []int{0}})
		Expect(chk.UtabNone()).To(Succeed())
		Expect(chk.NoUtab()).To(MatchError(ContainSubstring("options record present")))

		missing := &fakeRecords{seq: []*utab.Record{nil}}
		chk = newChecker(&fakeMounts{seq: []*mnttab.Mount{nil}}, missing, &fakeCleaners{seq: []int{0}})
		Expect(chk.NoUtab()).To(Succeed())
		Expect(chk.UtabNone()).To(MatchError(ContainSubstring("no options record")))
	})

	It("reports cleaner state either way round", func() {
		running := &fakeCleaners{seq: []int{4711}}
		chk := newChecker(&fakeMounts{seq: []*mnttab.Mount{nil}},
			&fakeRecords{seq: []*utab.Record{nil}}, running)
		Expect(chk.Cleanerd()).To(Succeed())
		Expect(chk.NoCleanerd()).To(
			MatchError(ContainSubstring("cleaner daemon running as pid 4711")))
	})

	It("directs predicates at an overridden mount point", func() {
		records := &fakeRecords{seq: []*utab.Record{nil}}
		chk := newChecker(&fakeMounts{seq: []*mnttab.Mount{nil}}, records,
			&fakeCleaners{seq: []int{0}})
		Expect(chk.NoUtab("/mnt/snapshot")).To(Succeed())
		Expect(records.lookups).To(ContainElement([2]string{dev, "/mnt/snapshot"}))
	})

})
