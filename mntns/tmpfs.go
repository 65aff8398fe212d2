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

package mntns

import (
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // ST1001 rule does not apply
	. "github.com/onsi/gomega"    //nolint:staticcheck // ST1001 rule does not apply
)

// MountTmpfs mounts a new tmpfs instance with the given source tag onto the
// target directory when the caller is in a new and transient mount
// namespace. Otherwise, MountTmpfs will fail the current test: a scratch
// mount in the process's original mount namespace would trash the host's
// mount table, which is exactly what the transient namespace is there to
// prevent. Additional mount flags, such as unix.MS_RDONLY, can be passed in
// when a test needs them.
func MountTmpfs(source, target string, extraflags ...uintptr) {
	GinkgoHelper()

	// Ensure that we're not still in the process's original mount namespace,
	// as otherwise we would litter the host with scratch mounts.
	Expect(CurrentIno()).NotTo(Equal(Ino("/proc/self/ns/mnt")),
		"current mount namespace must not be the process's original mount namespace")

	flags := uintptr(unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID)
	for _, extra := range extraflags {
		flags |= extra
	}
	Expect(unix.Mount(source, target, "tmpfs", flags, "size=1m")).To(Succeed(),
		"cannot mount scratch tmpfs instance on %s", target)
}

// Unmount detaches whatever is mounted at the target inside the transient
// mount namespace, failing the current test when the target is not mounted.
func Unmount(target string) {
	GinkgoHelper()

	Expect(CurrentIno()).NotTo(Equal(Ino("/proc/self/ns/mnt")),
		"current mount namespace must not be the process's original mount namespace")

	Expect(unix.Unmount(target, 0)).To(Succeed(), "cannot unmount %s", target)
}
