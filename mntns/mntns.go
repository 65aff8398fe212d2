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

// Package mntns provides test support for exercising the real mount table
// probes without touching the host: tests enter a transient mount namespace
// with private propagation, mount scratch filesystems there, and leave the
// host's mounts exactly as they were. Helpers are Ginkgo/Gomega based and
// fail the current test on any mishap; the namespace-entering ones need
// root.
package mntns

import (
	"fmt"
	"runtime"

	"github.com/thediveo/ioctl"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // ST1001 rule does not apply
	. "github.com/onsi/gomega"    //nolint:staticcheck // ST1001 rule does not apply
)

// Linux kernel ioctl(2) command for namespace relationship queries, see
// https://elixir.bootlin.com/linux/v6.2.11/source/include/uapi/linux/nsfs.h
const _NSIO = 0xb7

// NS_GET_NSTYPE returns the CLONE_NEW* type of the namespace referenced by
// a file descriptor.
var NS_GET_NSTYPE = ioctl.IO(_NSIO, 0x3)

// Avoid problems that would happen when we accidentally unshare the initial
// thread, so we lock it here, thus ensuring that other Go routines (and
// especially tests) won't ever get scheduled onto the initial thread
// anymore.
func init() {
	runtime.LockOSThread()
}

// EnterTransient creates and enters a new mount namespace, returning a
// function that needs to be defer'ed. It additionally remounts “/” in this
// new mount namespace to set propagation of mount points to “private”, so
// that mount point changes made by a test cannot propagate back into the
// host.
//
// Note: the current OS-level thread won't be unlocked when the calling unit
// test returns, as we cannot undo unsharing filesystem attributes (using
// CLONE_FS) such as the root directory, current directory, and umask
// attributes.
func EnterTransient() func() {
	GinkgoHelper()

	runtime.LockOSThread() // ...kind of point of no return

	callersMountNamespace, err := unix.Open("/proc/thread-self/ns/mnt", unix.O_RDONLY, 0)
	Expect(err).NotTo(HaveOccurred(), "cannot determine current mount namespace from procfs")

	// Decouple some filesystem-related attributes of this thread from the
	// ones of our process...
	Expect(unix.Unshare(unix.CLONE_FS|unix.CLONE_NEWNS)).To(Succeed(),
		"cannot create new mount namespace")
	// Remount root to ensure that later mount point manipulations do not
	// propagate back into our host, trashing it.
	Expect(unix.Mount("none", "/", "/", unix.MS_REC|unix.MS_PRIVATE, "")).To(Succeed(),
		"cannot change / mount propagation to private")

	// Our cleanup cannot be DeferCleanup'ed, because we need to restore the
	// current locked go routine, so that the defer rollback sequence is kept
	// correct.
	return func() {
		if err := unix.Setns(callersMountNamespace, 0); err != nil {
			panic(fmt.Sprintf("cannot restore original mount namespace, reason: %s", err.Error()))
		}
		_ = unix.Close(callersMountNamespace)
		// do NOT unlock the OS-level thread, as we cannot undo unsharing
		// CLONE_FS
	}
}

// Ino returns the identification (inode number) of the mount namespace
// referenced by a VFS path such as “/proc/self/ns/mnt”.
//
// If the reference is invalid or not a mount namespace, Ino fails the
// current test.
func Ino(ref string) uint64 {
	GinkgoHelper()

	fd, err := unix.Open(ref, unix.O_RDONLY, 0)
	Expect(err).NotTo(HaveOccurred(), "cannot open namespace reference %q", ref)
	defer func() { _ = unix.Close(fd) }()

	typ, err := unix.IoctlRetInt(fd, NS_GET_NSTYPE)
	Expect(err).NotTo(HaveOccurred(), "cannot determine type of namespace %q", ref)
	Expect(typ).To(Equal(unix.CLONE_NEWNS), "%q is not a mount namespace", ref)

	var namespaceStat unix.Stat_t
	Expect(unix.Fstat(fd, &namespaceStat)).To(Succeed(),
		"cannot stat namespace reference %q", ref)
	return namespaceStat.Ino
}

// CurrentIno returns the identification (inode number) of the mount
// namespace the calling OS-level thread is currently attached to.
func CurrentIno() uint64 {
	GinkgoHelper()

	return Ino("/proc/thread-self/ns/mnt")
}
