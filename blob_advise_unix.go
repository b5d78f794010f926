// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

//go:build unix

package seqvault

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// adviseDontNeed tells the kernel the mapped range backing b will not be
// needed again soon. The map is a shared file mapping, so dropped pages are
// re-faulted from the file on the next access; only the page cache is
// affected. madvise requires a page-aligned address, so the range is
// extended down to the containing page boundary. Advice failures are
// ignored.
func adviseDontNeed(b []byte) {
	if len(b) == 0 {
		return
	}
	page := uintptr(os.Getpagesize())
	addr := uintptr(unsafe.Pointer(&b[0]))
	off := addr % page
	region := unsafe.Slice((*byte)(unsafe.Pointer(addr-off)), int(uintptr(len(b))+off))
	_ = unix.Madvise(region, unix.MADV_DONTNEED)
}
