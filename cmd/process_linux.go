// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package cmd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetProcessName sets the kernel comm name shown by ps and top. Names are
// truncated to 15 bytes.
func SetProcessName(name string) error {
	if len(name) > 15 {
		name = name[:15]
	}
	buf := append([]byte(name), 0)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
