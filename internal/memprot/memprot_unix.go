//go:build unix

// Package memprot flips the writable attribute on the pages backing an
// arbitrary virtual address range. Callers are responsible for serializing
// toggles on overlapping ranges; the package itself holds no locks.
package memprot

import (
	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the system page size used for range alignment.
func PageSize() uintptr {
	return pageSize
}

// SetRangeWritable makes every page covering [addr, addr+size) writable,
// keeping read and execute permissions.
func SetRangeWritable(addr, size uintptr) error {
	return protectRange(addr, size, unix.PROT_EXEC|unix.PROT_READ|unix.PROT_WRITE)
}

// SetRangeReadonly removes write permission from every page covering
// [addr, addr+size).
func SetRangeReadonly(addr, size uintptr) error {
	return protectRange(addr, size, unix.PROT_EXEC|unix.PROT_READ)
}

func protectRange(addr, size uintptr, prot int) error {
	start := pageSize * (addr / pageSize)
	length := pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	for i := uintptr(0); i < length; i += pageSize {
		err := unix.Mprotect(Slice(start+i, pageSize), prot)
		if err != nil {
			return err
		}
	}
	return nil
}
