//go:build unix

// Demo: builds a synthetic code region standing in for kernel text, then
// walks the full patch lifecycle against it: resolve, install, call-through,
// restore, plus a dispatch-table slot override.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openkern/kshim"
	"github.com/openkern/kshim/internal/memprot"
	"github.com/openkern/kshim/symtab"
	"github.com/openkern/kshim/syscalltab"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kshim:", err)
		os.Exit(1)
	}
}

func run() error {
	mem, err := unix.Mmap(-1, 0, 1<<16,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	defer unix.Munmap(mem)
	base := uintptr(unsafe.Pointer(&mem[0]))

	// plant a fake function and a fake dispatch table
	copy(mem[256:], []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0xc3})
	tableBase := base + 0x4000
	for nr := 0; nr < 16; nr++ {
		memprot.WritePointer(tableBase+uintptr(nr)*memprot.PointerSize, base+0x8000+uintptr(nr)*0x40)
	}

	tab := symtab.New()
	tab.Add("sd_probe", base+256)
	tab.Add(syscalltab.TableSymbol, tableBase)

	o, err := kshim.NewOverride(tab, "sd_probe", base+0x6000)
	if err != nil {
		return err
	}
	fmt.Printf("sd_probe at %#x, site before: % x\n", o.Target(), sample(o))
	if err := o.Install(); err != nil {
		return err
	}
	fmt.Printf("installed, site now:          % x\n", sample(o))
	err = o.CallThrough(func(orig uintptr) {
		fmt.Printf("call-through sees original at %#x, site: % x\n", orig, sample(o))
	})
	if err != nil {
		return err
	}
	if err := o.Uninstall(); err != nil {
		return err
	}
	fmt.Printf("restored, site after:         % x\n", sample(o))
	if err := o.Destroy(); err != nil {
		return err
	}

	eng := syscalltab.New(tab, nil)
	orig, err := eng.Override(5, base+0x7000)
	if err != nil {
		return err
	}
	fmt.Printf("syscall 5: original %#x overridden\n", orig)
	if err := eng.Restore(5); err != nil {
		return err
	}
	fmt.Println("syscall 5 restored")
	return nil
}

func sample(o *kshim.Override) []byte {
	b := o.SiteBytes()
	return b[:]
}
