//go:build unix

package kshim

import (
	"bytes"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openkern/kshim/symtab"
)

// mapRegion allocates an anonymous RWX mapping to stand in for kernel text.
func mapRegion(t *testing.T, size int) []byte {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	return mem
}

// plantFunc writes a decodable prologue at off: push rbp, mov rbp/rsp,
// nop sled, ret.
func plantFunc(mem []byte, off int) {
	code := []byte{0x55, 0x48, 0x89, 0xe5}
	copy(mem[off:], code)
	for i := off + len(code); i < off+31; i++ {
		mem[i] = 0x90
	}
	mem[off+31] = 0xc3
}

func regionBase(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

func TestInstallUninstallRoundTrip(t *testing.T) {
	mem := mapRegion(t, 4096)
	plantFunc(mem, 64)
	base := regionBase(mem)
	target := base + 64
	repl := base + 512

	tab := symtab.New()
	tab.Add("target_fn", target)

	var before [PatchSize]byte
	copy(before[:], mem[64:64+PatchSize])

	o, err := NewOverride(tab, "target_fn", repl)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}
	defer func() {
		o.Uninstall()
		o.Destroy()
	}()

	if o.Target() != target {
		t.Errorf("Target() = %#x, want %#x", o.Target(), target)
	}
	if o.Installed() {
		t.Error("installed before Install")
	}

	if err := o.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !o.Installed() {
		t.Error("not installed after Install")
	}

	var want [PatchSize]byte
	encodeJump(&want, repl)
	got := o.SiteBytes()
	if got != want {
		t.Errorf("patch site = % x, want % x", got, want)
	}
	if dst, ok := decodeJumpTarget(got[:]); !ok || dst != repl {
		t.Errorf("decodeJumpTarget = %#x, %v, want %#x", dst, ok, repl)
	}

	// install is idempotent, byte for byte
	if err := o.Install(); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if got2 := o.SiteBytes(); got2 != got {
		t.Errorf("second install changed site: % x vs % x", got2, got)
	}

	if err := o.Uninstall(); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if after := o.SiteBytes(); after != before {
		t.Errorf("after uninstall site = % x, want % x", after, before)
	}

	// uninstall is idempotent too
	if err := o.Uninstall(); err != nil {
		t.Fatalf("second Uninstall: %v", err)
	}
	if after := o.SiteBytes(); after != before {
		t.Errorf("after second uninstall site = % x, want % x", after, before)
	}
}

func TestCallThrough(t *testing.T) {
	mem := mapRegion(t, 4096)
	plantFunc(mem, 128)
	base := regionBase(mem)
	target := base + 128
	repl := base + 1024

	var before [PatchSize]byte
	copy(before[:], mem[128:128+PatchSize])

	tab := symtab.New()
	tab.Add("ct_target", target)
	o, err := NewOverride(tab, "ct_target", repl)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}
	defer func() {
		o.Uninstall()
		o.Destroy()
	}()
	if err := o.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}

	called := false
	err = o.CallThrough(func(orig uintptr) {
		called = true
		if orig != target {
			t.Errorf("orig = %#x, want %#x", orig, target)
		}
		// the trampoline must be lifted while the original runs
		live := o.SiteBytes()
		if live != before {
			t.Errorf("site during call-through = % x, want original % x", live, before)
		}
	})
	if err != nil {
		t.Fatalf("CallThrough: %v", err)
	}
	if !called {
		t.Fatal("call-through callback never ran")
	}
	if !o.Installed() {
		t.Error("not reinstalled after call-through")
	}
	var tramp [PatchSize]byte
	encodeJump(&tramp, repl)
	if live := o.SiteBytes(); live != tramp {
		t.Errorf("site after call-through = % x, want trampoline % x", live, tramp)
	}
}

func TestCallThroughNotInstalled(t *testing.T) {
	mem := mapRegion(t, 4096)
	plantFunc(mem, 64)
	base := regionBase(mem)

	tab := symtab.New()
	tab.Add("ct_idle", base+64)
	o, err := NewOverride(tab, "ct_idle", base+512)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}
	defer o.Destroy()

	called := false
	if err := o.CallThrough(func(uintptr) { called = true }); err != nil {
		t.Fatalf("CallThrough: %v", err)
	}
	if !called {
		t.Error("callback not run for idle override")
	}
	if o.Installed() {
		t.Error("call-through on idle override must not install")
	}
}

func TestDoubleOverride(t *testing.T) {
	mem := mapRegion(t, 4096)
	plantFunc(mem, 64)
	base := regionBase(mem)

	tab := symtab.New()
	tab.Add("dup_fn", base+64)
	o, err := NewOverride(tab, "dup_fn", base+512)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}
	defer o.Destroy()

	if _, err := NewOverride(tab, "dup_fn", base+768); err != ErrDoubleOverride {
		t.Errorf("second NewOverride err = %v, want ErrDoubleOverride", err)
	}
}

func TestResolutionFailure(t *testing.T) {
	tab := symtab.New()
	if _, err := NewOverride(tab, "no_such_symbol", 0x1234); err == nil {
		t.Fatal("expected resolution error")
	}
}

func TestDestroyStates(t *testing.T) {
	mem := mapRegion(t, 4096)
	plantFunc(mem, 64)
	base := regionBase(mem)

	tab := symtab.New()
	tab.Add("destroy_fn", base+64)
	o, err := NewOverride(tab, "destroy_fn", base+512)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}
	if err := o.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := o.Destroy(); err != ErrStillInstalled {
		t.Errorf("Destroy while installed = %v, want ErrStillInstalled", err)
	}
	if err := o.Uninstall(); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if err := o.Destroy(); err != nil {
		t.Fatalf("Destroy after uninstall: %v", err)
	}
	if err := o.Install(); err != ErrDestroyed {
		t.Errorf("Install after destroy = %v, want ErrDestroyed", err)
	}
	if err := o.Destroy(); err != ErrDestroyed {
		t.Errorf("second Destroy = %v, want ErrDestroyed", err)
	}

	// the address is free for a fresh override again
	o2, err := NewOverride(tab, "destroy_fn", base+768)
	if err != nil {
		t.Fatalf("NewOverride after destroy: %v", err)
	}
	o2.Destroy()
}

func TestDestroyOrphaned(t *testing.T) {
	mem := mapRegion(t, 4096)
	plantFunc(mem, 64)
	base := regionBase(mem)

	var before [PatchSize]byte
	copy(before[:], mem[64:64+PatchSize])

	tab := symtab.New()
	tab.Add("orphan_fn", base+64)
	o, err := NewOverride(tab, "orphan_fn", base+512)
	if err != nil {
		t.Fatalf("NewOverride: %v", err)
	}
	if err := o.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := o.DestroyOrphaned(); err != nil {
		t.Fatalf("DestroyOrphaned: %v", err)
	}
	// the site is deliberately left untouched
	if bytes.Equal(mem[64:64+PatchSize], before[:]) {
		t.Error("DestroyOrphaned restored the site; it must not touch memory")
	}
}

func TestEncodeDecodeJump(t *testing.T) {
	addrs := []uintptr{0, 1, 0xffffffff81000000, ^uintptr(0)}
	for _, addr := range addrs {
		var buf [PatchSize]byte
		encodeJump(&buf, addr)
		got, ok := decodeJumpTarget(buf[:])
		if !ok || got != addr {
			t.Errorf("round trip %#x -> %#x, ok=%v", addr, got, ok)
		}
	}
	if _, ok := decodeJumpTarget([]byte{0x90, 0x90}); ok {
		t.Error("decoded a jump from junk")
	}
}
