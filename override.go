// Package kshim patches live kernel code at runtime. An Override installs a
// fixed-size absolute-jump trampoline over the first instructions of a
// resolved symbol, keeps a backup of the overwritten bytes, and can lift the
// patch temporarily so the original can be called through.
package kshim

import (
	"fmt"
	"sync"

	"github.com/openkern/kshim/internal/klog"
	"github.com/openkern/kshim/internal/memprot"
	"github.com/openkern/kshim/symtab"
)

var (
	// overrides applied, keyed by resolved original address
	overrides = make(map[uintptr]*Override)
	// protects the overrides map
	lock sync.Mutex

	log = klog.Component("override")
)

// Override is one active or inactive symbol patch. The target address is an
// opaque handle: the engine never knows the original's type, only its bytes.
type Override struct {
	mu   sync.Mutex
	name string
	orig uintptr
	repl uintptr
	// generated trampoline and backup of the original patch-site bytes
	tramp [PatchSize]byte
	saved [PatchSize]byte

	installed    bool
	hasTramp     bool
	memProtected bool
	destroyed    bool
}

// NewOverride resolves name through t and prepares an override that will
// redirect it to repl. The trampoline is generated lazily on first Install.
// Resolution failure is the only recoverable error here.
func NewOverride(t *symtab.Table, name string, repl uintptr) (*Override, error) {
	addr, err := t.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	lock.Lock()
	defer lock.Unlock()
	if _, ok := overrides[addr]; ok {
		log.Error().Str("symbol", name).Msg("symbol already overridden")
		return nil, ErrDoubleOverride
	}
	o := &Override{
		name:         name,
		orig:         addr,
		repl:         repl,
		memProtected: true,
	}
	overrides[addr] = o
	return o, nil
}

// Name returns the symbol name this override was created for.
func (o *Override) Name() string { return o.name }

// Target returns the resolved address of the original symbol.
func (o *Override) Target() uintptr { return o.orig }

// Installed reports whether the trampoline is currently live.
func (o *Override) Installed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.installed
}

// SiteBytes returns a copy of the live bytes at the patch site.
func (o *Override) SiteBytes() [PatchSize]byte {
	var b [PatchSize]byte
	copy(b[:], memprot.Slice(o.orig, PatchSize))
	return b
}

// Install writes the trampoline over the original first instructions.
// Installing an installed override is a no-op success.
func (o *Override) Install() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.install(true)
}

// install does the real work; the caller holds o.mu. When reprotect is
// false the patch site is left writable, which is the call-through fast
// path saving a redundant protection round trip.
func (o *Override) install(reprotect bool) error {
	if o.destroyed {
		return ErrDestroyed
	}
	if o.installed {
		log.Debug().Str("symbol", o.name).Msg("install: already installed")
		return nil
	}
	if !o.hasTramp {
		analyzeSite(o.orig)
		copy(o.saved[:], memprot.Slice(o.orig, PatchSize))
		encodeJump(&o.tramp, o.repl)
		o.hasTramp = true
	}
	if err := o.unprotect(); err != nil {
		return err
	}
	copy(memprot.Slice(o.orig, PatchSize), o.tramp[:])
	o.installed = true
	if reprotect {
		if err := o.protect(); err != nil {
			return err
		}
	}
	log.Debug().Str("symbol", o.name).Uint64("orig", uint64(o.orig)).
		Uint64("repl", uint64(o.repl)).Msg("installed")
	return nil
}

// Uninstall restores the backed-up original bytes. Uninstalling an override
// that is not installed is a no-op success.
func (o *Override) Uninstall() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.uninstall(true)
}

func (o *Override) uninstall(reprotect bool) error {
	if o.destroyed {
		return ErrDestroyed
	}
	if !o.installed {
		log.Debug().Str("symbol", o.name).Msg("uninstall: not installed")
		return nil
	}
	if err := o.unprotect(); err != nil {
		return err
	}
	copy(memprot.Slice(o.orig, PatchSize), o.saved[:])
	o.installed = false
	if reprotect {
		if err := o.protect(); err != nil {
			return err
		}
	}
	log.Debug().Str("symbol", o.name).Msg("uninstalled")
	return nil
}

// CallThrough lifts the trampoline, hands the original address to fn, and
// reinstalls before returning. The instance lock serializes this engine's
// install/uninstall pairs only: a concurrent caller of the patched function
// itself can still land in the restored original during the window. That is
// the accepted trade-off of a fixed-size patch with no relocating
// disassembler. The patch site stays writable across the lift/reinstall
// pair.
func (o *Override) CallThrough(fn func(orig uintptr)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	was := o.installed
	if was {
		if err := o.uninstall(false); err != nil {
			return err
		}
	}
	fn(o.orig)
	if was {
		if err := o.install(true); err != nil {
			return err
		}
	}
	return nil
}

// Destroy releases the override. The trampoline must already be uninstalled;
// destroying a live patch would leave the kernel executing a trampoline
// whose backing storage is gone.
func (o *Override) Destroy() error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return ErrDestroyed
	}
	if o.installed {
		o.mu.Unlock()
		klog.Bug(log.Error()).Str("symbol", o.name).Msg("destroy with trampoline installed")
		return ErrStillInstalled
	}
	o.destroyed = true
	o.mu.Unlock()
	forget(o)
	return nil
}

// DestroyOrphaned releases the override without touching the patch site,
// for the case where the patched code itself has been unloaded and the
// bytes there are no longer ours to restore.
func (o *Override) DestroyOrphaned() error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return ErrDestroyed
	}
	o.installed = false
	o.destroyed = true
	o.mu.Unlock()
	forget(o)
	return nil
}

func forget(o *Override) {
	lock.Lock()
	delete(overrides, o.orig)
	lock.Unlock()
}

func (o *Override) unprotect() error {
	if !o.memProtected {
		return nil
	}
	if err := memprot.SetRangeWritable(o.orig, PatchSize); err != nil {
		klog.Bug(log.Error()).Str("symbol", o.name).Err(err).Msg("cannot unprotect patch site")
		return fmt.Errorf("%w: %v", ErrPatchProtect, err)
	}
	o.memProtected = false
	return nil
}

func (o *Override) protect() error {
	if o.memProtected {
		return nil
	}
	if err := memprot.SetRangeReadonly(o.orig, PatchSize); err != nil {
		klog.Bug(log.Error()).Str("symbol", o.name).Err(err).Msg("cannot reprotect patch site")
		return fmt.Errorf("%w: %v", ErrPatchProtect, err)
	}
	o.memProtected = true
	return nil
}
