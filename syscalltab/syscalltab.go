// Package syscalltab overrides single pointer slots in the syscall dispatch
// table. Unlike an instruction patch, a replaced slot keeps the normal
// calling convention, so the stored previous value can be called directly
// with no lift/reinstall dance.
package syscalltab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openkern/kshim/internal/klog"
	"github.com/openkern/kshim/internal/memprot"
	"github.com/openkern/kshim/symtab"
)

// TableSize bounds the syscall number space the engine will touch.
const TableSize = 512

// TableSymbol is the index name of the dispatch table.
const TableSymbol = "sys_call_table"

var (
	// ErrBadNumber means the syscall number is outside the table.
	ErrBadNumber = errors.New("syscall number out of range")
	// ErrNotOverridden means Restore was called for a slot this engine
	// never overrode.
	ErrNotOverridden = errors.New("syscall not overridden")
)

// KnownSlot pairs a syscall number with its expected handler address, for
// the fallback table scan.
type KnownSlot struct {
	Nr      int
	Handler uintptr
}

// Fallback describes how to locate the table when its index entry is
// stripped: scan from Start, accepting the first base where all four known
// slots hold their expected handlers at once.
type Fallback struct {
	Start uintptr
	Slots [symtab.AnchorCount]KnownSlot
	Limit uintptr
}

type slot struct {
	set  bool
	orig uintptr
}

// Engine overrides dispatch-table slots. Concurrent overrides of different
// numbers are safe; concurrent overrides of the same number are not, and
// the saved-original clobber on a repeated override is a known sharp edge
// kept for compatibility, not hidden.
type Engine struct {
	tab      *symtab.Table
	fallback *Fallback

	mu   sync.Mutex // guards base resolution
	base uintptr

	// protMu serializes protection toggles: different slots share pages,
	// and two concurrent writable/readonly flips on one page can leave the
	// page read-only under a pending store
	protMu sync.Mutex

	saved [TableSize]slot
	log   zerolog.Logger
}

// New returns an engine resolving the table through t, with an optional
// fallback scan for the stripped-symbol case.
func New(t *symtab.Table, fb *Fallback) *Engine {
	return &Engine{
		tab:      t,
		fallback: fb,
		log:      klog.Component("syscalltab"),
	}
}

// Base resolves and caches the dispatch table's address.
func (e *Engine) Base() (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.base != 0 {
		return e.base, nil
	}
	addr, err := e.tab.Resolve(TableSymbol)
	if err == nil {
		e.base = addr
		return addr, nil
	}
	if e.fallback == nil {
		return 0, fmt.Errorf("resolve %s: %w", TableSymbol, err)
	}
	addr, err = e.scanForTable()
	if err != nil {
		return 0, fmt.Errorf("locate %s: %w", TableSymbol, err)
	}
	e.log.Debug().Uint64("base", uint64(addr)).Msg("dispatch table located by scan")
	e.base = addr
	return addr, nil
}

// scanForTable matches four known table slots against four known handler
// addresses simultaneously, the same shape as the resolver's anchored scan
// but keyed on table contents rather than code bytes.
func (e *Engine) scanForTable() (uintptr, error) {
	anchors := make([]symtab.Anchor, 0, symtab.AnchorCount)
	for _, ks := range e.fallback.Slots {
		if ks.Nr < 0 || ks.Nr >= TableSize || ks.Handler == 0 {
			return 0, fmt.Errorf("bad known slot %d", ks.Nr)
		}
		anchors = append(anchors, symtab.Anchor{
			Offset: uintptr(ks.Nr) * memprot.PointerSize,
			Value:  ks.Handler,
		})
	}
	return symtab.Scan(e.fallback.Start, symtab.ScanConfig{
		Anchors: anchors,
		Limit:   e.fallback.Limit,
	})
}

// Override replaces slot nr with newFn and returns the previous handler.
// The first override of a slot records that handler as the original; a
// second override without an intervening Restore is almost certainly a bug,
// is logged as one, and unconditionally replaces the stored original; the
// real original is lost. Memory is writable only around the single pointer
// store.
func (e *Engine) Override(nr int, newFn uintptr) (uintptr, error) {
	if nr < 0 || nr >= TableSize {
		return 0, ErrBadNumber
	}
	base, err := e.Base()
	if err != nil {
		return 0, err
	}
	slotAddr := base + uintptr(nr)*memprot.PointerSize
	prev := memprot.ReadPointer(slotAddr)
	if e.saved[nr].set {
		klog.Bug(e.log.Warn()).Int("nr", nr).
			Uint64("lost_original", uint64(e.saved[nr].orig)).
			Msg("repeated override of syscall slot, stored original clobbered")
	}
	e.saved[nr] = slot{set: true, orig: prev}
	if err := e.writeSlot(nr, slotAddr, newFn); err != nil {
		return 0, err
	}
	e.log.Debug().Int("nr", nr).Uint64("prev", uint64(prev)).
		Uint64("new", uint64(newFn)).Msg("syscall overridden")
	return prev, nil
}

// Restore writes the stored original back into slot nr.
func (e *Engine) Restore(nr int) error {
	if nr < 0 || nr >= TableSize {
		return ErrBadNumber
	}
	if !e.saved[nr].set {
		return ErrNotOverridden
	}
	base, err := e.Base()
	if err != nil {
		return err
	}
	slotAddr := base + uintptr(nr)*memprot.PointerSize
	if err := e.writeSlot(nr, slotAddr, e.saved[nr].orig); err != nil {
		return err
	}
	e.saved[nr] = slot{}
	e.log.Debug().Int("nr", nr).Msg("syscall restored")
	return nil
}

// writeSlot performs the single pointer store with the page writable for
// only that window.
func (e *Engine) writeSlot(nr int, slotAddr, val uintptr) error {
	e.protMu.Lock()
	defer e.protMu.Unlock()
	if err := memprot.SetRangeWritable(slotAddr, memprot.PointerSize); err != nil {
		return fmt.Errorf("unprotect slot %d: %w", nr, err)
	}
	memprot.WritePointer(slotAddr, val)
	if err := memprot.SetRangeReadonly(slotAddr, memprot.PointerSize); err != nil {
		return fmt.Errorf("reprotect slot %d: %w", nr, err)
	}
	return nil
}

// Original returns the stored pre-override handler for nr, if any.
func (e *Engine) Original(nr int) (uintptr, bool) {
	if nr < 0 || nr >= TableSize || !e.saved[nr].set {
		return 0, false
	}
	return e.saved[nr].orig, true
}
