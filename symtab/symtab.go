// Package symtab maps kernel symbol names to runtime virtual addresses.
// The primary path is an exact-match index; a bounded anchored memory scan
// (see scan.go) covers the one case where the index entry is stripped.
package symtab

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openkern/kshim/internal/klog"
)

// ErrNotFound means the symbol is absent from the index: private, stripped,
// or compiled out.
var ErrNotFound = errors.New("symbol not found")

// Table is a name-to-address index.
type Table struct {
	mu     sync.RWMutex
	byName map[string]uintptr
	log    zerolog.Logger
}

// New returns an empty table.
func New() *Table {
	return &Table{
		byName: make(map[string]uintptr),
		log:    klog.Component("symtab"),
	}
}

// Add records one symbol. A later Add for the same name wins; kernel symbol
// indexes can carry duplicates and the last definition is the live one.
func (t *Table) Add(name string, addr uintptr) {
	t.mu.Lock()
	t.byName[name] = addr
	t.mu.Unlock()
}

// Resolve returns the address for name, or ErrNotFound. Resolution is
// deterministic within one table lifetime.
func (t *Table) Resolve(name string) (uintptr, error) {
	t.mu.RLock()
	addr, ok := t.byName[name]
	t.mu.RUnlock()
	if !ok || addr == 0 {
		t.log.Debug().Str("symbol", name).Msg("not in index")
		return 0, ErrNotFound
	}
	return addr, nil
}

// Len returns the number of indexed symbols.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}
