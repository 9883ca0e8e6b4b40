package symtab

import (
	"errors"
	"fmt"

	"github.com/openkern/kshim/internal/memprot"
)

// AnchorCount is the number of independent (offset, value) pairs that must
// match simultaneously before a scan hit is accepted. Four pointer-sized
// matches make a false positive astronomically unlikely over any plausible
// scan range.
const AnchorCount = 4

// DefaultScanLimit bounds a fallback scan. An unbounded scan over kernel
// memory is a design defect; a few megabytes covers the distance between
// the anchor symbols and the stripped target in practice.
const DefaultScanLimit = 4 << 20

// Anchor is one expected pointer value at a fixed offset from the candidate
// base address.
type Anchor struct {
	Offset uintptr
	Value  uintptr
}

// ScanConfig describes a bounded anchored scan.
type ScanConfig struct {
	Anchors []Anchor
	// Limit bounds the scanned range in bytes; DefaultScanLimit when zero.
	Limit uintptr
}

// Validate rejects configs the scanner cannot trust.
func (c *ScanConfig) Validate() error {
	if len(c.Anchors) != AnchorCount {
		return fmt.Errorf("need exactly %d anchors, have %d", AnchorCount, len(c.Anchors))
	}
	if c.Limit == 0 {
		c.Limit = DefaultScanLimit
	}
	return nil
}

// Scan walks [start, start+Limit) one pointer width at a time and returns
// the first base address where every anchor matches, or ErrNotFound when
// the range is exhausted. The caller must guarantee the whole range plus
// the largest anchor offset is readable.
func Scan(start uintptr, cfg ScanConfig) (uintptr, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	for off := uintptr(0); off < cfg.Limit; off += memprot.PointerSize {
		base := start + off
		if matchAll(base, cfg.Anchors) {
			return base, nil
		}
	}
	return 0, ErrNotFound
}

func matchAll(base uintptr, anchors []Anchor) bool {
	for _, a := range anchors {
		if memprot.ReadPointer(base+a.Offset) != a.Value {
			return false
		}
	}
	return true
}

// LowestBase returns the smallest of the given addresses; scans anchored on
// nearby symbols start at the lowest one.
func LowestBase(addrs ...uintptr) (uintptr, error) {
	if len(addrs) == 0 {
		return 0, errors.New("no anchor addresses")
	}
	low := addrs[0]
	for _, a := range addrs[1:] {
		if a < low {
			low = a
		}
	}
	return low, nil
}
