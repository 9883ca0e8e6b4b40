package symtab

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LoadKallsyms parses a kallsyms-format listing ("addr type name [module]")
// into a table. Entries whose address reads as zero are skipped: they show
// up when the reader lacks the privilege to see real addresses, and indexing
// them would make every resolution return a garbage zero handle.
func LoadKallsyms(r io.Reader) (*Table, error) {
	t := New()
	zeros := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		if addr == 0 {
			zeros++
			continue
		}
		t.Add(fields[2], uintptr(addr))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read kallsyms: %w", err)
	}
	if t.Len() == 0 && zeros > 0 {
		return nil, fmt.Errorf("all addresses are zero (insufficient privilege)")
	}
	t.log.Debug().Int("symbols", t.Len()).Int("zero_addresses", zeros).Msg("loaded kallsyms")
	return t, nil
}
