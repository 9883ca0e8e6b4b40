package symtab

import (
	"debug/elf"
	"fmt"
)

// LoadELF builds a table from the symbol table of an ELF object, typically
// an uncompressed kernel image or a module.
func LoadELF(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("symbols %s: %w", path, err)
	}
	t := New()
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		t.Add(s.Name, uintptr(s.Value))
	}
	t.log.Debug().Str("path", path).Int("symbols", t.Len()).Msg("loaded ELF symtab")
	return t, nil
}
