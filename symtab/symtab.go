// Package symtab implements the kernel symbol table: an append-only,
// linearly scanned list of (name, address) pairs used both to resolve
// undefined symbols when linking a relocatable driver object and to label
// addresses in a panic screen's stack trace. The table never deletes an
// entry and never grows past its fixed capacity; kernels don't unload
// their own symbols at runtime; appending is all the lifecycle this needs.
package symtab

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sdmdg/Hashx86-sub000/defs"
)

// MaxEntries bounds the table so a malformed or hostile map file cannot
// make symbol lookups grow unbounded; this number comfortably covers every
// externally visible kernel entry point this system exposes to drivers.
const MaxEntries = 1024

// MaxNameLen bounds an individual symbol name.
const MaxNameLen = 64

type symbol struct {
	name string
	addr uint32
}

// Table is the kernel's live symbol table.
type Table struct {
	mu   sync.RWMutex
	syms []symbol
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{syms: make([]symbol, 0, 64)}
}

// Register appends a new symbol. It fails with ENAMETOOLONG if name
// exceeds MaxNameLen, and ESYMFULL once the table is at capacity; it never
// overwrites or removes an existing entry, including one with the same
// name, so two Register calls for the same symbol leave both visible to
// Lookup (the first hit on a linear scan wins).
func (t *Table) Register(name string, addr uint32) defs.Err_t {
	if len(name) == 0 || len(name) > MaxNameLen {
		return defs.ENAMETOOLONG
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.syms) >= MaxEntries {
		return defs.ESYMFULL
	}
	t.syms = append(t.syms, symbol{name: name, addr: addr})
	return defs.EOK
}

// Lookup returns the address of the first-registered symbol with the
// given name, linearly scanning the table in registration order.
func (t *Table) Lookup(name string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.syms {
		if s.name == name {
			return s.addr, true
		}
	}
	return 0, false
}

// Resolve finds the symbol whose address is the closest one at-or-below
// eip, for labeling a stack trace entry. It rejects a match whose offset
// exceeds 1 MiB, on the grounds that a gap that large almost certainly
// means eip belongs to no known symbol at all rather than to one with an
// enormous body.
func (t *Table) Resolve(eip uint32) (name string, offset uint32, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var bestAddr uint32
	var bestName string
	found := false
	for _, s := range t.syms {
		if s.addr <= eip && (!found || s.addr >= bestAddr) {
			bestAddr = s.addr
			bestName = s.name
			found = true
		}
	}
	if !found {
		return "", 0, false
	}
	off := eip - bestAddr
	if off > 0x100000 {
		return "", 0, false
	}
	return bestName, off, true
}

// Len reports how many symbols are currently registered.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.syms)
}

// LoadMapFile parses a plain-text symbol map, one entry per line in the
// form "0xHHHHHHHH<whitespace>NAME", registering every well-formed line and
// skipping the rest (blank lines, comments, anything not starting with
// "0x"). It stops at the first line Register rejects (ESYMFULL once the
// table is full, ENAMETOOLONG for an overlong name) and returns that error
// wrapped with the line number.
func (t *Table) LoadMapFile(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	loaded := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "0x") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0][2:], 16, 32)
		if err != nil {
			continue
		}
		if err := t.Register(fields[1], uint32(addr)); err != defs.EOK {
			return loaded, fmt.Errorf("symtab: line %d: %w", lineNo, err)
		}
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, err
	}
	return loaded, nil
}
