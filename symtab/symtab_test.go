package symtab

import (
	"strings"
	"testing"

	"github.com/sdmdg/Hashx86-sub000/defs"
)

func TestRegisterAndLookup(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Register("kmalloc", 0x1000); err != defs.EOK {
		t.Fatalf("Register: %v", err)
	}
	addr, ok := tbl.Lookup("kmalloc")
	if !ok {
		t.Fatal("Lookup failed for a just-registered symbol")
	}
	if addr != 0x1000 {
		t.Fatalf("addr = 0x%x, want 0x1000", addr)
	}
	if _, ok := tbl.Lookup("nonexistent"); ok {
		t.Fatal("Lookup succeeded for a name that was never registered")
	}
}

func TestRegisterRejectsOverlongName(t *testing.T) {
	tbl := NewTable()
	long := strings.Repeat("x", MaxNameLen+1)
	if err := tbl.Register(long, 0); err != defs.ENAMETOOLONG {
		t.Fatalf("Register(overlong name) = %v, want ENAMETOOLONG", err)
	}
}

func TestRegisterRejectsWhenFull(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < MaxEntries; i++ {
		if err := tbl.Register(strings.Repeat("a", 1)+string(rune('A'+i%26)), uint32(i)); err != defs.EOK {
			t.Fatalf("Register #%d: %v", i, err)
		}
	}
	if err := tbl.Register("overflow", 0); err != defs.ESYMFULL {
		t.Fatalf("Register past capacity = %v, want ESYMFULL", err)
	}
}

func TestResolveFindsClosestAtOrBelow(t *testing.T) {
	tbl := NewTable()
	tbl.Register("kmalloc", 0x1000)
	tbl.Register("kfree", 0x2000)

	name, off, ok := tbl.Resolve(0x1010)
	if !ok {
		t.Fatal("Resolve failed for an address inside kmalloc's range")
	}
	if name != "kmalloc" || off != 0x10 {
		t.Fatalf("Resolve = (%s, 0x%x), want (kmalloc, 0x10)", name, off)
	}
}

func TestResolveRejectsOffsetBeyondLimit(t *testing.T) {
	tbl := NewTable()
	tbl.Register("kmalloc", 0x1000)
	if _, _, ok := tbl.Resolve(0x1000 + 0x100001); ok {
		t.Fatal("Resolve should reject a match more than 1 MiB past the symbol's address")
	}
}

func TestResolveBeforeAnySymbolFails(t *testing.T) {
	tbl := NewTable()
	tbl.Register("kmalloc", 0x1000)
	if _, _, ok := tbl.Resolve(0x10); ok {
		t.Fatal("Resolve should fail when eip is below every registered symbol")
	}
}

func TestLoadMapFileParsesAndSkipsMalformed(t *testing.T) {
	tbl := NewTable()
	input := strings.NewReader(strings.Join([]string{
		"0x00001000 kmalloc",
		"# a comment line",
		"",
		"not-a-symbol-line",
		"0x00002000 kfree",
	}, "\n"))
	n, err := tbl.LoadMapFile(input)
	if err != nil {
		t.Fatalf("LoadMapFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d entries, want 2", n)
	}
	if addr, ok := tbl.Lookup("kfree"); !ok || addr != 0x2000 {
		t.Fatalf("kfree lookup = (0x%x, %v), want (0x2000, true)", addr, ok)
	}
}
