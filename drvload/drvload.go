// Package drvload implements the relocatable driver loader: it accepts a
// compiled ET_REL ELF object, allocates kernel heap space for each
// allocatable section, applies the object's relocations against that heap
// layout (resolving external symbols through the kernel symbol table), and
// hands back the address of the driver's well-known entry point,
// CreateDriverInstance. A driver is never linked against user memory; its
// sections live in the kernel heap and are therefore always mapped in
// every address space.
package drvload

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/heap"
	"github.com/sdmdg/Hashx86-sub000/klog"
	"github.com/sdmdg/Hashx86-sub000/symtab"
)

// driverInfoSection is the well-known section name a driver object embeds
// its manifest in.
const driverInfoSection = ".driver_info"

// driverInfoMagic tags a valid manifest, guarding against loading a
// section that happens to be named .driver_info but predates the current
// Manifest layout.
const driverInfoMagic = 0xd12113e5

// entryPointSymbol is the factory function every driver object exports.
const entryPointSymbol = "CreateDriverInstance"

// Manifest describes a driver object: its identity and the hardware IDs it
// claims to support, used by Probe to decide whether a driver is worth
// loading before committing heap space to it.
type Manifest struct {
	Name     string
	Version  string
	Devices  [4]DeviceID
}

// DeviceID is one vendor/device pair a driver declares support for. A
// zero-valued entry (Vendor == 0) terminates the list early.
type DeviceID struct {
	Vendor, Device uint16
}

const manifestRawSize = 4 + 32 + 16 + 4*4 // magic + name + version + 4 device pairs

// Probe reads a driver object's manifest without loading it, returning
// ok=false (not an error) if the object has no .driver_info section or the
// section fails its magic check - a driver that simply isn't present on
// this machine's bus is not a load failure.
func Probe(r io.ReaderAt) (m Manifest, ok bool, err error) {
	f, ferr := elf.NewFile(r)
	if ferr != nil {
		return Manifest{}, false, fmt.Errorf("drvload: %w", ferr)
	}
	defer f.Close()

	sec := f.Section(driverInfoSection)
	if sec == nil {
		return Manifest{}, false, nil
	}
	raw, rerr := sec.Data()
	if rerr != nil {
		return Manifest{}, false, fmt.Errorf("drvload: reading manifest: %w", rerr)
	}
	if len(raw) < manifestRawSize {
		return Manifest{}, false, nil
	}
	return decodeManifest(raw)
}

func decodeManifest(raw []byte) (Manifest, bool, error) {
	magic := le32(raw, 0)
	if magic != driverInfoMagic {
		return Manifest{}, false, nil
	}
	m := Manifest{
		Name:    cstr(raw[4:36]),
		Version: cstr(raw[36:52]),
	}
	for i := 0; i < 4; i++ {
		off := 52 + i*4
		m.Devices[i] = DeviceID{Vendor: le16(raw, off), Device: le16(raw, off+2)}
	}
	return m, true, nil
}

// Supports reports whether the manifest declares support for the given
// vendor/device pair.
func (m Manifest) Supports(vendor, device uint16) bool {
	for _, d := range m.Devices {
		if d.Vendor == 0 {
			break
		}
		if d.Vendor == vendor && d.Device == device {
			return true
		}
	}
	return false
}

// Load links a driver object into the kernel heap and returns the address
// of its CreateDriverInstance entry point. log may be nil; an external
// symbol the kernel symbol table cannot resolve is logged and the
// relocation proceeds with a value of zero rather than aborting the load,
// leaving the caller to inherit whatever fault results.
func Load(r io.ReaderAt, h *heap.Heap, syms *symtab.Table, log *klog.Logger) (entry uint32, err defs.Err_t) {
	f, ferr := elf.NewFile(r)
	if ferr != nil {
		return 0, defs.EBADIMAGE
	}
	defer f.Close()

	if f.Type != elf.ET_REL {
		return 0, defs.EBADIMAGE
	}

	sectionAddr := make([]uint32, len(f.Sections))
	for i, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if sec.Size == 0 {
			continue
		}
		_, addr, herr := h.Kmalloc(int(sec.Size))
		if herr != defs.EOK {
			return 0, herr
		}
		sectionAddr[i] = addr

		if sec.Type != elf.SHT_NOBITS {
			data, derr := sec.Data()
			if derr != nil {
				return 0, defs.EBADIMAGE
			}
			dst := sectionBytes(h, addr, int(sec.Size))
			copy(dst, data)
		}
	}

	elfSyms, _ := f.Symbols()

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_REL {
			continue
		}
		relData, derr := sec.Data()
		if derr != nil {
			return 0, defs.EBADIMAGE
		}
		targetIdx := sec.Info
		targetBase := sectionAddr[targetIdx]

		for off := 0; off+8 <= len(relData); off += 8 {
			relOffset := le32(relData, off)
			info := le32(relData, off+4)
			symIdx := info >> 8
			relType := elf.R_386(info & 0xff)

			// f.Symbols() drops the all-zero symbol at index 0, so a
			// relocation's symbol index (which counts from the real ELF
			// table, index 0 included) is one past its position in
			// elfSyms.
			if symIdx == 0 || int(symIdx-1) >= len(elfSyms) {
				return 0, defs.EBADIMAGE
			}
			sym := elfSyms[symIdx-1]

			var symVal uint32
			if sym.Section == elf.SHN_UNDEF {
				addr, ok := syms.Lookup(sym.Name)
				if !ok {
					if log != nil {
						log.Warn("drvload: unresolved external symbol", "symbol", sym.Name)
					}
					symVal = 0
				} else {
					symVal = addr
				}
			} else {
				symVal = sectionAddr[sym.Section] + uint32(sym.Value)
			}

			patchAddr := targetBase + relOffset
			patch := sectionBytes(h, patchAddr, 4)
			cur := le32(patch, 0)

			switch relType {
			case elf.R_386_32:
				put32(patch, 0, cur+symVal)
			case elf.R_386_PC32:
				put32(patch, 0, cur+symVal-patchAddr)
			default:
				return 0, defs.EBADIMAGE
			}
		}
	}

	for _, sym := range elfSyms {
		if sym.Name != entryPointSymbol {
			continue
		}
		if sym.Section == elf.SHN_UNDEF || int(sym.Section) >= len(sectionAddr) {
			continue
		}
		return sectionAddr[sym.Section] + uint32(sym.Value), defs.EOK
	}
	return 0, defs.ENOSYM
}

// sectionBytes is a small seam so loading can address heap-backed section
// memory by the address Kmalloc handed back, without Load needing to keep
// every section's []byte slice around itself.
func sectionBytes(h *heap.Heap, addr uint32, n int) []byte {
	return h.RAMSlice(addr, n)
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func le16(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func put32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}
