package boot

// Segment descriptor access bytes for the five live GDT entries: flat
// 4 GiB code and data at ring 0 and ring 3, plus the single 32-bit TSS.
const (
	accessKernelCode = 0x9a
	accessKernelData = 0x92
	accessUserCode   = 0xfa
	accessUserData   = 0xf2
	accessTSS        = 0x89

	// flagsFlat4G selects 4 KiB granularity and 32-bit operand size, which
	// with limit 0xfffff spans the full 4 GiB address space.
	flagsFlat4G = 0xc
)

// GDT is the global descriptor table: six 8-byte entries in the fixed
// order the selector constants index. Entry 0 is the mandatory null
// descriptor; entry 5 is filled in by SetTSS once the TSS exists.
type GDT struct {
	entries [6]uint64
}

// NewGDT builds the flat segmentation model: null, kernel code, kernel
// data, user code, user data, and an empty TSS slot.
func NewGDT() *GDT {
	g := &GDT{}
	g.entries[KernelCodeSelector/8] = encodeDescriptor(0, 0xfffff, accessKernelCode, flagsFlat4G)
	g.entries[KernelDataSelector/8] = encodeDescriptor(0, 0xfffff, accessKernelData, flagsFlat4G)
	g.entries[(UserCodeSelector&^3)/8] = encodeDescriptor(0, 0xfffff, accessUserCode, flagsFlat4G)
	g.entries[(UserDataSelector&^3)/8] = encodeDescriptor(0, 0xfffff, accessUserData, flagsFlat4G)
	return g
}

// SetTSS fills the TSS descriptor slot with a system descriptor covering
// [base, base+limit]. Unlike the flat segments it uses byte granularity,
// since a TSS is a small fixed structure.
func (g *GDT) SetTSS(base, limit uint32) {
	g.entries[TSSSelector/8] = encodeDescriptor(base, limit, accessTSS, 0)
}

// Entry returns the raw descriptor for the given selector (the RPL bits
// are ignored).
func (g *GDT) Entry(selector uint16) uint64 {
	return g.entries[(selector&^3)/8]
}

// encodeDescriptor packs base, limit, access, and flags into the split
// byte layout the hardware defines: limit bits scattered across bytes 0-1
// and the low nibble of byte 6, base across bytes 2-4 and 7.
func encodeDescriptor(base, limit uint32, access, flags uint8) uint64 {
	var d uint64
	d |= uint64(limit & 0xffff)
	d |= uint64(base&0xffffff) << 16
	d |= uint64(access) << 40
	d |= uint64(limit>>16&0xf) << 48
	d |= uint64(flags&0xf) << 52
	d |= uint64(base>>24) << 56
	return d
}

// DescriptorBase extracts the base address from a raw descriptor.
func DescriptorBase(d uint64) uint32 {
	return uint32(d>>16&0xffffff) | uint32(d>>56)<<24
}

// DescriptorLimit extracts the 20-bit limit from a raw descriptor. When
// the granularity flag is set the effective span is (limit+1) * 4 KiB.
func DescriptorLimit(d uint64) uint32 {
	return uint32(d&0xffff) | uint32(d>>48&0xf)<<16
}

// DescriptorAccess extracts the access byte from a raw descriptor.
func DescriptorAccess(d uint64) uint8 {
	return uint8(d >> 40)
}

// TSS is the one task-state segment the kernel installs. Only the ring-0
// stack fields matter under software task switching: SS0 is fixed to the
// kernel data selector and ESP0 is rewritten on every dispatch to the
// incoming thread's kernel stack top, so a ring-3 to ring-0 transition
// always lands on that thread's own stack.
type TSS struct {
	SS0  uint16
	ESP0 uint32
}

// NewTSS returns a TSS with SS0 pointing at kernel data.
func NewTSS() *TSS {
	return &TSS{SS0: KernelDataSelector}
}
