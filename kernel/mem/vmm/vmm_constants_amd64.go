package vmm

// pageLevels is the number of page-table levels in the amd64 four-level
// hierarchy: PML4, PDPT, PD, PT.
const pageLevels = 4

// ptePhysPageMask extracts the physical frame address from a page table
// entry; bits 12-51 carry it on this architecture.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// pageLevelBits is the number of virtual address bits consumed by each page
// level; every level indexes a 512-entry table.
var pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

// pageLevelShifts is the bit position of each level's index field within a
// virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// canonicalHoleBit is the highest implemented virtual address bit; every bit
// above it must equal this one for the address to be canonical.
const canonicalHoleBit = 47

// tempMappingAddr is a reserved page in the kernel's own address space used
// by KMapTemp for a short-lived window into an arbitrary physical frame that
// does not already fall inside the direct map (e.g. MMIO above the highest
// RAM address reported by the firmware).
const tempMappingAddr = uintptr(0xffffff7ffffff000)

// isCanonical reports whether addr is a valid canonical virtual address:
// every bit above canonicalHoleBit must be a sign-extension of that bit.
func isCanonical(addr uintptr) bool {
	top := addr >> canonicalHoleBit
	return top == 0 || top == ^uintptr(0)>>canonicalHoleBit
}
