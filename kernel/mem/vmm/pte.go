package vmm

import "github.com/tascaenzo/zone-os-sub000/kernel/mem"

// pteFlag is a raw architecture-level page table entry bit, as opposed to
// the portable Flags type the backend's public API exchanges with callers.
type pteFlag uintptr

const (
	pteFlagPresent pteFlag = 1 << iota
	pteFlagWrite
	pteFlagUser
	pteFlagWriteThrough
	pteFlagNoCache
	pteFlagAccessed
	pteFlagDirty
	pteFlagHuge
	pteFlagGlobal
)

// pteFlagNoExecute occupies the top bit of the entry; it requires NXE to be
// enabled in EFER (see cpu.EnableNoExecute) to have any effect.
const pteFlagNoExecute = pteFlag(1 << 63)

// pageTableEntry is a raw 64-bit page table slot: a physical frame address
// packed with the flag bits above.
type pageTableEntry uintptr

func (pte pageTableEntry) hasFlags(flags pteFlag) bool {
	return uintptr(pte)&uintptr(flags) == uintptr(flags)
}

func (pte pageTableEntry) hasAnyFlag(flags pteFlag) bool {
	return uintptr(pte)&uintptr(flags) != 0
}

func (pte *pageTableEntry) setFlags(flags pteFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

func (pte *pageTableEntry) clearFlags(flags pteFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

func (pte pageTableEntry) frame() mem.Frame {
	return mem.FrameFromAddress(uintptr(pte) & ptePhysPageMask)
}

func (pte *pageTableEntry) setFrame(frame mem.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// flagsToPTE translates the portable Flags bitset into architecture PTE
// bits. leaf distinguishes a final mapping entry (where the caller's
// Execute/Write/User bits apply directly) from an intermediate table entry
// (which is always readable, writable and, conservatively, executable, with
// User OR'd in only if the eventual leaf is user-accessible).
func flagsToPTE(f Flags, leaf bool) pteFlag {
	pte := pteFlagPresent

	if !leaf {
		pte |= pteFlagWrite
		if f&User != 0 {
			pte |= pteFlagUser
		}
		return pte
	}

	if f&Write != 0 {
		pte |= pteFlagWrite
	}
	if f&User != 0 {
		pte |= pteFlagUser
	}
	if f&Global != 0 {
		pte |= pteFlagGlobal
	}
	if f&NoCache != 0 {
		pte |= pteFlagNoCache
	}
	if f&Execute == 0 {
		pte |= pteFlagNoExecute
	}
	// Huge2M/Huge1G are not translated here: Map/MapRange only ever install
	// 4 KiB leaves (see the direct-map design note), and bit 7 of a PT-level
	// entry is the PAT index, not the page-size bit. Setting it without a
	// configured PAT MSR would silently change the mapping's cache type.

	return pte
}

// pteToFlags reverses flagsToPTE for a present leaf entry, used by query.
func pteToFlags(pte pageTableEntry) Flags {
	var f Flags
	f |= Read
	if pte.hasFlags(pteFlagWrite) {
		f |= Write
	}
	if !pte.hasAnyFlag(pteFlagNoExecute) {
		f |= Execute
	}
	if pte.hasFlags(pteFlagUser) {
		f |= User
	}
	if pte.hasFlags(pteFlagGlobal) {
		f |= Global
	}
	if pte.hasFlags(pteFlagNoCache) {
		f |= NoCache
	}
	return f
}
