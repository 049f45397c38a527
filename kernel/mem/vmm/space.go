package vmm

import (
	"unsafe"

	"github.com/tascaenzo/zone-os-sub000/kernel"
	"github.com/tascaenzo/zone-os-sub000/kernel/cpu"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/pmm"
)

// AddressSpace is an opaque handle pairing a top-level page-table frame
// with a small amount of bookkeeping. Its interior is architecture-specific;
// callers only ever hold a pointer obtained from CreateSpace or the kernel
// space singleton.
type AddressSpace struct {
	root     mem.Frame
	id       uint64
	isKernel bool
}

var (
	// the following are mocked by tests and automatically inlined by the
	// compiler when building the kernel.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
)

// walk performs a page-table walk for virtAddr starting at root, invoking
// walkFn with the page table entry at each of the four levels. Table frames
// are dereferenced through the kernel's direct map rather than a recursive
// self-mapping trick, since every physical frame is already reachable that
// way. The walk stops as soon as walkFn returns false or the last level is
// reached.
func walk(root mem.Frame, virtAddr uintptr, walkFn func(level uint8, pte *pageTableEntry) bool) {
	tableFrame := root
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := physToVirt(tableFrame.Address()) + (entryIndex << mem.PointerShift)
		pte := (*pageTableEntry)(unsafe.Pointer(entryAddr))

		if !walkFn(level, pte) {
			return
		}
		if level == pageLevels-1 {
			return
		}
		tableFrame = pte.frame()
	}
}

// createdTable records an intermediate page-table frame allocated during a
// single map call, so the call can roll itself back atomically on failure.
type createdTable struct {
	pte   *pageTableEntry
	frame mem.Frame
}

// mapOne installs a single 4 KiB leaf mapping. Any intermediate table frames
// allocated while walking down to the leaf are released, and the page table
// entries that referenced them cleared, if the call fails partway through.
func mapOne(root mem.Frame, virt uintptr, phys mem.Frame, flags Flags) *kernel.Error {
	if virt%mem.PageSize != 0 || !isCanonical(virt) {
		return ErrInvalidArgument
	}

	var (
		created []createdTable
		result  *kernel.Error
	)

	userLeaf := flags&User != 0
	leafPTE := flagsToPTE(flags, true)

	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			if pte.hasFlags(pteFlagPresent) {
				result = ErrAlreadyMapped
				return false
			}
			*pte = 0
			pte.setFrame(phys)
			pte.setFlags(leafPTE)
			flushTLBEntryFn(virt)
			return true
		}

		if pte.hasFlags(pteFlagHuge) {
			result = ErrUnsupported
			return false
		}

		if !pte.hasFlags(pteFlagPresent) {
			newFrame, err := pmm.AllocFrame()
			if err != nil {
				result = ErrOutOfMemory
				return false
			}
			zeroPage(physToVirt(newFrame.Address()))

			*pte = 0
			pte.setFrame(newFrame)
			pte.setFlags(pteFlagPresent | pteFlagWrite)
			created = append(created, createdTable{pte: pte, frame: newFrame})
		}
		if userLeaf {
			pte.setFlags(pteFlagUser)
		}
		return true
	})

	if result != nil {
		for i := len(created) - 1; i >= 0; i-- {
			*created[i].pte = 0
			_ = pmm.FreeFrame(created[i].frame)
		}
		return result
	}
	return nil
}

// mapRangeOne maps count consecutive pages starting at virt to count
// consecutive frames starting at phys, rolling back every leaf it installed
// in this call if any individual mapping fails.
func mapRangeOne(root mem.Frame, virt uintptr, phys mem.Frame, count uint64, flags Flags) *kernel.Error {
	if count == 0 {
		return ErrInvalidArgument
	}

	var installed uint64
	for i := uint64(0); i < count; i++ {
		v := virt + uintptr(i)*mem.PageSize
		p := phys + mem.Frame(i)
		if err := mapOne(root, v, p, flags); err != nil {
			for j := uint64(0); j < installed; j++ {
				_ = unmapOne(root, virt+uintptr(j)*mem.PageSize)
			}
			return err
		}
		installed++
	}
	return nil
}

// unmapOne clears a single leaf mapping. Intermediate tables are never
// freed by unmap; only DestroySpace reclaims them.
func unmapOne(root mem.Frame, virt uintptr) *kernel.Error {
	if virt%mem.PageSize != 0 || !isCanonical(virt) {
		return ErrInvalidArgument
	}

	result := ErrNotMapped
	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if !pte.hasFlags(pteFlagPresent) {
			result = ErrNotMapped
			return false
		}
		if level == pageLevels-1 || pte.hasFlags(pteFlagHuge) {
			pte.clearFlags(pteFlagPresent)
			flushTLBEntryFn(virt)
			result = nil
			return false
		}
		return true
	})
	return result
}

func unmapRangeOne(root mem.Frame, virt uintptr, count uint64) *kernel.Error {
	if count == 0 {
		return ErrInvalidArgument
	}
	for i := uint64(0); i < count; i++ {
		if err := unmapOne(root, virt+uintptr(i)*mem.PageSize); err != nil {
			return err
		}
	}
	return nil
}

// protectOne rewrites the flag bits of a present leaf in place, preserving
// its physical address and its huge-page bit if set.
func protectOne(root mem.Frame, virt uintptr, flags Flags) *kernel.Error {
	if virt%mem.PageSize != 0 || !isCanonical(virt) {
		return ErrInvalidArgument
	}

	result := ErrNotMapped
	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if !pte.hasFlags(pteFlagPresent) {
			result = ErrNotMapped
			return false
		}
		if level == pageLevels-1 || pte.hasFlags(pteFlagHuge) {
			frame := pte.frame()
			wasHuge := pte.hasFlags(pteFlagHuge)

			newPTE := flagsToPTE(flags, true)
			if wasHuge {
				newPTE |= pteFlagHuge
			}

			*pte = 0
			pte.setFrame(frame)
			pte.setFlags(newPTE)
			flushTLBEntryFn(virt)
			result = nil
			return false
		}
		return true
	})
	return result
}

func protectRangeOne(root mem.Frame, virt uintptr, count uint64, flags Flags) *kernel.Error {
	if count == 0 {
		return ErrInvalidArgument
	}
	for i := uint64(0); i < count; i++ {
		if err := protectOne(root, virt+uintptr(i)*mem.PageSize, flags); err != nil {
			return err
		}
	}
	return nil
}

// resolveOne walks virt down to its terminal entry, present leaf or huge
// page, and returns the physical address it names.
func resolveOne(root mem.Frame, virt uintptr) (uintptr, *kernel.Error) {
	if !isCanonical(virt) {
		return 0, ErrInvalidArgument
	}

	var phys uintptr
	result := ErrNotMapped

	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if !pte.hasFlags(pteFlagPresent) {
			result = ErrNotMapped
			return false
		}
		if level == pageLevels-1 || pte.hasFlags(pteFlagHuge) {
			pageSize := uintptr(1) << pageLevelShifts[level]
			offset := virt & (pageSize - 1)
			phys = pte.frame().Address() + offset
			result = nil
			return false
		}
		return true
	})

	return phys, result
}

// PteInfo is the result of a query call: everything resolve reports plus
// the effective flags, the page size (as a shift) and the hardware
// accessed/dirty bits.
type PteInfo struct {
	Phys      uintptr
	Flags     Flags
	PageShift uint8
	Accessed  bool
	Dirty     bool
}

func queryOne(root mem.Frame, virt uintptr) (PteInfo, *kernel.Error) {
	if !isCanonical(virt) {
		return PteInfo{}, ErrInvalidArgument
	}

	var info PteInfo
	result := ErrNotMapped

	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if !pte.hasFlags(pteFlagPresent) {
			result = ErrNotMapped
			return false
		}
		if level == pageLevels-1 || pte.hasFlags(pteFlagHuge) {
			shift := pageLevelShifts[level]
			pageSize := uintptr(1) << shift
			offset := virt & (pageSize - 1)

			info = PteInfo{
				Phys:      pte.frame().Address() + offset,
				Flags:     pteToFlags(*pte),
				PageShift: shift,
				Accessed:  pte.hasFlags(pteFlagAccessed),
				Dirty:     pte.hasFlags(pteFlagDirty),
			}
			result = nil
			return false
		}
		return true
	})

	return info, result
}

// createSpace allocates a zeroed top-level frame and copies the upper-half
// 256 entries verbatim from the kernel space's top-level frame, so every
// address space shares the same kernel mappings above the canonical hole.
func createSpace(kernelRoot mem.Frame, nextID *uint64) (*AddressSpace, *kernel.Error) {
	frame, err := pmm.AllocFrame()
	if err != nil {
		return nil, ErrOutOfMemory
	}

	virt := physToVirt(frame.Address())
	zeroPage(virt)

	kernelVirt := physToVirt(kernelRoot.Address())
	for i := uintptr(256); i < 512; i++ {
		src := (*pageTableEntry)(unsafe.Pointer(kernelVirt + (i << mem.PointerShift)))
		dst := (*pageTableEntry)(unsafe.Pointer(virt + (i << mem.PointerShift)))
		*dst = *src
	}

	*nextID++
	return &AddressSpace{root: frame, id: *nextID}, nil
}

// destroySpace walks space's top-level table, recursing through present
// intermediate entries to free page-table frames (never the leaf-mapped
// frames, whose ownership belongs to whoever called map), then frees the
// top-level frame itself. Every lower-half entry (0-255) is private to this
// space. Upper-half entries (256-511) started out as a verbatim copy of the
// kernel space's own entries at CreateSpace time; one is only freed here if
// it has since diverged from the kernel's current entry, meaning this space
// privately extended it rather than merely inheriting a still-shared
// kernel subtree.
func destroySpace(space *AddressSpace, kernelRoot mem.Frame) *kernel.Error {
	spaceBase := physToVirt(space.root.Address())
	kernelBase := physToVirt(kernelRoot.Address())

	for i := uintptr(0); i < 512; i++ {
		pte := (*pageTableEntry)(unsafe.Pointer(spaceBase + (i << mem.PointerShift)))
		if !pte.hasFlags(pteFlagPresent) || pte.hasFlags(pteFlagHuge) {
			continue
		}
		if i >= 256 {
			kpte := (*pageTableEntry)(unsafe.Pointer(kernelBase + (i << mem.PointerShift)))
			if *pte == *kpte {
				continue
			}
		}
		freeTableTree(pte.frame(), 1)
	}
	return pmm.FreeFrame(space.root)
}

// freeTableTree recursively frees every page-table frame under tableFrame,
// which sits at the given level (1 = PDPT, 2 = PD, 3 = PT). It never
// descends past level 3: a PT's entries are leaves, owned elsewhere.
func freeTableTree(tableFrame mem.Frame, level uint8) {
	if level < pageLevels-1 {
		base := physToVirt(tableFrame.Address())
		for i := uintptr(0); i < 512; i++ {
			pte := (*pageTableEntry)(unsafe.Pointer(base + (i << mem.PointerShift)))
			if !pte.hasFlags(pteFlagPresent) || pte.hasFlags(pteFlagHuge) {
				continue
			}
			freeTableTree(pte.frame(), level+1)
		}
	}
	_ = pmm.FreeFrame(tableFrame)
}

func zeroPage(virt uintptr) {
	kernel.Memset(virt, 0, mem.PageSize)
}
