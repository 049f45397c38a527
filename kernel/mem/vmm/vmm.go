// Package vmm implements the virtual memory manager: a four-level
// page-table backend (space.go, pte.go) wrapped by a facade (this file)
// that validates preconditions and tracks process-wide statistics under its
// own lock. The backend itself acquires no lock of its own; intermediate
// table allocation goes through the PFA, which serializes itself.
package vmm

import (
	"github.com/tascaenzo/zone-os-sub000/kernel"
	"github.com/tascaenzo/zone-os-sub000/kernel/boot"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/sync"
)

var (
	// ErrInvalidArgument covers a null handle, unaligned address, zero
	// count or non-canonical virtual address.
	ErrInvalidArgument = &kernel.Error{Module: "vmm", Message: "invalid argument"}

	// ErrOutOfMemory is returned when an intermediate page-table frame
	// cannot be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory"}

	// ErrNotMapped is returned by unmap/protect/resolve/query against an
	// absent mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrAlreadyMapped is returned by map against a present leaf.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrUnsupported is returned for flag combinations the backend cannot
	// express, such as a mapping request that lands on an existing huge
	// page.
	ErrUnsupported = &kernel.Error{Module: "vmm", Message: "unsupported operation"}

	// ErrNotInitialized is returned by any facade call issued before Init.
	ErrNotInitialized = &kernel.Error{Module: "vmm", Message: "vmm not initialized"}
)

// Stats is a snapshot of facade-level bookkeeping.
type Stats struct {
	SpacesCreated   uint64
	SpacesDestroyed uint64
	MapCalls        uint64
	UnmapCalls      uint64
}

type manager struct {
	lock sync.Spinlock

	kernelSpace *AddressSpace
	nextID      uint64
	initialized bool

	stats Stats
}

var global manager

// directMapOffset is captured once at Init and never read from boot again,
// so every later translation goes through this single private copy.
var directMapOffset uintptr

// Init records the currently active top-level page table as the kernel
// address space and captures the direct-map offset supplied by the boot
// package. It must run after the bootloader has already established the
// kernel's own higher-half mappings and after boot.Init.
func Init() *kernel.Error {
	global.lock.Acquire()
	defer global.lock.Release()

	if global.initialized {
		return nil
	}

	directMapOffset = boot.DirectMapOffset()

	rootFrame := mem.FrameFromAddress(activePDTFn())
	global.kernelSpace = &AddressSpace{root: rootFrame, isKernel: true}
	global.initialized = true
	return nil
}

// KernelSpace returns the address space representing the kernel's own
// top-level page table.
func KernelSpace() *AddressSpace {
	return global.kernelSpace
}

// spaceOrKernel substitutes the kernel space for a null handle, per the
// facade's documented precondition handling.
func (m *manager) spaceOrKernel(h *AddressSpace) *AddressSpace {
	if h == nil {
		return m.kernelSpace
	}
	return h
}

// CreateSpace allocates a new address space sharing the kernel's upper-half
// mappings.
func CreateSpace() (*AddressSpace, *kernel.Error) {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return nil, ErrNotInitialized
	}
	kernelRoot := global.kernelSpace.root
	global.lock.Release()

	space, err := createSpace(kernelRoot, &global.nextID)
	if err != nil {
		return nil, err
	}

	global.lock.Acquire()
	global.stats.SpacesCreated++
	global.lock.Release()
	return space, nil
}

// DestroySpace releases every page-table frame owned by space and the
// space's top-level frame itself. Destroying the kernel space is refused.
func DestroySpace(space *AddressSpace) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	if space == nil || space == global.kernelSpace {
		global.lock.Release()
		return ErrInvalidArgument
	}
	kernelRoot := global.kernelSpace.root
	global.lock.Release()

	if err := destroySpace(space, kernelRoot); err != nil {
		return err
	}

	global.lock.Acquire()
	global.stats.SpacesDestroyed++
	global.lock.Release()
	return nil
}

// SwitchSpace loads space's top-level frame into the address-space control
// register.
func SwitchSpace(space *AddressSpace) *kernel.Error {
	global.lock.Acquire()
	initialized := global.initialized
	global.lock.Release()
	if !initialized {
		return ErrNotInitialized
	}
	if space == nil {
		return ErrInvalidArgument
	}

	switchPDTFn(space.root.Address())
	return nil
}

// Map installs a single page mapping in space, or in the kernel space if
// space is nil.
func Map(space *AddressSpace, virt uintptr, phys mem.Frame, flags Flags) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	err := mapOne(target.root, virt, phys, flags.normalize())

	global.lock.Acquire()
	global.stats.MapCalls++
	global.lock.Release()
	return err
}

// MapRange installs count consecutive page mappings, rolling back every
// leaf it installed in this call if any individual mapping fails.
func MapRange(space *AddressSpace, virt uintptr, phys mem.Frame, count uint64, flags Flags) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	return mapRangeOne(target.root, virt, phys, count, flags.normalize())
}

// Unmap clears a single page mapping. Intermediate tables are left intact.
func Unmap(space *AddressSpace, virt uintptr) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	err := unmapOne(target.root, virt)

	global.lock.Acquire()
	global.stats.UnmapCalls++
	global.lock.Release()
	return err
}

// UnmapRange clears count consecutive page mappings.
func UnmapRange(space *AddressSpace, virt uintptr, count uint64) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	return unmapRangeOne(target.root, virt, count)
}

// Protect rewrites the flags of a present mapping in place.
func Protect(space *AddressSpace, virt uintptr, flags Flags) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	return protectOne(target.root, virt, flags.normalize())
}

// ProtectRange rewrites the flags of count consecutive mappings.
func ProtectRange(space *AddressSpace, virt uintptr, count uint64, flags Flags) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	return protectRangeOne(target.root, virt, count, flags.normalize())
}

// Resolve walks space's tables and returns the physical address virt maps
// to, honoring huge-page leaves installed outside this package (e.g. by the
// bootloader).
func Resolve(space *AddressSpace, virt uintptr) (uintptr, *kernel.Error) {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return 0, ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	return resolveOne(target.root, virt)
}

// Query behaves like Resolve but also reports the effective flags, page
// shift and hardware accessed/dirty bits.
func Query(space *AddressSpace, virt uintptr) (PteInfo, *kernel.Error) {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return PteInfo{}, ErrNotInitialized
	}
	target := global.spaceOrKernel(space)
	global.lock.Release()

	return queryOne(target.root, virt)
}

// FlushTLBPage invalidates the local translation cache entry for a single
// virtual address.
func FlushTLBPage(virt uintptr) {
	flushTLBEntryFn(virt)
}

// FlushTLBRange invalidates count consecutive virtual pages starting at
// virt.
func FlushTLBRange(virt uintptr, count uint64) {
	for i := uint64(0); i < count; i++ {
		flushTLBEntryFn(virt + uintptr(i)*mem.PageSize)
	}
}

// FlushTLBSpace reloads the address-space control register with space's own
// top-level frame if space is the currently active one, which discards
// every non-global TLB entry.
func FlushTLBSpace(space *AddressSpace) {
	if space == nil {
		return
	}
	if mem.FrameFromAddress(activePDTFn()) == space.root {
		switchPDTFn(space.root.Address())
	}
}

// KMapTemp establishes a short-lived kernel window into an arbitrary
// physical frame and returns its virtual address. The window is a single
// reserved slot; a second call before KUnmapTemp fails with
// ErrAlreadyMapped.
func KMapTemp(phys mem.Frame) (uintptr, *kernel.Error) {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return 0, ErrNotInitialized
	}
	kernelRoot := global.kernelSpace.root
	global.lock.Release()

	if err := mapOne(kernelRoot, tempMappingAddr, phys, Read|Write); err != nil {
		return 0, err
	}
	return tempMappingAddr, nil
}

// KUnmapTemp releases the window opened by KMapTemp.
func KUnmapTemp(virt uintptr) *kernel.Error {
	global.lock.Acquire()
	if !global.initialized {
		global.lock.Release()
		return ErrNotInitialized
	}
	kernelRoot := global.kernelSpace.root
	global.lock.Release()

	return unmapOne(kernelRoot, virt)
}

// PhysToVirt translates a physical address into the kernel's direct-mapped
// view of physical memory.
func PhysToVirt(p uintptr) uintptr {
	return physToVirt(p)
}

// VirtToPhys reverses PhysToVirt for an address known to fall within the
// direct map.
func VirtToPhys(v uintptr) uintptr {
	return virtToPhys(v)
}

func physToVirt(p uintptr) uintptr {
	return p + directMapOffset
}

func virtToPhys(v uintptr) uintptr {
	return v - directMapOffset
}

// GetStats returns a snapshot of the facade's bookkeeping counters.
func GetStats() Stats {
	global.lock.Acquire()
	defer global.lock.Release()
	return global.stats
}
