// Package boot defines the data contract between the Limine-class bootloader
// stub and the memory management core. It never parses bootloader tags
// itself; the entry sequence (out of scope for this package) is expected to
// decode the protocol and call Init once, early, before any other package in
// the memory stack runs.
package boot

import "sort"

// RegionType classifies a physical memory map entry as reported by firmware.
type RegionType uint8

const (
	// RegionUsable marks memory immediately available for allocation.
	RegionUsable RegionType = iota + 1

	// RegionReserved marks memory firmware has claimed permanently.
	RegionReserved

	// RegionACPIReclaimable marks memory holding ACPI tables that can be
	// reused once the kernel has parsed them.
	RegionACPIReclaimable

	// RegionACPINVS marks memory that must be preserved across sleep
	// states.
	RegionACPINVS

	// RegionBad marks memory the firmware has flagged as faulty.
	RegionBad

	// RegionBootloaderReclaimable marks memory used by the bootloader
	// itself that can be reclaimed once its data is no longer needed.
	RegionBootloaderReclaimable

	// RegionExecutableAndModules marks memory holding the loaded kernel
	// image and any boot modules.
	RegionExecutableAndModules

	// RegionFramebuffer marks memory backing the boot framebuffer.
	RegionFramebuffer
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI (reclaimable)"
	case RegionACPINVS:
		return "ACPI NVS"
	case RegionBad:
		return "bad"
	case RegionBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case RegionExecutableAndModules:
		return "kernel image / modules"
	case RegionFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// Allocatable reports whether frames of this type join the PFA's free pool
// at init. Usable, bootloader-reclaimable and ACPI-reclaimable regions are
// allocatable; everything else is permanently reserved.
func (t RegionType) Allocatable() bool {
	switch t {
	case RegionUsable, RegionBootloaderReclaimable, RegionACPIReclaimable:
		return true
	default:
		return false
	}
}

// MemoryMapEntry describes one physical memory region as reported by
// firmware.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// End returns the exclusive end address of this region.
func (e *MemoryMapEntry) End() uint64 {
	return e.Base + e.Length
}

// MemoryMapVisitor is invoked by VisitMemRegions for each normalized memory
// map entry. Returning false stops the scan early.
type MemoryMapVisitor func(*MemoryMapEntry) bool

// FramebufferInfo describes the boot framebuffer handed off by the
// bootloader.
type FramebufferInfo struct {
	PhysAddr uint64
	Pitch    uint32
	Width    uint32
	Height   uint32
	Bpp      uint8
}

var (
	memoryMap       []MemoryMapEntry
	framebuffer     *FramebufferInfo
	directMapOffset uintptr
	initialized     bool
)

// Init records the normalized memory map, the optional framebuffer
// descriptor and the kernel direct-map offset supplied by the bootloader.
// It must be called exactly once, before pmm.Init.
func Init(rawMemMap []MemoryMapEntry, fb *FramebufferInfo, hhdmOffset uintptr) {
	memoryMap = normalize(rawMemMap)
	framebuffer = fb
	directMapOffset = hhdmOffset
	initialized = true
}

// Initialized reports whether Init has already run.
func Initialized() bool {
	return initialized
}

// normalize sorts entries by base address and coalesces adjacent entries
// that share the same type. These are the only normalizations performed;
// entry contents are otherwise trusted verbatim.
func normalize(in []MemoryMapEntry) []MemoryMapEntry {
	out := make([]MemoryMapEntry, len(in))
	copy(out, in)

	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })

	merged := out[:0]
	for _, entry := range out {
		if n := len(merged); n > 0 && merged[n-1].Type == entry.Type && merged[n-1].End() == entry.Base {
			merged[n-1].Length += entry.Length
			continue
		}
		merged = append(merged, entry)
	}

	return merged
}

// VisitMemRegions invokes visitor for each normalized memory map entry in
// ascending base-address order until the visitor returns false.
func VisitMemRegions(visitor MemoryMapVisitor) {
	for i := range memoryMap {
		if !visitor(&memoryMap[i]) {
			return
		}
	}
}

// Framebuffer returns the boot framebuffer descriptor, or nil if none was
// supplied.
func Framebuffer() *FramebufferInfo {
	return framebuffer
}

// DirectMapOffset returns the kernel direct-map base offset such that
// virt == phys + offset is a valid mapping for any physical page.
func DirectMapOffset() uintptr {
	return directMapOffset
}
