package vmm

import (
	"testing"
	"unsafe"

	"github.com/tascaenzo/zone-os-sub000/kernel/boot"
	"github.com/tascaenzo/zone-os-sub000/kernel/cpu"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/pmm"
)

// testPhysBase matches the memory map base installed by resetWith.
const testPhysBase = uintptr(0x100000)

// resetWith reinitializes boot, the PFA and the vmm singleton against a
// freshly allocated Go arena standing in for physical memory. directMapOffset
// is computed so that physToVirt/virtToPhys translate between testPhysBase
// and the arena directly, since a hosted test binary has no real
// direct-mapped physical memory to dereference. activePDTFn, switchPDTFn and
// flushTLBEntryFn are overridden so no real asm runs.
func resetWith(t *testing.T, mb uint64) *AddressSpace {
	t.Helper()

	boot.Init([]boot.MemoryMapEntry{
		{Base: uint64(testPhysBase), Length: mb * uint64(mem.Mb), Type: boot.RegionUsable},
	}, nil, 0)

	if err := pmm.Init(); err != nil {
		t.Fatalf("pmm init failed: %v", err)
	}

	arena := make([]byte, mb*uint64(mem.Mb))
	arenaBase := uintptr(unsafe.Pointer(&arena[0]))
	directMapOffset = arenaBase - testPhysBase

	rootFrame, err := pmm.AllocFrame()
	if err != nil {
		t.Fatalf("alloc kernel root failed: %v", err)
	}
	zeroPage(physToVirt(rootFrame.Address()))

	activePDTFn = func() uintptr { return rootFrame.Address() }
	switchPDTFn = func(uintptr) {}
	flushTLBEntryFn = func(uintptr) {}
	t.Cleanup(func() {
		activePDTFn = cpu.ActivePDT
		switchPDTFn = cpu.SwitchPDT
		flushTLBEntryFn = cpu.FlushTLBEntry
	})

	global = manager{}
	global.kernelSpace = &AddressSpace{root: rootFrame, isKernel: true}
	global.initialized = true

	return global.kernelSpace
}

func TestInitIsIdempotent(t *testing.T) {
	resetWith(t, 8)

	before := global.kernelSpace
	if err := Init(); err != nil {
		t.Fatalf("unexpected error on already-initialized Init: %v", err)
	}
	if global.kernelSpace != before {
		t.Fatal("second Init call should not replace the kernel space")
	}
}

func TestVMMRoundTrip(t *testing.T) {
	resetWith(t, 16)

	before := pmm.GetStats()

	h, err := CreateSpace()
	if err != nil {
		t.Fatalf("create space failed: %v", err)
	}

	virt := uintptr(0xFFFF800000000000)
	phys, ferr := pmm.AllocFrame()
	if ferr != nil {
		t.Fatalf("alloc backing frame failed: %v", ferr)
	}

	if err := Map(h, virt, phys, Read|Write); err != nil {
		t.Fatalf("map failed: %v", err)
	}

	got, err := Resolve(h, virt)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != phys.Address() {
		t.Fatalf("resolve mismatch: got %x want %x", got, phys.Address())
	}

	if err := Unmap(h, virt); err != nil {
		t.Fatalf("unmap failed: %v", err)
	}
	if _, err := Resolve(h, virt); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped after unmap, got %v", err)
	}

	if err := pmm.FreeFrame(phys); err != nil {
		t.Fatalf("free backing frame failed: %v", err)
	}

	if err := DestroySpace(h); err != nil {
		t.Fatalf("destroy space failed: %v", err)
	}

	after := pmm.GetStats()
	if after.FreeFrames != before.FreeFrames {
		t.Fatalf("frame leak across round trip: before=%d after=%d", before.FreeFrames, after.FreeFrames)
	}
}

func TestMapRejectsDoubleMap(t *testing.T) {
	resetWith(t, 16)

	h, err := CreateSpace()
	if err != nil {
		t.Fatalf("create space failed: %v", err)
	}
	phys, _ := pmm.AllocFrame()
	virt := uintptr(0x0000400000000000)

	if err := Map(h, virt, phys, Read|Write); err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if err := Map(h, virt, phys, Read|Write); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped, got %v", err)
	}
}

func TestUnmapAbsentMappingFails(t *testing.T) {
	resetWith(t, 16)

	h, _ := CreateSpace()
	if err := Unmap(h, 0x0000400000000000); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped, got %v", err)
	}
}

func TestMapRejectsNonCanonicalAddress(t *testing.T) {
	resetWith(t, 16)

	h, _ := CreateSpace()
	phys, _ := pmm.AllocFrame()

	// one page above the canonical boundary in the low half
	bad := uintptr(0x0000800000000000)
	if err := Map(h, bad, phys, Read|Write); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for non-canonical address, got %v", err)
	}

	good := uintptr(0x00007FFFFFFFF000)
	if err := Map(h, good, phys, Read|Write); err != nil {
		t.Fatalf("expected the highest canonical low page to map cleanly, got %v", err)
	}
}

func TestMapRangeRollsBackOnFailure(t *testing.T) {
	resetWith(t, 16)

	h, _ := CreateSpace()
	base := uintptr(0x0000400000000000)
	phys, _ := pmm.AllocFrame()

	// pre-map the third page so the range call fails partway through.
	third := base + 2*mem.PageSize
	if err := Map(h, third, phys, Read|Write); err != nil {
		t.Fatalf("setup map failed: %v", err)
	}

	start, _ := pmm.AllocContiguous(4)
	err := MapRange(h, base, start, 4, Read|Write)
	if err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped from map_range, got %v", err)
	}

	if _, err := Resolve(h, base); err != ErrNotMapped {
		t.Fatalf("expected first page to be rolled back, got %v", err)
	}
	if _, err := Resolve(h, base+mem.PageSize); err != ErrNotMapped {
		t.Fatalf("expected second page to be rolled back, got %v", err)
	}
}

func TestHugePageResolve(t *testing.T) {
	resetWith(t, 16)

	h, _ := CreateSpace()
	virt := uintptr(0x0000200000000000)
	phys, err := pmm.AllocContiguous(512)
	if err != nil {
		t.Fatalf("alloc contiguous failed: %v", err)
	}

	// install a 2 MiB leaf directly at the PD level (level 2), bypassing Map
	// (which only ever installs 4 KiB leaves), to emulate a huge page set up
	// by the bootloader or another subsystem.
	walk(h.root, virt, func(level uint8, pte *pageTableEntry) bool {
		if level == 2 {
			*pte = 0
			pte.setFrame(phys)
			pte.setFlags(pteFlagPresent | pteFlagWrite | pteFlagHuge)
			return false
		}
		if !pte.hasFlags(pteFlagPresent) {
			nf, aerr := pmm.AllocFrame()
			if aerr != nil {
				t.Fatalf("alloc intermediate table failed: %v", aerr)
			}
			zeroPage(physToVirt(nf.Address()))
			*pte = 0
			pte.setFrame(nf)
			pte.setFlags(pteFlagPresent | pteFlagWrite | pteFlagUser)
		}
		return true
	})

	for _, offset := range []uintptr{0, 0x1000, 0x1FFFFF} {
		got, err := Resolve(h, virt+offset)
		if err != nil {
			t.Fatalf("resolve at offset %x failed: %v", offset, err)
		}
		want := phys.Address() + offset
		if got != want {
			t.Fatalf("resolve at offset %x: got %x want %x", offset, got, want)
		}
	}
}
