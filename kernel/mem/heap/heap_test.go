package heap

import (
	"testing"
	"unsafe"

	"github.com/tascaenzo/zone-os-sub000/kernel/boot"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/pmm"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/vmm"
)

// testPhysBase matches the memory map base installed by resetWith.
const testPhysBase = uintptr(0x100000)

// resetWith reinitializes boot, the PFA and the heap singleton so each test
// starts from a clean slate. physToVirt/virtToPhys are overridden to
// redirect "physical" frame addresses into an ordinary Go-allocated arena,
// since a hosted test binary has no real direct-mapped physical memory to
// dereference.
func resetWith(t *testing.T, mb uint64) {
	t.Helper()
	boot.Init([]boot.MemoryMapEntry{
		{Base: uint64(testPhysBase), Length: mb * uint64(mem.Mb), Type: boot.RegionUsable},
	}, nil, 0)

	if err := pmm.Init(); err != nil {
		t.Fatalf("pmm init failed: %v", err)
	}

	arena := make([]byte, mb*uint64(mem.Mb))
	arenaBase := uintptr(unsafe.Pointer(&arena[0]))

	physToVirtFn = func(p uintptr) uintptr { return arenaBase + (p - testPhysBase) }
	virtToPhysFn = func(v uintptr) uintptr { return testPhysBase + (v - arenaBase) }
	t.Cleanup(func() {
		physToVirtFn = vmm.PhysToVirt
		virtToPhysFn = vmm.VirtToPhys
	})

	global = heap{}
	if err := Init(); err != nil {
		t.Fatalf("heap init failed: %v", err)
	}
}

func TestAllocateSmallRoutesToSlab(t *testing.T) {
	resetWith(t, 16)

	ptr, err := Allocate(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr == 0 {
		t.Fatal("expected non-zero pointer")
	}

	if err := Free(ptr); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}
}

func TestAllocateLargeRoutesToBuddy(t *testing.T) {
	resetWith(t, 16)

	// 4096 sits exactly on an order boundary; allocOrder must size against
	// size+header so the full requested range is still inside the block.
	const size = 4096
	ptr, err := Allocate(size)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr == 0 {
		t.Fatal("expected non-zero pointer")
	}

	for i := uintptr(0); i < size; i++ {
		*(*byte)(unsafe.Pointer(ptr + i)) = 0xAA
	}
	for i := uintptr(0); i < size; i++ {
		if b := *(*byte)(unsafe.Pointer(ptr + i)); b != 0xAA {
			t.Fatalf("expected byte at offset %d to survive a full-size write; got %d", i, b)
		}
	}

	if !CheckIntegrity() {
		t.Fatal("expected a full-size write to stay within the allocated block")
	}

	if err := Free(ptr); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}
}

func TestAllocateZeroedClearsMemory(t *testing.T) {
	resetWith(t, 16)

	ptr, err := AllocateZeroed(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := uintptr(0); i < 64; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + i))
		if b != 0 {
			t.Fatalf("expected zeroed byte at offset %d; got %d", i, b)
		}
	}
}

func TestSlabCacheReuseAfterFree(t *testing.T) {
	resetWith(t, 16)

	a, err := Allocate(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Free(a); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}

	b, err := Allocate(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected freed slot to be reused; first=%x second=%x", a, b)
	}
}

func TestBuddySplitAndCoalesce(t *testing.T) {
	resetWith(t, 16)

	a, err := Allocate(3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Allocate(3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := Free(a); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}
	if err := Free(b); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}

	if !CheckIntegrity() {
		t.Fatal("expected buddy free lists to pass integrity check after coalescing")
	}
}

func TestDoubleFreeIsRejected(t *testing.T) {
	resetWith(t, 16)

	ptr, err := Allocate(4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Free(ptr); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}
	if err := Free(ptr); err != ErrCorrupted {
		t.Fatalf("expected ErrCorrupted on double free of a buddy block; got %v", err)
	}
}

func TestCreateCacheAndAlloc(t *testing.T) {
	resetWith(t, 16)

	type pcb struct {
		pid  uint32
		name [16]byte
	}

	c, err := CreateCache("pcb", uint32(unsafe.Sizeof(pcb{})), 8, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ptr, err := CacheAlloc(c)
	if err != nil {
		t.Fatalf("unexpected alloc error: %v", err)
	}
	if err := CacheFree(c, ptr); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}
}
