package boot

import "testing"

func TestNormalizeSortsAndCoalesces(t *testing.T) {
	in := []MemoryMapEntry{
		{Base: 0x100000, Length: 0x1000, Type: RegionUsable},
		{Base: 0x0, Length: 0x1000, Type: RegionReserved},
		{Base: 0x101000, Length: 0x1000, Type: RegionUsable},
		{Base: 0x102000, Length: 0x1000, Type: RegionReserved},
	}

	out := normalize(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 coalesced entries; got %d: %+v", len(out), out)
	}

	if out[0].Base != 0 || out[0].Type != RegionReserved {
		t.Errorf("unexpected entry 0: %+v", out[0])
	}
	if out[1].Base != 0x100000 || out[1].Length != 0x2000 || out[1].Type != RegionUsable {
		t.Errorf("expected coalesced usable region; got %+v", out[1])
	}
	if out[2].Base != 0x102000 || out[2].Type != RegionReserved {
		t.Errorf("unexpected entry 2: %+v", out[2])
	}
}

func TestInitAndAccessors(t *testing.T) {
	defer func() { initialized = false; memoryMap = nil; framebuffer = nil; directMapOffset = 0 }()

	fb := &FramebufferInfo{PhysAddr: 0xB8000, Width: 1024, Height: 768, Pitch: 4096, Bpp: 32}
	Init([]MemoryMapEntry{{Base: 0, Length: 0x1000, Type: RegionUsable}}, fb, 0xffff800000000000)

	if !Initialized() {
		t.Fatal("expected Initialized() to return true after Init")
	}
	if DirectMapOffset() != 0xffff800000000000 {
		t.Errorf("unexpected direct map offset: %x", DirectMapOffset())
	}
	if Framebuffer() != fb {
		t.Error("expected Framebuffer() to return the registered descriptor")
	}

	var seen int
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		seen++
		return true
	})
	if seen != 1 {
		t.Errorf("expected to visit 1 region; visited %d", seen)
	}
}

func TestRegionTypeAllocatable(t *testing.T) {
	allocatable := []RegionType{RegionUsable, RegionBootloaderReclaimable, RegionACPIReclaimable}
	for _, rt := range allocatable {
		if !rt.Allocatable() {
			t.Errorf("expected %s to be allocatable", rt)
		}
	}

	notAllocatable := []RegionType{RegionReserved, RegionACPINVS, RegionBad, RegionExecutableAndModules, RegionFramebuffer}
	for _, rt := range notAllocatable {
		if rt.Allocatable() {
			t.Errorf("expected %s to not be allocatable", rt)
		}
	}
}
