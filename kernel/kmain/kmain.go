// Package kmain sequences the kernel's memory management core into a single
// entry point, in dependency order: boot state first, then the physical
// frame allocator, then the virtual memory manager, then the heap.
package kmain

import (
	"github.com/tascaenzo/zone-os-sub000/kernel"
	"github.com/tascaenzo/zone-os-sub000/kernel/boot"
	"github.com/tascaenzo/zone-os-sub000/kernel/cpu"
	"github.com/tascaenzo/zone-os-sub000/kernel/kfmt"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/heap"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/pmm"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// is invoked after rt0 has set up the GDT and a minimal stack, and is never
// expected to return; if it does, rt0 halts the CPU.
//
// memMap, fb and hhdmOffset are supplied by rt0 after it has already parsed
// the bootloader's own memory map and higher-half direct map offset.
//
//go:noinline
func Kmain(memMap []boot.MemoryMapEntry, fb *boot.FramebufferInfo, hhdmOffset uintptr) {
	boot.Init(memMap, fb, hhdmOffset)

	kfmt.Printf("zone-os: boot map registered, %d regions\n", len(memMap))

	var err *kernel.Error
	if err = pmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	stats := pmm.GetStats()
	kfmt.Printf("zone-os: pfa ready, %d frames total, %d free\n", stats.TotalFrames, stats.FreeFrames)

	cpu.EnableNoExecute()

	if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("zone-os: vmm ready, kernel space established\n")

	if err = heap.Init(); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("zone-os: heap ready\n")

	kfmt.Panic(errKmainReturned)
}
