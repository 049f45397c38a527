// Package pmm implements the physical frame allocator: the owner of every
// physical page frame in the system. It tracks free/used state in a bitmap
// and serves single-frame and contiguous-run allocations to the rest of the
// memory stack, most notably the page-table backend in vmm.
package pmm

import (
	"github.com/tascaenzo/zone-os-sub000/kernel"
	"github.com/tascaenzo/zone-os-sub000/kernel/boot"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/bitmap"
	"github.com/tascaenzo/zone-os-sub000/kernel/sync"
)

var (
	// ErrInvalidArgument is returned for unaligned addresses, zero counts,
	// or out-of-range requests.
	ErrInvalidArgument = &kernel.Error{Module: "pmm", Message: "invalid argument"}

	// ErrOutOfMemory is returned when no frame, or no contiguous run of
	// the requested length, is available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrAlreadyFree is returned by a free call that targets a frame the
	// bitmap already records as clear.
	ErrAlreadyFree = &kernel.Error{Module: "pmm", Message: "frame already free"}

	// ErrNotInitialized is returned by any operation invoked before Init.
	ErrNotInitialized = &kernel.Error{Module: "pmm", Message: "allocator not initialized"}
)

// Stats is a snapshot of the allocator's bookkeeping counters.
type Stats struct {
	TotalFrames    uint64
	FreeFrames     uint64
	UsedFrames     uint64
	ReservedFrames uint64
}

// allocator is the process-wide singleton state guarded by lock. Tests
// re-run Init against a freshly registered boot memory map to get a clean
// allocator between cases.
type allocator struct {
	lock sync.Spinlock

	bmp         *bitmap.Bitmap
	totalFrames uint64
	usedFrames  uint64
	// reservedFrames counts frames permanently withheld from the pool:
	// the null frame, the bitmap's own frames, and anything the firmware
	// reported as non-allocatable.
	reservedFrames uint64
	hint           uint64
	initialized    bool
}

var global allocator

// Init reads the firmware memory map registered with the boot package,
// computes the highest physical address, sizes a bitmap of one bit per
// frame, and marks every frame reserved except those inside usable,
// bootloader-reclaimable or ACPI-reclaimable regions. The null frame and the
// frames backing the bitmap itself are always reserved, even when they fall
// inside an otherwise-allocatable region.
func Init() *kernel.Error {
	if err := global.init(); err != nil {
		return err
	}
	mem.SetFrameAllocator(AllocFrame)
	return nil
}

func (a *allocator) init() *kernel.Error {
	var highestAddr uint64
	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if end := e.End(); end > highestAddr {
			highestAddr = end
		}
		return true
	})

	totalFrames := (highestAddr + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if totalFrames == 0 {
		return ErrInvalidArgument
	}

	words := make([]uint64, bitmap.WordsFor(totalFrames))
	a.bmp = bitmap.New(words, totalFrames)
	a.totalFrames = totalFrames
	a.usedFrames = 0
	a.reservedFrames = 0
	a.hint = 0

	// Start with everything reserved, then open up the allocatable
	// regions the firmware reported.
	a.bmp.SetAll()
	a.reservedFrames = totalFrames

	var bitmapPlaced bool
	bitmapFrames := (uint64(len(words))*8 + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if !e.Type.Allocatable() {
			return true
		}

		startFrame := (e.Base + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
		endFrame := e.End() / uint64(mem.PageSize)
		if endFrame <= startFrame {
			return true
		}

		for f := startFrame; f < endFrame; f++ {
			a.bmp.Clear(f)
		}
		a.reservedFrames -= endFrame - startFrame

		// Place the bitmap inside the first allocatable region large
		// enough to hold it. The frames it occupies are withdrawn
		// from the pool again immediately.
		if !bitmapPlaced && endFrame-startFrame >= bitmapFrames {
			a.bmp.SetRange(startFrame, bitmapFrames)
			a.reservedFrames += bitmapFrames
			bitmapPlaced = true
		}

		return true
	})

	if !bitmapPlaced {
		return ErrOutOfMemory
	}

	// Frame 0 traps null-dereference bugs and is never handed out. In
	// practice it already lies outside every usable region reported by
	// firmware and is reserved above; this call only matters for memory
	// maps that, unusually, report frame 0 itself as allocatable.
	a.reserveIfFree(0)

	a.initialized = true
	return nil
}

func (a *allocator) reserveIfFree(frame uint64) {
	if frame >= a.totalFrames {
		return
	}
	if !a.bmp.Test(frame) {
		a.bmp.Set(frame)
		a.reservedFrames++
	}
}

// AllocFrame finds the first clear bit at or after the allocator's search
// hint, wrapping once to search [0, hint), marks it used and returns the
// corresponding frame.
func AllocFrame() (mem.Frame, *kernel.Error) {
	return global.allocFrame()
}

func (a *allocator) allocFrame() (mem.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return mem.InvalidFrame, ErrNotInitialized
	}

	idx, ok := a.bmp.FirstClear(a.hint)
	if !ok {
		idx, ok = a.bmp.FirstClear(0)
		if !ok || idx >= a.hint {
			return mem.InvalidFrame, ErrOutOfMemory
		}
	}

	a.bmp.Set(idx)
	a.usedFrames++
	a.hint = idx + 1
	return mem.Frame(idx), nil
}

// AllocContiguous finds the first run of n consecutive clear frames using a
// sliding window and marks every frame in the run used.
func AllocContiguous(n uint64) (mem.Frame, *kernel.Error) {
	return global.allocContiguous(n)
}

func (a *allocator) allocContiguous(n uint64) (mem.Frame, *kernel.Error) {
	if n == 0 {
		return mem.InvalidFrame, ErrInvalidArgument
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return mem.InvalidFrame, ErrNotInitialized
	}

	idx, ok := a.bmp.FirstClearRun(0, n)
	if !ok {
		return mem.InvalidFrame, ErrOutOfMemory
	}

	a.bmp.SetRange(idx, n)
	a.usedFrames += n
	if idx+n > a.hint {
		a.hint = idx + n
	}
	return mem.Frame(idx), nil
}

// AllocInRange behaves like AllocContiguous but only considers runs whose
// start frame lies within [lo, hi).
func AllocInRange(n uint64, lo, hi mem.Frame) (mem.Frame, *kernel.Error) {
	return global.allocInRange(n, lo, hi)
}

func (a *allocator) allocInRange(n uint64, lo, hi mem.Frame) (mem.Frame, *kernel.Error) {
	if n == 0 || hi <= lo {
		return mem.InvalidFrame, ErrInvalidArgument
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return mem.InvalidFrame, ErrNotInitialized
	}

	search := uint64(lo)
	limit := uint64(hi)
	if limit > a.totalFrames {
		limit = a.totalFrames
	}

	for search < limit {
		idx, ok := a.bmp.FirstClearRun(search, n)
		if !ok || idx >= limit {
			return mem.InvalidFrame, ErrOutOfMemory
		}

		a.bmp.SetRange(idx, n)
		a.usedFrames += n
		if idx+n > a.hint {
			a.hint = idx + n
		}
		return mem.Frame(idx), nil
	}

	return mem.InvalidFrame, ErrOutOfMemory
}

// AllocAligned behaves like AllocContiguous but only returns a run whose
// start frame's physical address is a multiple of alignment, which must be a
// power of two multiple of the page size.
func AllocAligned(n uint64, alignment uint64) (mem.Frame, *kernel.Error) {
	return global.allocAligned(n, alignment)
}

func (a *allocator) allocAligned(n uint64, alignment uint64) (mem.Frame, *kernel.Error) {
	if n == 0 || alignment == 0 || alignment&(alignment-1) != 0 {
		return mem.InvalidFrame, ErrInvalidArgument
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return mem.InvalidFrame, ErrNotInitialized
	}

	pageSize := uint64(mem.PageSize)
	search := uint64(0)
	for search+n <= a.totalFrames {
		idx, ok := a.bmp.FirstClearRun(search, n)
		if !ok {
			return mem.InvalidFrame, ErrOutOfMemory
		}

		if (idx*pageSize)%alignment == 0 {
			a.bmp.SetRange(idx, n)
			a.usedFrames += n
			if idx+n > a.hint {
				a.hint = idx + n
			}
			return mem.Frame(idx), nil
		}

		search = idx + 1
	}

	return mem.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns a single frame to the pool. It fails with
// ErrAlreadyFree if the frame's bit is already clear.
func FreeFrame(f mem.Frame) *kernel.Error {
	return global.freeFrame(f)
}

func (a *allocator) freeFrame(f mem.Frame) *kernel.Error {
	idx := uint64(f)

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return ErrNotInitialized
	}
	if idx >= a.totalFrames {
		return ErrInvalidArgument
	}
	if !a.bmp.Test(idx) {
		return ErrAlreadyFree
	}

	a.bmp.Clear(idx)
	a.usedFrames--
	if idx < a.hint {
		a.hint = idx
	}
	return nil
}

// FreeContiguous returns a run of n frames starting at base to the pool. The
// pre-check is atomic: either every targeted bit is currently set, or the
// call fails entirely with ErrAlreadyFree and no bits are modified.
func FreeContiguous(base mem.Frame, n uint64) *kernel.Error {
	return global.freeContiguous(base, n)
}

func (a *allocator) freeContiguous(base mem.Frame, n uint64) *kernel.Error {
	if n == 0 {
		return ErrInvalidArgument
	}
	idx := uint64(base)

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return ErrNotInitialized
	}
	if idx+n > a.totalFrames {
		return ErrInvalidArgument
	}
	if !a.bmp.AllSet(idx, n) {
		return ErrAlreadyFree
	}

	a.bmp.ClearRange(idx, n)
	a.usedFrames -= n
	if idx < a.hint {
		a.hint = idx
	}
	return nil
}

// IsFree reports whether the frame at the given physical address is
// currently free.
func IsFree(addr uintptr) bool {
	return global.isFree(addr)
}

func (a *allocator) isFree(addr uintptr) bool {
	idx := uint64(mem.FrameFromAddress(addr))

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized || idx >= a.totalFrames {
		return false
	}
	return !a.bmp.Test(idx)
}

// PageInfo returns the frame index for addr and whether it is currently
// free.
func PageInfo(addr uintptr) (index uint64, isFree bool) {
	return global.pageInfo(addr)
}

func (a *allocator) pageInfo(addr uintptr) (uint64, bool) {
	idx := uint64(mem.FrameFromAddress(addr))

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized || idx >= a.totalFrames {
		return idx, false
	}
	return idx, !a.bmp.Test(idx)
}

// GetStats returns a snapshot of the allocator's bookkeeping counters.
func GetStats() Stats {
	return global.getStats()
}

func (a *allocator) getStats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	return Stats{
		TotalFrames:    a.totalFrames,
		FreeFrames:     a.totalFrames - a.usedFrames - a.reservedFrames,
		UsedFrames:     a.usedFrames,
		ReservedFrames: a.reservedFrames,
	}
}

// LargestFreeRun returns the length, in frames, of the longest run of
// consecutive free frames currently available.
func LargestFreeRun() uint64 {
	return global.largestFreeRun()
}

func (a *allocator) largestFreeRun() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return 0
	}
	return a.bmp.LargestClearRun()
}

// CheckIntegrity verifies that frame_stats.total == free + used + reserved
// and that frame 0 is marked used. A violation indicates corrupted
// bookkeeping and is a Fatal-class condition per the error taxonomy; callers
// at the top of the stack are expected to panic on a false return.
func CheckIntegrity() bool {
	return global.checkIntegrity()
}

func (a *allocator) checkIntegrity() bool {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return false
	}
	if a.totalFrames != a.bmp.CountClear()+a.usedFrames+a.reservedFrames {
		return false
	}
	return a.bmp.Test(0)
}
