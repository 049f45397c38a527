// Package heap implements the kernel's dynamic memory allocator: a slab
// allocator for small, fixed-size objects backed by a buddy allocator for
// larger requests. Both sit on top of the physical frame
// allocator and the kernel's direct-mapped view of physical memory.
package heap

import (
	"unsafe"

	"github.com/tascaenzo/zone-os-sub000/kernel"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/list"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/vmm"
	"github.com/tascaenzo/zone-os-sub000/kernel/sync"
)

// slabThreshold is the largest request size routed to the slab allocator.
// Anything bigger goes straight to the buddy allocator.
const slabThreshold = 2048

// Info summarizes the heap's current occupancy, reported by DumpInfo.
type Info struct {
	SlabCaches   int
	BuddyArenas  int
	BytesInUse   uint64
	AllocCalls   uint64
	FreeCalls    uint64
}

type heap struct {
	lock  sync.Spinlock
	slabs slabAllocator
	buddy buddyAllocator

	allocCalls uint64
	freeCalls  uint64

	initialized bool
}

var global heap

// Init prepares the slab size classes and readies the buddy allocator for
// lazy arena growth. The PFA and the virtual memory manager must already be
// initialized; the heap allocates through pmm and translates physical
// addresses through vmm's direct map.
func Init() *kernel.Error {
	global.lock.Acquire()
	defer global.lock.Release()

	if err := global.slabs.init(); err != nil {
		return err
	}
	global.initialized = true
	return nil
}

// Allocate returns size bytes of uninitialized memory, or ErrOutOfMemory if
// no frames are available to satisfy the request.
func Allocate(size uint64) (uintptr, *kernel.Error) {
	return global.allocate(size, false)
}

// AllocateZeroed behaves like Allocate but zero-fills the returned memory.
func AllocateZeroed(size uint64) (uintptr, *kernel.Error) {
	return global.allocate(size, true)
}

func (h *heap) allocate(size uint64, zero bool) (uintptr, *kernel.Error) {
	if !h.initialized {
		return 0, ErrInvalidArgument
	}
	if size == 0 {
		return 0, ErrInvalidArgument
	}

	var ptr uintptr
	var err *kernel.Error

	if size <= slabThreshold {
		c := h.slabs.bestFit(uint32(size))
		if c == nil {
			return 0, ErrInvalidArgument
		}
		ptr, err = c.cacheAlloc()
	} else {
		h.lock.Acquire()
		order := sizeToOrder(uintptr(size) + unsafe.Sizeof(blockHeader{}))
		hdr, e := h.buddy.allocOrder(order)
		h.lock.Release()
		if e != nil {
			return 0, e
		}
		err = nil
		ptr = uintptr(unsafe.Pointer(hdr)) + uintptr(unsafe.Sizeof(blockHeader{}))
	}

	if err != nil {
		return 0, err
	}

	h.lock.Acquire()
	h.allocCalls++
	h.lock.Release()

	if zero {
		zeroRange(ptr, size)
	}
	return ptr, nil
}

// Free releases memory previously returned by Allocate or AllocateZeroed.
func Free(ptr uintptr) *kernel.Error {
	return global.free(ptr)
}

func (h *heap) free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		return ErrInvalidArgument
	}

	if c := h.slabs.findCacheForPtr(ptr); c != nil {
		if err := c.cacheFree(ptr); err != nil {
			return err
		}
		h.lock.Acquire()
		h.freeCalls++
		h.lock.Release()
		return nil
	}

	headerAddr := ptr - uintptr(unsafe.Sizeof(blockHeader{}))
	hdr := (*blockHeader)(unsafe.Pointer(headerAddr))
	if hdr.magic != blockMagicUsed {
		return ErrCorrupted
	}

	h.lock.Acquire()
	h.buddy.free(hdr)
	h.freeCalls++
	h.lock.Release()
	return nil
}

// DumpInfo reports a point-in-time summary of heap occupancy, intended for
// diagnostics rather than precise accounting.
func DumpInfo() Info {
	global.lock.Acquire()
	defer global.lock.Release()

	return Info{
		SlabCaches:  global.slabs.count,
		BuddyArenas: len(global.buddy.arenas),
		AllocCalls:  global.allocCalls,
		FreeCalls:   global.freeCalls,
	}
}

// CheckIntegrity walks every slab and buddy free list, verifying headers
// carry their expected magic values.
func CheckIntegrity() bool {
	global.lock.Acquire()
	defer global.lock.Release()

	for i := 0; i < global.slabs.count; i++ {
		c := global.slabs.caches[i]
		c.lock.Acquire()
		for _, l := range [...]*list.List{&c.empty, &c.partial, &c.full} {
			for n := l.Front(); n != nil; n = n.Next() {
				if hdr := slabFromNode(n); hdr.magic != slabMagicLive || hdr.cache != c {
					c.lock.Release()
					return false
				}
			}
		}
		c.lock.Release()
	}

	return global.buddy.checkIntegrity()
}

// CreateCache exposes the slab allocator to callers that need a dedicated
// cache for a fixed-size, frequently allocated kernel object (e.g. process
// control blocks) instead of routing through the shared size classes.
func CreateCache(name string, size, align uint32, ctor, dtor func(uintptr)) (*Cache, *kernel.Error) {
	global.lock.Acquire()
	defer global.lock.Release()
	return global.slabs.cacheCreate(name, size, align, ctor, dtor)
}

// CacheAlloc allocates one object from a cache created with CreateCache.
func CacheAlloc(c *Cache) (uintptr, *kernel.Error) {
	return c.cacheAlloc()
}

// CacheFree returns an object allocated from c.
func CacheFree(c *Cache, ptr uintptr) *kernel.Error {
	return c.cacheFree(ptr)
}

// ShrinkCache releases every fully-empty slab owned by c back to the PFA,
// returning the number of frames released.
func ShrinkCache(c *Cache) int {
	return c.shrinkCache()
}

// physToVirtFn and virtToPhysFn delegate to vmm's direct-map translation by
// default. Tests override them to redirect "physical" frame addresses into
// ordinary Go-allocated backing memory, since a hosted test binary has no
// real direct map to dereference.
var (
	physToVirtFn = vmm.PhysToVirt
	virtToPhysFn = vmm.VirtToPhys
)

func physToVirt(p uintptr) uintptr {
	return physToVirtFn(p)
}

func virtToPhys(v uintptr) uintptr {
	return virtToPhysFn(v)
}

func zeroPage(addr uintptr) {
	kernel.Memset(addr, 0, mem.PageSize)
}

func zeroRange(addr uintptr, n uint64) {
	kernel.Memset(addr, 0, uintptr(n))
}
