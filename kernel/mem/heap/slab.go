package heap

import (
	"unsafe"

	"github.com/tascaenzo/zone-os-sub000/kernel"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/list"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/pmm"
	"github.com/tascaenzo/zone-os-sub000/kernel/sync"
)

// slabMagicLive identifies a slab header that has been properly initialized
// and not yet corrupted.
const slabMagicLive = uint32(0x5A1B0000)

// maxCaches bounds the slab cache table, matching the handful of geometric
// size classes the facade creates at init plus any caller-defined ones.
const maxCaches = 32

// slabHeader sits at offset 0 of every slab frame. The remainder of the
// frame is partitioned into objectsPerSlab equally-sized slots; free slots
// are threaded into a singly-linked list through their own first machine
// word, so the list costs no memory beyond the objects themselves.
type slabHeader struct {
	list.Node

	cache        *Cache
	totalObjects uint32
	freeObjects  uint32
	freeHead     uintptr
	magic        uint32
}

// Cache is a named collection of slab frames that all hold objects of the
// same size and alignment. Slabs move between the empty, partial and full
// lists as their occupancy changes.
type Cache struct {
	lock sync.Spinlock

	name       string
	objectSize uint32
	align      uint32
	ctor       func(ptr uintptr)
	dtor       func(ptr uintptr)

	empty   list.List
	partial list.List
	full    list.List

	allocCount uint64
	freeCount  uint64
}

// ObjectSize returns the size, in bytes, of objects served by this cache.
func (c *Cache) ObjectSize() uint32 {
	return c.objectSize
}

var (
	// ErrInvalidArgument mirrors pmm.ErrInvalidArgument for heap-local
	// argument validation failures.
	ErrInvalidArgument = &kernel.Error{Module: "heap", Message: "invalid argument"}

	// ErrOutOfMemory indicates the underlying frame allocator could not
	// supply a fresh slab frame.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrCorrupted indicates a slab header or a buddy block header failed
	// its magic check; this is a Fatal-class condition.
	ErrCorrupted = &kernel.Error{Module: "heap", Message: "corrupted block header"}

	errTooManyCaches = &kernel.Error{Module: "heap", Message: "cache table is full"}
)

// sizeClasses are the geometric slab sizes created automatically at init,
// covering every allocation the facade routes to the slab path.
var sizeClasses = [...]uint32{16, 32, 64, 128, 256, 512, 1024, 2048}

type slabAllocator struct {
	caches [maxCaches]*Cache
	count  int
}

// cacheCreate rounds size up to at least a pointer's width (so a free slot
// can always hold the intrusive free-list link) and then up again to a
// multiple of align, which must be a power of two.
func (s *slabAllocator) cacheCreate(name string, size, align uint32, ctor, dtor func(uintptr)) (*Cache, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, ErrInvalidArgument
	}
	if s.count >= maxCaches {
		return nil, errTooManyCaches
	}

	minSize := uint32(unsafe.Sizeof(uintptr(0)))
	if size < minSize {
		size = minSize
	}
	size = (size + align - 1) &^ (align - 1)

	c := &Cache{name: name, objectSize: size, align: align, ctor: ctor, dtor: dtor}
	s.caches[s.count] = c
	s.count++
	return c, nil
}

// objectsPerSlab returns how many size-byte objects fit after the header in
// a single page-sized slab frame.
func objectsPerSlab(objectSize uint32) uint32 {
	headerSize := uint32(unsafe.Sizeof(slabHeader{}))
	usable := uint32(mem.PageSize) - headerSize
	return usable / objectSize
}

// growSlab allocates a fresh frame from the PFA, writes a slab header at its
// base and threads the remaining space into a free list, then links it onto
// the cache's empty list.
func (c *Cache) growSlab() *kernel.Error {
	frame, err := pmm.AllocFrame()
	if err != nil {
		return ErrOutOfMemory
	}

	virt := physToVirt(frame.Address())
	zeroPage(virt)

	hdr := (*slabHeader)(unsafe.Pointer(virt))
	hdr.cache = c
	hdr.magic = slabMagicLive
	hdr.totalObjects = objectsPerSlab(c.objectSize)
	hdr.freeObjects = hdr.totalObjects

	headerSize := uintptr(unsafe.Sizeof(slabHeader{}))
	align := uintptr(c.align)
	base := (virt + headerSize + align - 1) &^ (align - 1)

	// Thread every slot's first word to the next slot, terminating with 0.
	var prev uintptr
	for i := uint32(0); i < hdr.totalObjects; i++ {
		slot := base + uintptr(i)*uintptr(c.objectSize)
		*(*uintptr)(unsafe.Pointer(slot)) = 0
		if prev != 0 {
			*(*uintptr)(unsafe.Pointer(prev)) = slot
		} else {
			hdr.freeHead = slot
		}
		prev = slot
	}

	c.empty.PushBack(&hdr.Node)
	return nil
}

// cacheAlloc returns an object from the cache, growing it with a fresh slab
// if every existing slab is full. The object's contents are not cleared: its
// first word still holds the free-list link, and a reused slot keeps the
// bytes of its previous occupant.
func (c *Cache) cacheAlloc() (uintptr, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	var hdr *slabHeader
	if n := c.partial.Front(); n != nil {
		hdr = slabFromNode(n)
	} else if n := c.empty.Front(); n != nil {
		hdr = slabFromNode(n)
		c.empty.Remove(n)
		c.partial.PushBack(n)
	} else {
		if err := c.growSlab(); err != nil {
			return 0, err
		}
		n := c.empty.Front()
		hdr = slabFromNode(n)
		c.empty.Remove(n)
		c.partial.PushBack(n)
	}

	ptr := hdr.freeHead
	hdr.freeHead = *(*uintptr)(unsafe.Pointer(ptr))
	hdr.freeObjects--
	c.allocCount++

	if hdr.freeObjects == 0 {
		c.partial.Remove(&hdr.Node)
		c.full.PushBack(&hdr.Node)
	}

	if c.ctor != nil {
		c.lock.Release()
		c.ctor(ptr)
		c.lock.Acquire()
	}

	return ptr, nil
}

// cacheFree derives the owning slab header from ptr's frame-aligned base,
// validates it, and returns the object to the free list.
func (c *Cache) cacheFree(ptr uintptr) *kernel.Error {
	hdr := headerForPtr(ptr)
	if hdr.magic != slabMagicLive {
		return ErrCorrupted
	}
	if hdr.cache != c {
		return ErrInvalidArgument
	}

	if c.dtor != nil {
		c.dtor(ptr)
	}

	c.lock.Acquire()
	defer c.lock.Release()

	wasFull := hdr.freeObjects == 0

	*(*uintptr)(unsafe.Pointer(ptr)) = hdr.freeHead
	hdr.freeHead = ptr
	hdr.freeObjects++
	c.freeCount++

	if wasFull {
		c.full.Remove(&hdr.Node)
		c.partial.PushBack(&hdr.Node)
	}
	if hdr.freeObjects == hdr.totalObjects {
		c.partial.Remove(&hdr.Node)
		c.empty.PushBack(&hdr.Node)
	}

	return nil
}

// shrinkCache releases every slab whose free count equals its total object
// count back to the PFA and returns how many frames were released.
func (c *Cache) shrinkCache() int {
	c.lock.Acquire()
	defer c.lock.Release()

	released := 0
	for n := c.empty.Front(); n != nil; {
		next := n.Next()
		hdr := slabFromNode(n)
		c.empty.Remove(n)
		_ = pmm.FreeFrame(mem.FrameFromAddress(virtToPhys(uintptr(unsafe.Pointer(hdr)))))
		released++
		n = next
	}
	return released
}

// headerForPtr recovers the slab header address by masking ptr down to the
// frame boundary.
func headerForPtr(ptr uintptr) *slabHeader {
	base := ptr &^ (uintptr(mem.PageSize) - 1)
	return (*slabHeader)(unsafe.Pointer(base))
}

func slabFromNode(n *list.Node) *slabHeader {
	return (*slabHeader)(unsafe.Pointer(n))
}

// findCacheForPtr scans every cache's slab lists looking for the one
// containing ptr's frame. Used by the facade to route a free() call without
// the caller stating which cache owns ptr.
func (s *slabAllocator) findCacheForPtr(ptr uintptr) *Cache {
	hdr := headerForPtr(ptr)
	if hdr.magic != slabMagicLive {
		return nil
	}
	for i := 0; i < s.count; i++ {
		if s.caches[i] == hdr.cache {
			return s.caches[i]
		}
	}
	return nil
}

// bestFit returns the smallest cache whose object size is at least size, or
// nil if size exceeds every configured class.
func (s *slabAllocator) bestFit(size uint32) *Cache {
	var best *Cache
	for i := 0; i < s.count; i++ {
		c := s.caches[i]
		if c.objectSize >= size && (best == nil || c.objectSize < best.objectSize) {
			best = c
		}
	}
	return best
}

func (s *slabAllocator) init() *kernel.Error {
	for _, size := range sizeClasses {
		if _, err := s.cacheCreate("", size, size, nil, nil); err != nil {
			return err
		}
	}
	return nil
}
