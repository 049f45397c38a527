package heap

import (
	"unsafe"

	"github.com/tascaenzo/zone-os-sub000/kernel"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/bitmap"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/list"
	"github.com/tascaenzo/zone-os-sub000/kernel/mem/pmm"
)

// minBlocksPerArena is the number of minimum-order (2KiB) blocks covered by
// one maximal-order arena.
const minBlocksPerArena = uint64(1) << (buddyMaxOrder - buddyMinOrder)

// buddyMinOrder and buddyMaxOrder bound the block sizes the buddy allocator
// manages, in units of minBlockSize = 1<<buddyMinOrder bytes. Order 0 blocks
// are 2KiB, matching the slab/buddy handoff threshold; order 9 tops out at
// 1MiB, the size of one contiguous arena obtained from the PFA whenever every
// order's free list is exhausted.
const (
	buddyMinOrder = 11 // 2KiB
	buddyMaxOrder = 20 // 1MiB
	buddyOrders   = buddyMaxOrder - buddyMinOrder + 1
)

const (
	blockMagicFree = uint32(0xB0DD0000)
	blockMagicUsed = uint32(0xB0DD0001)
)

// blockHeader prefixes every free block on an order's free list. In-use
// blocks keep the same header (for check_integrity and to recover the
// block's order on free) but are unlinked from any list.
type blockHeader struct {
	list.Node

	order uint8
	magic uint32
}

// buddyArena is a single contiguous region of virtual address space, backed
// by physical frames obtained from the PFA, split by power-of-two buddy
// allocation. A fresh arena is grown whenever every order is exhausted.
type buddyArena struct {
	base  uintptr
	order uint8 // order of the whole arena, in buddyMinOrder units

	// used marks, one bit per minimum-order block, whether that block
	// currently lies inside some allocated block. It is redundant with the
	// free lists for allocation purposes but lets checkIntegrity detect a
	// free-list entry that overlaps memory already handed to a caller.
	used        *bitmap.Bitmap
	usedBacking []uint64
}

type buddyAllocator struct {
	arenas   []*buddyArena
	freeList [buddyOrders]list.List
}

func orderSize(order uint8) uintptr {
	return uintptr(1) << (buddyMinOrder + order)
}

func sizeToOrder(size uintptr) uint8 {
	order := uint8(0)
	blockSize := uintptr(1) << buddyMinOrder
	for blockSize < size && order < buddyOrders-1 {
		blockSize <<= 1
		order++
	}
	return order
}

// growArena reserves a fresh 1MiB arena from the PFA (256 contiguous 4KiB
// frames, with no alignment beyond the page; buddy addresses are computed
// relative to the arena base), maps it 1:1 through the direct map, and seeds the buddy
// free lists with a single maximal-order block.
func (b *buddyAllocator) growArena() *kernel.Error {
	framesNeeded := orderSize(buddyMaxOrder-buddyMinOrder) / mem.PageSize
	base, err := pmm.AllocContiguous(uint64(framesNeeded))
	if err != nil {
		return ErrOutOfMemory
	}

	arena := &buddyArena{
		base:  physToVirt(base.Address()),
		order: buddyMaxOrder - buddyMinOrder,
	}
	arena.usedBacking = make([]uint64, bitmap.WordsFor(minBlocksPerArena))
	arena.used = bitmap.New(arena.usedBacking, minBlocksPerArena)
	b.arenas = append(b.arenas, arena)

	hdr := (*blockHeader)(unsafe.Pointer(arena.base))
	hdr.order = buddyMaxOrder - buddyMinOrder
	hdr.magic = blockMagicFree
	b.freeList[hdr.order].PushBack(&hdr.Node)

	return nil
}

// splitDown repeatedly halves hdr, pushing the upper half of each split onto
// that order's free list as a newly-available buddy, until hdr itself has
// shrunk to targetOrder.
func (b *buddyAllocator) splitDown(hdr *blockHeader, targetOrder uint8) *blockHeader {
	for hdr.order > targetOrder {
		order := hdr.order
		half := orderSize(order - 1)
		lowAddr := uintptr(unsafe.Pointer(hdr))
		highAddr := lowAddr + half

		low := (*blockHeader)(unsafe.Pointer(lowAddr))
		high := (*blockHeader)(unsafe.Pointer(highAddr))
		low.order, low.magic = order-1, blockMagicFree
		high.order, high.magic = order-1, blockMagicFree

		b.freeList[order-1].PushBack(&high.Node)
		hdr = low
	}
	return hdr
}

// allocOrder returns a free block of the requested order, splitting higher
// orders or growing a fresh arena as needed.
func (b *buddyAllocator) allocOrder(order uint8) (*blockHeader, *kernel.Error) {
	if order >= buddyOrders {
		return nil, ErrInvalidArgument
	}

	var hdr *blockHeader
	if n := b.freeList[order].Front(); n != nil {
		b.freeList[order].Remove(n)
		hdr = blockFromNode(n)
	} else {
		// Find the smallest higher order with a free block to split down.
		higher := order + 1
		for higher < buddyOrders && b.freeList[higher].Empty() {
			higher++
		}
		if higher >= buddyOrders {
			if err := b.growArena(); err != nil {
				return nil, err
			}
			return b.allocOrder(order)
		}

		n := b.freeList[higher].Front()
		b.freeList[higher].Remove(n)
		hdr = b.splitDown(blockFromNode(n), order)
	}

	hdr.magic = blockMagicUsed
	b.markUsed(hdr, order)
	return hdr, nil
}

// blockIndex returns the minimum-order block index of addr within arena.
func (b *buddyAllocator) blockIndex(arena *buddyArena, addr uintptr) uint64 {
	return uint64(addr-arena.base) / uint64(orderSize(0))
}

func (b *buddyAllocator) markUsed(hdr *blockHeader, order uint8) {
	addr := uintptr(unsafe.Pointer(hdr))
	arena := b.arenaFor(addr)
	if arena == nil {
		return
	}
	arena.used.SetRange(b.blockIndex(arena, addr), uint64(1)<<order)
}

func (b *buddyAllocator) markFree(hdr *blockHeader, order uint8) {
	addr := uintptr(unsafe.Pointer(hdr))
	arena := b.arenaFor(addr)
	if arena == nil {
		return
	}
	arena.used.ClearRange(b.blockIndex(arena, addr), uint64(1)<<order)
}

// buddyAddress computes the address of hdr's sibling block at its order by
// flipping the bit corresponding to that order's block size, relative to
// the owning arena's base.
func (b *buddyAllocator) buddyAddress(hdr *blockHeader) uintptr {
	addr := uintptr(unsafe.Pointer(hdr))
	arena := b.arenaFor(addr)
	if arena == nil {
		return 0
	}
	offset := addr - arena.base
	size := orderSize(hdr.order)
	return arena.base + (offset ^ size)
}

func (b *buddyAllocator) arenaFor(addr uintptr) *buddyArena {
	for _, a := range b.arenas {
		arenaSize := orderSize(a.order)
		if addr >= a.base && addr < a.base+arenaSize {
			return a
		}
	}
	return nil
}

// free returns hdr to its order's free list, coalescing with its buddy
// repeatedly while the buddy is itself free and not the arena's top block.
func (b *buddyAllocator) free(hdr *blockHeader) {
	b.markFree(hdr, hdr.order)
	hdr.magic = blockMagicFree

	for hdr.order < buddyMaxOrder-buddyMinOrder {
		buddyAddr := b.buddyAddress(hdr)
		if buddyAddr == 0 {
			break
		}
		buddy := (*blockHeader)(unsafe.Pointer(buddyAddr))
		if buddy.magic != blockMagicFree || buddy.order != hdr.order {
			break
		}

		b.freeList[hdr.order].Remove(&buddy.Node)

		if buddyAddr < uintptr(unsafe.Pointer(hdr)) {
			hdr = buddy
		}
		hdr.order++
	}

	b.freeList[hdr.order].PushBack(&hdr.Node)
}

func blockFromNode(n *list.Node) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(n))
}

// checkIntegrity walks every free list and confirms each entry carries the
// expected magic and order for that list, and that the bits it covers in its
// arena's bitmap are clear, i.e. no block simultaneously appears free and
// marked allocated.
func (b *buddyAllocator) checkIntegrity() bool {
	for order := 0; order < buddyOrders; order++ {
		for n := b.freeList[order].Front(); n != nil; n = n.Next() {
			hdr := blockFromNode(n)
			if hdr.magic != blockMagicFree || int(hdr.order) != order {
				return false
			}

			addr := uintptr(unsafe.Pointer(hdr))
			arena := b.arenaFor(addr)
			if arena == nil {
				return false
			}
			idx := b.blockIndex(arena, addr)
			span := uint64(1) << hdr.order
			for i := idx; i < idx+span; i++ {
				if arena.used.Test(i) {
					return false
				}
			}
		}
	}
	return true
}
