// Package list implements an intrusive doubly-linked list. Unlike
// container/list, the link pointers live inside the owning structure itself
// (a Node embedded by value) so inserting or removing an element never
// allocates. This is the shape the slab and buddy allocators need: a slab
// page or a free block already carries its own header in raw memory, and
// threading it onto a cache's partial list or an order's free list must not
// touch the Go heap.
package list

// Node is the embeddable link. Structures that participate in a list embed
// Node by value and pass its address to the List methods.
type Node struct {
	prev, next *Node
}

// List is an intrusive doubly-linked list headed by a sentinel-free pair of
// pointers. The zero value is an empty, ready to use list.
type List struct {
	head, tail *Node
	length     uint64
}

// Len returns the number of nodes currently linked into the list.
func (l *List) Len() uint64 {
	return l.length
}

// Empty reports whether the list has no nodes.
func (l *List) Empty() bool {
	return l.head == nil
}

// Front returns the first node in the list, or nil if the list is empty.
func (l *List) Front() *Node {
	return l.head
}

// Back returns the last node in the list, or nil if the list is empty.
func (l *List) Back() *Node {
	return l.tail
}

// Next returns the node following n, or nil if n is the last node.
func (n *Node) Next() *Node {
	return n.next
}

// Prev returns the node preceding n, or nil if n is the first node.
func (n *Node) Prev() *Node {
	return n.prev
}

// PushBack appends n to the end of the list.
func (l *List) PushBack(n *Node) {
	n.prev, n.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.length++
}

// PushFront prepends n to the start of the list.
func (l *List) PushFront(n *Node) {
	n.prev, n.next = nil, l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.length++
}

// Remove unlinks n from the list. n must currently be a member of l; removing
// a node that is not linked into any list, or already removed, is a no-op
// beyond clearing its pointers.
func (l *List) Remove(n *Node) {
	linked := n.prev != nil || n.next != nil || l.head == n

	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}

	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}

	n.prev, n.next = nil, nil
	if linked && l.length > 0 {
		l.length--
	}
}

// PopFront removes and returns the first node in the list, or nil if empty.
func (l *List) PopFront() *Node {
	n := l.head
	if n != nil {
		l.Remove(n)
	}
	return n
}
