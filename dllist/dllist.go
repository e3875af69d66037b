// Package dllist implements a non-owning, size-tracked doubly linked list
// of intrusive nodes. It is the free-list primitive shared by the slab
// allocator (a single free list of slots) and the buddy allocator (one
// free list per level).
package dllist

// A Node is an intrusive doubly linked list element. The zero value is an
// unlinked node. Node carries no payload; the enclosing type (a slab slot
// header, a BuddyNode) embeds Node and recovers its own address from the
// Node's address.
type Node struct {
	prev, next *Node
}

// Prev returns the node preceding this one in its list, or nil if this
// node is the head or unlinked.
func (n *Node) Prev() *Node { return n.prev }

// Next returns the node following this one in its list, or nil if this
// node is the tail or unlinked.
func (n *Node) Next() *Node { return n.next }

// List is a head+tail doubly linked list. List owns neither its nodes nor
// whatever payload the caller has embedded a Node in; the caller is
// responsible for that memory's lifetime. The zero value is an empty
// list.
type List struct {
	head, tail *Node
	size       int
}

// Len returns the number of nodes currently linked into l.
func (l *List) Len() int { return l.size }

// Head returns the first node, or nil if l is empty.
func (l *List) Head() *Node { return l.head }

// Tail returns the last node, or nil if l is empty.
func (l *List) Tail() *Node { return l.tail }

// PushFront links n at the head of l. n's existing links, if any, are
// overwritten without being detached from whatever list they belonged to;
// the caller MUST ensure n is not already linked into any list.
func (l *List) PushFront(n *Node) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.size++
}

// PushBack links n at the tail of l. Same linkage precondition as
// PushFront.
func (l *List) PushBack(n *Node) {
	n.next = nil
	n.prev = l.tail
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.size++
}

// Detach unlinks n from l. The caller MUST guarantee n is currently linked
// into l; Detach does not search for n (see Find for that) and will
// corrupt l if n belongs to a different list or to none.
func (l *List) Detach(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.size--
}

// PopFront detaches and returns the first node, or nil if l is empty.
func (l *List) PopFront() *Node {
	n := l.head
	if n == nil {
		return nil
	}
	l.Detach(n)
	return n
}

// PopBack detaches and returns the last node, or nil if l is empty.
func (l *List) PopBack() *Node {
	n := l.tail
	if n == nil {
		return nil
	}
	l.Detach(n)
	return n
}

// Find walks l from the head looking for n by pointer identity (not by
// value) and reports whether it is present.
func (l *List) Find(n *Node) bool {
	for c := l.head; c != nil; c = c.next {
		if c == n {
			return true
		}
	}
	return false
}
