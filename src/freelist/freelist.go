// Package freelist implements an intrusive singly-linked list of free blocks.
//
// The link to the next block is stored in the first word of each free block,
// so the list needs no memory of its own beyond its head. Blocks must be at
// least one word long and must not be touched by anyone else while listed.
package freelist

import (
	"iter"

	"github.com/alexlewtschuk/palloc/src/alloc"
)

// Nil terminates a list. It can never be the address of a block, which keeps
// address 0 usable.
const Nil = ^alloc.Addr(0)

// Words is the storage the links are threaded through.
type Words interface {
	LoadWord(a alloc.Addr) alloc.Addr
	StoreWord(a, v alloc.Addr)
}

// List is a LIFO stack of free block addresses.
type List struct {
	words Words
	head  alloc.Addr
	n     int
}

// New returns an empty list whose links are stored in words.
func New(words Words) List {
	return List{words: words, head: Nil}
}

// Len returns the number of blocks in the list.
func (l *List) Len() int { return l.n }

// IsEmpty reports whether the list has no blocks.
func (l *List) IsEmpty() bool { return l.head == Nil }

// Push puts the block at a on top of the list.
func (l *List) Push(a alloc.Addr) {
	l.words.StoreWord(a, l.head)
	l.head = a
	l.n++
}

// Peek returns the top block without removing it.
func (l *List) Peek() (alloc.Addr, bool) {
	if l.head == Nil {
		return 0, false
	}
	return l.head, true
}

// Pop removes and returns the top block.
func (l *List) Pop() (alloc.Addr, bool) {
	if l.head == Nil {
		return 0, false
	}
	a := l.head
	l.head = l.words.LoadWord(a)
	l.n--
	return a, true
}

// Remove unlinks the block at a. It reports false if a is not listed.
func (l *List) Remove(a alloc.Addr) bool {
	if l.head == Nil {
		return false
	}
	if l.head == a {
		l.Pop()
		return true
	}
	prev := l.head
	for cur := l.words.LoadWord(prev); cur != Nil; cur = l.words.LoadWord(prev) {
		if cur == a {
			l.words.StoreWord(prev, l.words.LoadWord(cur))
			l.n--
			return true
		}
		prev = cur
	}
	return false
}

// Contains reports whether the block at a is listed.
func (l *List) Contains(a alloc.Addr) bool {
	for b := range l.All() {
		if b == a {
			return true
		}
	}
	return false
}

// All yields the listed blocks from top to bottom. The list must not be
// modified during iteration.
func (l *List) All() iter.Seq[alloc.Addr] {
	return func(yield func(alloc.Addr) bool) {
		for cur := l.head; cur != Nil; cur = l.words.LoadWord(cur) {
			if !yield(cur) {
				return
			}
		}
	}
}
