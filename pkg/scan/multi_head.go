// Tiercache keeps keys in two independent stores, and a key may live in either or both. Listing keys needs a way to
// walk several sorted key sources as one, without materializing their union.
//
// This module implements a heap-based multi-way iterator that lazily yields from multiple underneath iterators.
// Keys pulled from multiple sequences are sorted by key and sequence priority; a key already yielded from a higher
// priority sequence is discarded when a lower priority sequence produces it again.

package scan

import (
	"container/heap"
	"errors"
	"iter"

	"github.com/nobletooth/tiercache/pkg/utils"
)

// CompareFn orders keys the way cmp.Compare does.
type CompareFn[K any] func(a, b K) int

// heapElement represents a pulled item from sequences inside iterHeap.
type heapElement[K any] struct {
	key    K
	seqIdx int // The sequence index that produced this element; lower is higher priority.
}

// iterHeap holds the iteration state over multiple iterators.
type iterHeap[K any] struct { // Implements heap.Interface.
	compare  CompareFn[K]
	elements []*heapElement[K] // The latest elements pulled from sequences.
}

var _ heap.Interface = (*iterHeap[int])(nil)

func (ih *iterHeap[K]) Len() int {
	return len(ih.elements)
}

// Less returns true when element[i] has a less key or less priority with equal keys.
func (ih *iterHeap[K]) Less(i, j int) bool {
	e1, e2 := ih.elements[i], ih.elements[j]
	if cmp := ih.compare(e1.key, e2.key); cmp != 0 {
		return cmp < 0
	}
	return e1.seqIdx < e2.seqIdx
}

// Swap changes positions of elements at i and j.
func (ih *iterHeap[K]) Swap(i, j int) {
	ih.elements[i], ih.elements[j] = ih.elements[j], ih.elements[i]
}

// Push will add the given element `x` to the heap if it matches the desired type.
func (ih *iterHeap[K]) Push(x any) {
	if element, ok := x.(*heapElement[K]); !ok {
		utils.RaiseInvariant("multi_head", "pushed_invalid_type", "An item with invalid type was pushed to heap.")
	} else if element == nil {
		utils.RaiseInvariant("multi_head", "pushed_nil_element", "A nil element was pushed to iteration heap.")
	} else if len(ih.elements) == cap(ih.elements) {
		utils.RaiseInvariant("multi_head", "exceeded_capacity",
			"An element was pushed while the capacity was full.", "cap", cap(ih.elements))
	} else {
		ih.elements = append(ih.elements, element)
	}
}

// Pop returns and removes the last element in the heap.
func (ih *iterHeap[K]) Pop() any {
	lastElement := ih.elements[len(ih.elements)-1]
	ih.elements = ih.elements[:len(ih.elements)-1]
	return lastElement
}

// MultiHead merges increasing sequences into one increasing sequence without duplicates.
// Note: Sequences are expected to be increasing; the result is undefined otherwise.
func MultiHead[K any](compare CompareFn[K], sequences ...iter.Seq[K]) (iter.Seq[K], error) {
	if compare == nil {
		return nil, errors.New("expected a non-nil comparison function")
	}
	if len(sequences) == 0 {
		return nil, errors.New("expected a non-empty sequences")
	}

	return func(yield func(K) bool) {
		// Sequences are pulled lazily, once iteration starts, so the returned sequence can be iterated again.
		it := &iterHeap[K]{compare: compare, elements: make([]*heapElement[K], 0, len(sequences))}
		pull := make([]func() (K, bool), len(sequences))
		stop := make([]func(), len(sequences))
		defer func() { // Stop all underlying sequences once iteration is done.
			for _, stopFn := range stop {
				if stopFn != nil {
					stopFn()
				}
			}
		}()
		for seqIdx, seq := range sequences {
			pull[seqIdx], stop[seqIdx] = iter.Pull(seq)
			if first, hasAny := pull[seqIdx](); hasAny {
				heap.Push(it, &heapElement[K]{key: first, seqIdx: seqIdx})
			}
		}

		var last K
		hasLast := false
		for it.Len() > 0 {
			top := heap.Pop(it).(*heapElement[K])
			if next, hasNext := pull[top.seqIdx](); hasNext {
				heap.Push(it, &heapElement[K]{key: next, seqIdx: top.seqIdx})
			}
			// Discard lower priority copies of the key that was just yielded.
			if hasLast && it.compare(top.key, last) == 0 {
				continue
			}
			last, hasLast = top.key, true
			if !yield(top.key) {
				return
			}
		}
	}, nil
}
