package cache

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

// assertLinkedListEqualsSlice makes sure the list elements match the linked list elements.
func assertLinkedListEqualsSlice[V comparable](t *testing.T, expected []V, list *linkedList[V]) {
	t.Helper()

	assert.Equal(t, len(expected), list.Len(), "List length mismatch")

	if len(expected) == 0 {
		assert.Nil(t, list.Front(), "Empty list should have nil Front()")
		assert.Nil(t, list.tail, "Empty list should have a nil tail")
		return
	}

	// Check head and tail values.
	assert.NotNil(t, list.Front())
	assert.NotNil(t, list.tail)
	assert.Equal(t, expected[0], list.Front().Value, "Front() value mismatch")
	assert.Equal(t, expected[len(expected)-1], list.tail.Value, "Tail value mismatch")

	// Forward iteration.
	var forwardResult []V
	for node := list.Front(); node != nil; node = node.Next() {
		forwardResult = append(forwardResult, node.Value)
	}
	assert.Equal(t, expected, forwardResult, "Forward iteration mismatch")

	// Backward iteration.
	var backwardResult []V
	for node := list.tail; node != nil; node = node.prev {
		backwardResult = append(backwardResult, node.Value)
	}
	// Reverse the backward result to compare with expected.
	slices.Reverse(backwardResult)
	assert.Equal(t, expected, backwardResult, "Backward iteration mismatch")
}

func TestLinkedList_PushBack(t *testing.T) {
	list := new(linkedList[int])
	list.PushBack(1)
	assertLinkedListEqualsSlice(t, []int{1}, list)
	list.PushBack(2)
	assertLinkedListEqualsSlice(t, []int{1, 2}, list)
	list.PushBack(3)
	assertLinkedListEqualsSlice(t, []int{1, 2, 3}, list)
}

func TestLinkedList_Remove(t *testing.T) {
	// setupList builds a list of [10, 20, 30, 40] and returns its nodes.
	setupList := func() (*linkedList[int], []*linkedListNode[int]) {
		list := new(linkedList[int])
		nodes := []*linkedListNode[int]{list.PushBack(10), list.PushBack(20), list.PushBack(30), list.PushBack(40)}
		return list, nodes
	}

	for _, testCase := range []struct {
		name     string
		remove   []int // Node indices to remove, in order.
		expected []int
	}{
		{name: "head", remove: []int{0}, expected: []int{20, 30, 40}},
		{name: "tail", remove: []int{3}, expected: []int{10, 20, 30}},
		{name: "middle", remove: []int{1}, expected: []int{10, 30, 40}},
		{name: "head_then_new_head", remove: []int{0, 1}, expected: []int{30, 40}},
		{name: "all", remove: []int{2, 0, 3, 1}, expected: []int{}},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			list, nodes := setupList()
			for _, idx := range testCase.remove {
				list.Remove(nodes[idx])
				assert.Nil(t, nodes[idx].Next(), "Removed node must not point forward")
				assert.Nil(t, nodes[idx].prev, "Removed node must not point backward")
			}
			assertLinkedListEqualsSlice(t, testCase.expected, list)
		})
	}
}

func TestLinkedList_MoveToBack(t *testing.T) {
	list := new(linkedList[string])
	a := list.PushBack("a")
	b := list.PushBack("b")
	c := list.PushBack("c")

	list.MoveToBack(a)
	assertLinkedListEqualsSlice(t, []string{"b", "c", "a"}, list)
	list.MoveToBack(a) // Already at the back.
	assertLinkedListEqualsSlice(t, []string{"b", "c", "a"}, list)
	list.MoveToBack(c)
	assertLinkedListEqualsSlice(t, []string{"b", "a", "c"}, list)
	list.MoveToBack(b)
	assertLinkedListEqualsSlice(t, []string{"a", "c", "b"}, list)

	single := new(linkedList[string])
	only := single.PushBack("only")
	single.MoveToBack(only)
	assertLinkedListEqualsSlice(t, []string{"only"}, single)
}

func TestLinkedList_All(t *testing.T) {
	list := new(linkedList[int])
	for i := range 5 {
		list.PushBack(i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, slices.Collect(list.All()))

	// Early stop.
	var firstTwo []int
	for v := range list.All() {
		if len(firstTwo) == 2 {
			break
		}
		firstTwo = append(firstTwo, v)
	}
	assert.Equal(t, []int{0, 1}, firstTwo)
}
