package scan

import (
	"cmp"
	"iter"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiHead(t *testing.T) {
	s1 := slices.Values([]string{"k1", "k2", "k3", "k4"})
	s2 := slices.Values([]string{"k1", "k2", "k5", "k6"})
	s3 := slices.Values([]string{"k1", "k2", "k4", "k5"})
	s4 := slices.Values([]string{"k3"})
	merged, err := MultiHead(cmp.Compare[string], s1, s2, s3, s4)
	require.NoError(t, err)

	expected := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	assert.Equal(t, expected, slices.Collect(merged))
	// The merged sequence can be walked again.
	assert.Equal(t, expected, slices.Collect(merged))
}

func TestMultiHead_EdgeCases(t *testing.T) {
	_, err := MultiHead[string](nil, slices.Values([]string{"a"}))
	assert.Error(t, err)
	_, err = MultiHead(cmp.Compare[string])
	assert.Error(t, err)

	empty := slices.Values([]string(nil))
	merged, err := MultiHead(cmp.Compare[string], empty, empty)
	require.NoError(t, err)
	assert.Empty(t, slices.Collect(merged))

	mergedInts, err := MultiHead(cmp.Compare[int], emptySeq[int](), slices.Values([]int{1, 1, 2}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, slices.Collect(mergedInts))
}

func TestMultiHead_StopsEarly(t *testing.T) {
	stopped := 0
	counting := func(keys ...int) iter.Seq[int] {
		return func(yield func(int) bool) {
			defer func() { stopped++ }()
			for _, key := range keys {
				if !yield(key) {
					return
				}
			}
		}
	}
	merged, err := MultiHead(cmp.Compare[int], counting(1, 3, 5), counting(2, 4, 6))
	require.NoError(t, err)

	var got []int
	for key := range merged {
		got = append(got, key)
		if key == 3 {
			break
		}
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 2, stopped)
}

func emptySeq[K any]() iter.Seq[K] {
	return func(func(K) bool) {}
}
