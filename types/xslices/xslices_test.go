// Copyright 2024-2026 The Glow Runtime Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtAndLast(t *testing.T) {
	s := []int{10, 20, 30}
	assert.Equal(t, 10, At(s, 0))
	assert.Equal(t, 30, At(s, -1))
	assert.Equal(t, 20, At(s, -2))
	assert.Equal(t, 30, Last(s))
}

func TestCopy(t *testing.T) {
	assert.Nil(t, Copy[int](nil))
	s := []string{"a", "b"}
	s2 := Copy(s)
	require.Equal(t, s, s2)
	s2[0] = "z"
	assert.Equal(t, "a", s[0])
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"c": 1, "a": 2, "b": 3}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Len(t, Keys(m), 3)
}

func TestMap(t *testing.T) {
	in := []int{1, 2, 3}
	got := Map(in, func(e int) string { return strconv.Itoa(e * 2) })
	assert.Equal(t, []string{"2", "4", "6"}, got)
}

func TestSum(t *testing.T) {
	assert.Equal(t, uint64(60), Sum([]uint64{10, 20, 30}))
	assert.Equal(t, 0, Sum[int](nil))
}
