// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package sliceutils

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsValue(t *testing.T) {
	values := []string{"raw", "qcow2", "vmdk"}
	assert.True(t, ContainsValue(values, "qcow2"))
	assert.False(t, ContainsValue(values, "iso"))
	assert.False(t, ContainsValue(nil, "raw"))
}

func TestMapSlice(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, MapSlice([]int{1, 2, 3}, strconv.Itoa))
	assert.Empty(t, MapSlice(nil, strconv.Itoa))
}
