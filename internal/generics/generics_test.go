package generics

import (
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{3, 1, 2}, strconv.Itoa)
	assert.Equal(t, []string{"3", "1", "2"}, got)
	assert.Empty(t, SliceMap([]int{}, strconv.Itoa))
}

func TestSortedKeys(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	want := []int{1, 3, 5}
	for range 100 {
		got := SortedKeysSlice(m)
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	var keys []int
	var values []string
	for key, value := range SortedKeysAndValues(m) {
		keys = append(keys, key)
		values = append(values, value)
	}
	assert.Equal(t, []int{1, 3, 5}, keys)
	assert.Equal(t, []string{"1", "3", "5"}, values)

	// Early break.
	count := 0
	for range SortedKeysAndValues(m) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := MakeSet[string](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert("channels", "blocks")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("channels"))
	assert.True(t, s.Has("blocks"))
	assert.False(t, s.Has("planes"))
	assert.Equal(t, []string{"blocks", "channels"}, SortedKeysSlice(s))

	delete(s, "blocks")
	assert.Len(t, s, 1)
	assert.False(t, s.Has("blocks"))
}
