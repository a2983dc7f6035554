package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New[string, int]()

	r.Register("one", 1)
	r.Register("two", 2)

	v, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = r.Get("three")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, 2, r.Len())
}

func TestSwap(t *testing.T) {
	r := New[string, string]()

	prev, replaced := r.Swap("jira", "v1")
	assert.False(t, replaced)
	assert.Empty(t, prev)

	prev, replaced = r.Swap("jira", "v2")
	assert.True(t, replaced)
	assert.Equal(t, "v1", prev)

	v, _ := r.Get("jira")
	assert.Equal(t, "v2", v)
}

func TestLoadAndDelete(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 7)

	v, ok := r.LoadAndDelete("a")
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.False(t, r.Has("a"))

	_, ok = r.LoadAndDelete("a")
	assert.False(t, ok)
}

func TestKeysValues(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)
	r.Register("b", 2)

	assert.ElementsMatch(t, []string{"a", "b"}, r.Keys())
	assert.ElementsMatch(t, []int{1, 2}, r.Values())
	assert.Equal(t, 2, r.Len())
}

func TestRangeSnapshotAllowsMutation(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)
	r.Register("b", -1)
	r.Register("c", 3)

	r.Range(func(k string, v int) bool {
		if v < 0 {
			r.LoadAndDelete(k)
		}
		return true
	})

	assert.Equal(t, 2, r.Len())
	assert.False(t, r.Has("b"))
}

func TestRangeStopsEarly(t *testing.T) {
	r := New[int, int]()
	for i := 0; i < 10; i++ {
		r.Register(i, i)
	}

	visited := 0
	r.Range(func(_, _ int) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

func TestGetOrCreateCallsFactoryOnce(t *testing.T) {
	r := New[string, *int]()
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]*int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = r.GetOrCreate("shared", func() *int {
				calls.Add(1)
				v := 42
				return &v
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, p := range results {
		assert.Same(t, results[0], p)
	}
}
