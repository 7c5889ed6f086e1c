package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMiss(t *testing.T) {
	c := New(2)
	_, ok := c.Get("http://example.com/")
	assert.False(t, ok)
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	c := New(2)
	c.Save("http://example.com/", []byte("body"), map[string]string{"ETag": `"v1"`})

	entry, ok := c.Get("http://example.com/")
	require.True(t, ok)
	assert.Equal(t, []byte("body"), entry.Body)
	assert.Equal(t, `"v1"`, entry.Headers["ETag"])
}

func TestFIFOEviction(t *testing.T) {
	c := New(2)
	c.Save("a", []byte("1"), nil)
	c.Save("b", []byte("2"), nil)
	c.Save("c", []byte("3"), nil) // evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")

	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestOverwriteRefreshesFIFOOrder(t *testing.T) {
	c := New(2)
	c.Save("a", []byte("1"), nil)
	c.Save("b", []byte("2"), nil)
	c.Save("a", []byte("1-new"), nil) // "a" is now the newest entry
	c.Save("c", []byte("3"), nil)     // should evict "b", not "a"

	_, ok := c.Get("b")
	assert.False(t, ok, "overwriting a should have refreshed its insertion order")

	entry, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1-new"), entry.Body)

	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestSize(t *testing.T) {
	c := New(5)
	assert.Equal(t, 0, c.Size())
	c.Save("a", []byte("1"), nil)
	c.Save("b", []byte("2"), nil)
	assert.Equal(t, 2, c.Size())
}
