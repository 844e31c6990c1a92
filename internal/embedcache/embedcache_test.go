package embedcache

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestAddAndFetchRoundTrip(t *testing.T) {
	c, err := Open("", 0)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	h := hashOf("window text")
	err = c.Add(ctx, []Entry{{Hash: h, WindowText: "window text", Vector: []float32{1, 2, 3}}})
	require.NoError(t, err)

	out, err := c.Fetch(ctx, [][32]byte{h})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0])
	assert.Equal(t, "window text", out[0].WindowText)
	assert.Equal(t, []float32{1, 2, 3}, out[0].Vector)
}

func TestFetchMissReturnsNilEntry(t *testing.T) {
	c, err := Open("", 0)
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Fetch(context.Background(), [][32]byte{hashOf("nope")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0])
}

func TestAddIsIdempotentOnHash(t *testing.T) {
	c, err := Open("", 0)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	h := hashOf("same text")
	require.NoError(t, c.Add(ctx, []Entry{{Hash: h, WindowText: "same text", Vector: []float32{1}}}))
	require.NoError(t, c.Add(ctx, []Entry{{Hash: h, WindowText: "same text", Vector: []float32{2}}}))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResetClearsEntries(t *testing.T) {
	c, err := Open("", 0)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	h := hashOf("x")
	require.NoError(t, c.Add(ctx, []Entry{{Hash: h, WindowText: "x", Vector: []float32{1}}}))
	require.NoError(t, c.Reset(ctx))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	out, err := c.Fetch(ctx, [][32]byte{h})
	require.NoError(t, err)
	assert.Nil(t, out[0])
}

func TestCacheCorrectnessHashMatchesStoredText(t *testing.T) {
	c, err := Open("", 0)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma"}
	var hashes [][32]byte
	for _, txt := range texts {
		h := hashOf(txt)
		hashes = append(hashes, h)
		require.NoError(t, c.Add(ctx, []Entry{{Hash: h, WindowText: txt, Vector: []float32{1}}}))
	}

	out, err := c.Fetch(ctx, hashes)
	require.NoError(t, err)
	for i, e := range out {
		require.NotNil(t, e)
		assert.Equal(t, hashes[i], hashOf(e.WindowText))
	}
}
