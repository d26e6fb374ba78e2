package filecollector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressAndMissing(t *testing.T) {
	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, 20))
	f := lookup(t, c, 1)

	assert.Equal(t, spans(0, 20), f.Missing())
	assert.Equal(t, int64(0), f.FirstMissing())

	c.SubmitChunk(1, 0, []byte("abcd"))
	c.SubmitChunk(1, 10, []byte("abcde"))

	p, ok := c.Progress(1)
	require.True(t, ok)
	assert.Equal(t, Progress{Size: 20, Covered: 9, Spans: 2}, p)
	assert.Equal(t, spans(4, 10, 15, 20), f.Missing())
	assert.Equal(t, int64(4), f.FirstMissing())

	c.SubmitChunk(1, 4, make([]byte, 6))
	c.SubmitChunk(1, 15, make([]byte, 5))

	assert.Empty(t, f.Missing())
	assert.Equal(t, int64(-1), f.FirstMissing())
	assert.Equal(t, Progress{Size: 20, Covered: 20, Spans: 1, Complete: true}, f.Progress())
}

func TestFirstMissingWithHoleAtStart(t *testing.T) {
	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, 10))
	c.SubmitChunk(1, 3, []byte("abc"))

	assert.Equal(t, int64(0), lookup(t, c, 1).FirstMissing())
}

func TestBlockStatus(t *testing.T) {
	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, 35))
	f := lookup(t, c, 1)

	assert.Equal(t, int64(4), f.BlockCount(10))
	assert.Equal(t, int64(35), f.BlockCount(1))
	assert.True(t, f.BlockStatus(10).IsEmpty())

	// block 0 partially, block 1 fully
	c.SubmitChunk(1, 5, make([]byte, 15))
	status := f.BlockStatus(10)
	assert.Equal(t, []uint32{1}, status.ToArray())

	// short final block counts once covered up to the end
	c.SubmitChunk(1, 30, make([]byte, 5))
	assert.Equal(t, []uint32{1, 3}, f.BlockStatus(10).ToArray())

	c.SubmitChunk(1, 0, make([]byte, 30))
	status = f.BlockStatus(10)
	assert.Equal(t, uint64(4), status.GetCardinality())
}
