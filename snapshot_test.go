package filecollector

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/KarpelesLab/filecollector/workpool"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPartialIsCopy(t *testing.T) {
	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, 6))

	c.SubmitChunk(1, 0, []byte("abc"))
	snap, ok := c.FetchSnapshot(1)
	require.True(t, ok)
	assert.False(t, snap.Shared())

	c.SubmitChunk(1, 3, []byte("def"))

	// earlier snapshot does not see later chunks
	assert.Equal(t, []byte("abc\x00\x00\x00"), snap.Bytes())
	assert.Equal(t, []byte("abcdef"), contents(t, c, 1))
}

func TestSnapshotCompleteIsShared(t *testing.T) {
	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, 6))
	c.SubmitChunk(1, 0, []byte("abcdef"))

	s1, _ := c.FetchSnapshot(1)
	s2, _ := c.FetchSnapshot(1)
	assert.True(t, s1.Shared())
	assert.True(t, s2.Shared())
	assert.Same(t, &s1.Bytes()[0], &s2.Bytes()[0])

	clone := s1.Clone()
	clone[0] = 'X'
	assert.Equal(t, []byte("abcdef"), s2.Bytes())
}

func TestSnapshotReaders(t *testing.T) {
	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, 11))
	c.SubmitChunk(1, 0, []byte("hello world"))
	snap, _ := c.FetchSnapshot(1)

	buf := make([]byte, 5)
	n, err := snap.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("world"), buf)

	n, err = snap.ReadAt(buf, 8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, n)

	_, err = snap.ReadAt(buf, 11)
	assert.Equal(t, io.EOF, err)

	_, err = snap.ReadAt(buf, -1)
	assert.Error(t, err)

	all, err := io.ReadAll(snap.NewReader())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), all)

	var out bytes.Buffer
	written, err := snap.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(11), written)
	assert.Equal(t, "hello world", out.String())

	assert.Equal(t, digest.FromString("hello world"), snap.Digest())
}

// patternChunk returns the bytes of a file whose byte n is n%251.
func patternChunk(start, end int64) []byte {
	b := make([]byte, end-start)
	for i := range b {
		b[i] = byte((start + int64(i)) % 251)
	}
	return b
}

func TestConcurrentDisjointChunks(t *testing.T) {
	const (
		size      = 4 << 20
		chunkSize = 2000
	)

	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, size))

	pool := workpool.New(8)
	for pos := int64(0); pos < size; pos += chunkSize {
		pos := pos
		pool.Submit(func() {
			c.SubmitChunk(1, pos, patternChunk(pos, min(pos+chunkSize, size)))
		})
	}
	pool.Close()

	complete, ok := c.QueryComplete(1)
	require.True(t, ok)
	require.True(t, complete)

	snap, _ := c.FetchSnapshot(1)
	assert.True(t, snap.Shared())
	assert.True(t, bytes.Equal(patternChunk(0, size), snap.Bytes()), "assembled file mismatch")
}

func TestConcurrentOverlappingChunksAndReaders(t *testing.T) {
	const size = 64 * 1024

	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, size))
	f := lookup(t, c, 1)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// readers running while chunks arrive
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := f.Snapshot()
				assert.Equal(t, size, snap.Len())
				f.Progress()
				f.Missing()
			}
		}()
	}

	pool := workpool.New(8)
	for pos := int64(0); pos < size; pos += 700 {
		pos := pos
		pool.Submit(func() {
			// each chunk overlaps the next one; all carry identical data
			c.SubmitChunk(1, pos, patternChunk(pos, min(pos+1500, size)))
		})
	}
	pool.Close()
	close(stop)
	wg.Wait()

	require.True(t, f.IsComplete())
	assert.Equal(t, patternChunk(0, size), f.Snapshot().Bytes())
	assert.Equal(t, spans(0, size), f.Spans())
}

func TestConcurrentSnapshotsOfCompleteFile(t *testing.T) {
	c := newTestCollector()
	require.NoError(t, c.RegisterFile(1, 1024))
	c.SubmitChunk(1, 0, patternChunk(0, 1024))

	var wg sync.WaitGroup
	snaps := make([]*Snapshot, 8)
	for i := range snaps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], _ = c.FetchSnapshot(1)
			// late chunks must never reach a complete file
			c.SubmitChunk(1, 0, make([]byte, 1024))
		}(i)
	}
	wg.Wait()

	for _, s := range snaps {
		assert.True(t, s.Shared())
		assert.Equal(t, snaps[0].Bytes(), s.Bytes())
		assert.Equal(t, patternChunk(0, 1024), s.Bytes())
	}
}
