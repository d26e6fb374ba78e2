package filecollector

import (
	"sync"

	"github.com/google/btree"
)

// FileID identifies a file within a Collector. Ids are assigned by the caller.
type FileID uint32

// Range is a half-open byte range [Start, End).
type Range struct {
	_     struct{} `cbor:",toarray"`
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

func rangeLess(a, b Range) bool {
	return a.Start < b.Start
}

// File holds the state of a single file being reassembled: a buffer of the
// file's final size, the set of byte ranges known to hold final data, and the
// lock protecting both.
//
// A File only moves forward: once a byte is covered it is never written
// again, and once the file is complete neither the buffer nor the coverage
// ever change.
type File struct {
	id   FileID
	size int64 // immutable

	buf     []byte
	spans   *btree.BTreeG[Range] // disjoint, non-adjacent, keyed by Start
	covered int64                // sum of span lengths

	lk sync.RWMutex

	c *Collector
}

func newFile(c *Collector, id FileID, buf []byte) *File {
	return &File{
		id:    id,
		size:  int64(len(buf)),
		buf:   buf,
		spans: btree.NewG[Range](8, rangeLess),
		c:     c,
	}
}

// ID returns the file's identifier.
func (f *File) ID() FileID {
	return f.id
}

// Size returns the file's total size in bytes.
func (f *File) Size() int64 {
	return f.size
}

// IsComplete reports whether every byte of the file has been received.
func (f *File) IsComplete() bool {
	f.lk.RLock()
	defer f.lk.RUnlock()

	return f.isComplete()
}

// isComplete must be called with the lock held (read or write).
func (f *File) isComplete() bool {
	if f.size == 0 {
		return true
	}
	if f.spans.Len() != 1 {
		return false
	}
	first, _ := f.spans.Min()
	return first.Start == 0 && first.End == f.size
}

// Spans returns the covered ranges in ascending order.
func (f *File) Spans() []Range {
	f.lk.RLock()
	defer f.lk.RUnlock()

	return f.spanList()
}

func (f *File) spanList() []Range {
	res := make([]Range, 0, f.spans.Len())
	f.spans.Ascend(func(r Range) bool {
		res = append(res, r)
		return true
	})
	return res
}
