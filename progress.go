package filecollector

import (
	"github.com/RoaringBitmap/roaring"
)

// Progress summarizes how much of a file has been received.
type Progress struct {
	Size     int64 // total size
	Covered  int64 // bytes received
	Spans    int   // number of disjoint received ranges
	Complete bool
}

// Progress returns the file's reception status.
func (f *File) Progress() Progress {
	f.lk.RLock()
	defer f.lk.RUnlock()

	return Progress{
		Size:     f.size,
		Covered:  f.covered,
		Spans:    f.spans.Len(),
		Complete: f.isComplete(),
	}
}

// Progress returns the reception status of a file. ok is false if the file
// is unknown.
func (c *Collector) Progress(id FileID) (p Progress, ok bool) {
	f, ok := c.Lookup(id)
	if !ok {
		return p, false
	}
	return f.Progress(), true
}

// Missing returns the ranges not received yet, in ascending order.
func (f *File) Missing() []Range {
	f.lk.RLock()
	defer f.lk.RUnlock()

	var res []Range
	pos := int64(0)
	f.spans.Ascend(func(r Range) bool {
		if r.Start > pos {
			res = append(res, Range{Start: pos, End: r.Start})
		}
		pos = r.End
		return true
	})
	if pos < f.size {
		res = append(res, Range{Start: pos, End: f.size})
	}
	return res
}

// FirstMissing returns the offset of the first byte not received yet, or -1
// if the file is complete.
func (f *File) FirstMissing() int64 {
	f.lk.RLock()
	defer f.lk.RUnlock()

	if f.isComplete() {
		return -1
	}
	first, ok := f.spans.Min()
	if !ok || first.Start > 0 {
		return 0
	}
	return first.End
}

// BlockCount returns the number of blkSize blocks needed to hold the file,
// the last one possibly short.
func (f *File) BlockCount(blkSize int64) int64 {
	cnt := f.size / blkSize
	if f.size%blkSize != 0 {
		cnt += 1
	}
	return cnt
}

// BlockStatus returns a bitmap with bit n set when block n (of blkSize
// bytes) has been entirely received. The final block counts as received when
// it is covered up to the end of the file. The file must not have more than
// 2^32 blocks.
func (f *File) BlockStatus(blkSize int64) *roaring.Bitmap {
	f.lk.RLock()
	defer f.lk.RUnlock()

	status := roaring.New()
	f.spans.Ascend(func(r Range) bool {
		first := (r.Start + blkSize - 1) / blkSize
		last := r.End / blkSize // exclusive
		if r.End == f.size && r.End%blkSize != 0 {
			last += 1
		}
		if first < last {
			status.AddRange(uint64(first), uint64(last))
		}
		return true
	})
	return status
}
