package filecollector

// ingestResult describes what happened to a submitted chunk. None of these
// outcomes is an error from the caller's point of view.
type ingestResult int

const (
	ingestMerged     ingestResult = iota // chunk merged (possibly contributing nothing new)
	ingestUnknown                        // no such file
	ingestComplete                       // file already complete
	ingestOutOfRange                     // chunk does not fit inside the file
	ingestDuplicate                      // exact range already covered
	ingestEmpty                          // zero-length payload
)

func (r ingestResult) String() string {
	switch r {
	case ingestMerged:
		return "merged"
	case ingestUnknown:
		return "unknown file"
	case ingestComplete:
		return "file complete"
	case ingestOutOfRange:
		return "out of range"
	case ingestDuplicate:
		return "duplicate"
	case ingestEmpty:
		return "empty"
	default:
		return "invalid"
	}
}

// ingest stores the bytes of b that land on not yet covered positions of
// the file starting at offset. Chunks that do not entirely fit in the file
// are rejected as a whole.
func (f *File) ingest(offset int64, b []byte) ingestResult {
	f.lk.RLock()
	complete := f.isComplete()
	f.lk.RUnlock()

	if complete {
		return ingestComplete
	}

	end := offset + int64(len(b))
	if offset < 0 || end < offset || end > f.size {
		return ingestOutOfRange
	}
	if len(b) == 0 {
		return ingestEmpty
	}

	f.lk.Lock()
	defer f.lk.Unlock()

	// file may have been completed by another writer since the check above
	if f.isComplete() {
		return ingestComplete
	}

	if cur, ok := f.spans.Get(Range{Start: offset}); ok && cur.End == end {
		return ingestDuplicate
	}

	f.merge(offset, b)

	if f.isComplete() {
		f.c.logf("file %d is now complete (%d bytes)", f.id, f.size)
	}

	return ingestMerged
}

// merge must be called with the write lock held, and b must fit in the file.
func (f *File) merge(offset int64, b []byte) {
	end := offset + int64(len(b))

	// every span overlapping [offset, end): at most one starting before
	// offset, then all those starting inside the new range
	var overlaps []Range
	if prev, ok := f.before(offset); ok && prev.End > offset {
		overlaps = append(overlaps, prev)
	}
	f.spans.AscendRange(Range{Start: offset}, Range{Start: end}, func(r Range) bool {
		overlaps = append(overlaps, r)
		return true
	})

	mergedStart, mergedEnd := offset, end
	writePos := offset

	for _, r := range overlaps {
		if writePos < r.Start {
			f.write(writePos, b[writePos-offset:r.Start-offset])
		}
		writePos = max(writePos, min(r.End, end))

		mergedStart = min(mergedStart, r.Start)
		mergedEnd = max(mergedEnd, r.End)

		f.spans.Delete(r)
	}

	if writePos < end {
		f.write(writePos, b[writePos-offset:])
	}

	// touching neighbours are folded in so spans never share a boundary
	if prev, ok := f.before(mergedStart); ok && prev.End == mergedStart {
		f.spans.Delete(prev)
		mergedStart = prev.Start
	}
	if next, ok := f.spans.Get(Range{Start: mergedEnd}); ok {
		f.spans.Delete(next)
		mergedEnd = next.End
	}

	f.spans.ReplaceOrInsert(Range{Start: mergedStart, End: mergedEnd})
}

// write copies b at pos into the buffer. The caller guarantees the target
// positions were not covered yet.
func (f *File) write(pos int64, b []byte) {
	n := copy(f.buf[pos:], b)
	f.covered += int64(n)
}

// before returns the last span starting strictly before pos.
func (f *File) before(pos int64) (Range, bool) {
	var res Range
	var found bool
	if pos <= 0 {
		return res, false
	}
	f.spans.DescendLessOrEqual(Range{Start: pos - 1}, func(r Range) bool {
		res = r
		found = true
		return false
	})
	return res, found
}
