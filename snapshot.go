package filecollector

import (
	"bytes"
	"errors"
	"io"

	"github.com/opencontainers/go-digest"
)

// Snapshot is a point in time, read-only view of a file's contents.
//
// A snapshot taken once the file is complete shares the file's buffer: the
// buffer can no longer change at that point, and the snapshot keeps it alive
// for as long as it is referenced. A snapshot of a partial file is a private
// copy, unaffected by chunks received later. Bytes not received yet read as
// zero.
type Snapshot struct {
	data   []byte
	shared bool
}

// Snapshot returns the file's current contents.
func (f *File) Snapshot() *Snapshot {
	f.lk.RLock()
	defer f.lk.RUnlock()

	if f.isComplete() {
		return &Snapshot{data: f.buf, shared: true}
	}

	return &Snapshot{data: bytes.Clone(f.buf)}
}

// Len returns the size of the snapshot in bytes.
func (s *Snapshot) Len() int {
	return len(s.data)
}

// Shared reports whether the snapshot aliases the file's own buffer, which is
// only the case for complete files.
func (s *Snapshot) Shared() bool {
	return s.shared
}

// Bytes returns the snapshot's contents. The returned slice must not be
// modified; use Clone to get a writable copy.
func (s *Snapshot) Bytes() []byte {
	return s.data
}

// Clone returns a writable copy of the contents.
func (s *Snapshot) Clone() []byte {
	return bytes.Clone(s.data)
}

// ReadAt implements io.ReaderAt.
func (s *Snapshot) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("filecollector: negative offset")
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// NewReader returns a reader over the contents.
func (s *Snapshot) NewReader() *bytes.Reader {
	return bytes.NewReader(s.data)
}

// WriteTo implements io.WriterTo.
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(s.data)
	return int64(n), err
}

// Digest returns the sha256 digest of the contents.
func (s *Snapshot) Digest() digest.Digest {
	return digest.FromBytes(s.data)
}
