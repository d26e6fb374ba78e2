package filecollector

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
)

var (
	// ErrInvalidSize is returned by RegisterFile for negative sizes.
	ErrInvalidSize = errors.New("invalid file size")

	// ErrAllocation is returned by RegisterFile when the file's buffer cannot
	// be allocated.
	ErrAllocation = errors.New("failed to allocate file buffer")
)

// Collector reassembles files from chunks received in any order. It is safe
// for concurrent use: files are looked up under a shared lock, and each file
// carries its own lock so unrelated files are filled in parallel.
type Collector struct {
	// Logger receives informational messages. Set to nil to disable logging.
	Logger *log.Logger

	// MaxFileSize, if positive, is the largest size RegisterFile accepts.
	MaxFileSize int64

	files   map[FileID]*File
	filesLk sync.RWMutex
}

// New returns an empty Collector logging to stderr.
func New() *Collector {
	return &Collector{
		Logger: log.New(os.Stderr, "filecollector: ", log.LstdFlags),
		files:  make(map[FileID]*File),
	}
}

func (c *Collector) logf(format string, args ...any) {
	if c.Logger == nil {
		return
	}
	c.Logger.Printf(format, args...)
}

// RegisterFile declares a file of the given size. Registering an id that is
// already known does nothing, the first registration wins. The only errors
// are an invalid size or a failure to allocate the buffer.
func (c *Collector) RegisterFile(id FileID, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	if _, ok := c.Lookup(id); ok {
		return nil
	}

	// allocate before taking the write lock, large buffers take a while to
	// zero and lookups must not wait for that
	buf, err := c.alloc(size)
	if err != nil {
		return err
	}

	c.filesLk.Lock()
	defer c.filesLk.Unlock()

	if _, ok := c.files[id]; ok {
		// lost a race with another registration
		return nil
	}

	c.files[id] = newFile(c, id, buf)
	c.logf("registered file %d (%d bytes)", id, size)

	return nil
}

func (c *Collector) alloc(size int64) (buf []byte, err error) {
	if c.MaxFileSize > 0 && size > c.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrAllocation, size, c.MaxFileSize)
	}
	if uint64(size) > uint64(maxSliceLen) {
		return nil, fmt.Errorf("%w: %d bytes is not addressable", ErrAllocation, size)
	}

	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("%w: %v", ErrAllocation, r)
		}
	}()

	return make([]byte, size), nil
}

const maxSliceLen = int(^uint(0) >> 1)

// Lookup returns the file registered under id.
func (c *Collector) Lookup(id FileID) (*File, bool) {
	c.filesLk.RLock()
	defer c.filesLk.RUnlock()

	f, ok := c.files[id]
	return f, ok
}

// Files returns the ids of all registered files in ascending order.
func (c *Collector) Files() []FileID {
	c.filesLk.RLock()
	res := make([]FileID, 0, len(c.files))
	for id := range c.files {
		res = append(res, id)
	}
	c.filesLk.RUnlock()

	slices.Sort(res)
	return res
}

// SubmitChunk stores payload at offset in the given file. Chunks for unknown
// or complete files, chunks that do not fit inside the file, and chunks that
// are already covered are silently dropped. Bytes already received are never
// overwritten. The payload is not retained.
func (c *Collector) SubmitChunk(id FileID, offset int64, payload []byte) {
	c.submit(id, offset, payload)
}

func (c *Collector) submit(id FileID, offset int64, payload []byte) ingestResult {
	f, ok := c.Lookup(id)
	if !ok {
		return ingestUnknown
	}

	res := f.ingest(offset, payload)
	if res == ingestOutOfRange {
		c.logf("dropping chunk for file %d: [%d, %d) is outside of %d bytes", id, offset, offset+int64(len(payload)), f.size)
	}
	return res
}

// QueryComplete reports whether the file has been fully received. ok is
// false if the file is unknown.
func (c *Collector) QueryComplete(id FileID) (complete, ok bool) {
	f, ok := c.Lookup(id)
	if !ok {
		return false, false
	}
	return f.IsComplete(), true
}

// FetchSnapshot returns the current contents of the file. See Snapshot for
// the sharing rules. ok is false if the file is unknown.
func (c *Collector) FetchSnapshot(id FileID) (*Snapshot, bool) {
	f, ok := c.Lookup(id)
	if !ok {
		return nil, false
	}
	return f.Snapshot(), true
}
