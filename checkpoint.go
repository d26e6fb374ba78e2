package filecollector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// ErrBadCheckpoint is returned when loading a checkpoint that is malformed or
// does not match the file already registered under its id.
var ErrBadCheckpoint = errors.New("invalid checkpoint")

const checkpointVersion = 1

// maxHeaderSize bounds the CBOR header read from a checkpoint.
const maxHeaderSize = 64 << 20

// checkpointHeader precedes the zstd stream holding the covered bytes, in
// span order.
type checkpointHeader struct {
	Version int     `cbor:"1,keyasint"`
	ID      FileID  `cbor:"2,keyasint"`
	Size    int64   `cbor:"3,keyasint"`
	Spans   []Range `cbor:"4,keyasint"`
}

var checkpointEncMode cbor.EncMode

func init() {
	var err error
	checkpointEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("filecollector: CBOR encoder initialization failed: " + err.Error())
	}
}

// SaveState writes the received part of a file to w, so that reception can
// be resumed later with LoadState.
func (c *Collector) SaveState(id FileID, w io.Writer) error {
	f, ok := c.Lookup(id)
	if !ok {
		return fmt.Errorf("file %d is not registered", id)
	}

	f.lk.RLock()
	defer f.lk.RUnlock()

	hdr := checkpointHeader{
		Version: checkpointVersion,
		ID:      f.id,
		Size:    f.size,
		Spans:   f.spanList(),
	}
	hdrBytes, err := checkpointEncMode.Marshal(&hdr)
	if err != nil {
		return fmt.Errorf("encoding checkpoint header: %w", err)
	}

	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(len(hdrBytes)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	for _, r := range hdr.Spans {
		if _, err := enc.Write(f.buf[r.Start:r.End]); err != nil {
			enc.Close()
			return fmt.Errorf("compressing checkpoint data: %w", err)
		}
	}
	return enc.Close()
}

// LoadState reads a checkpoint written by SaveState, registers the file if
// needed and submits the saved ranges to it. It returns the id of the file.
func (c *Collector) LoadState(r io.Reader) (FileID, error) {
	in := bufio.NewReader(r)

	hdrLen, err := binary.ReadUvarint(in)
	if err != nil {
		return 0, fmt.Errorf("%w: reading header length: %v", ErrBadCheckpoint, err)
	}
	if hdrLen > maxHeaderSize {
		return 0, fmt.Errorf("%w: header of %d bytes", ErrBadCheckpoint, hdrLen)
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(in, hdrBytes); err != nil {
		return 0, fmt.Errorf("%w: reading header: %v", ErrBadCheckpoint, err)
	}

	var hdr checkpointHeader
	if err := cbor.Unmarshal(hdrBytes, &hdr); err != nil {
		return 0, fmt.Errorf("%w: decoding header: %v", ErrBadCheckpoint, err)
	}
	if err := hdr.validate(); err != nil {
		return 0, err
	}

	if f, ok := c.Lookup(hdr.ID); ok && f.size != hdr.Size {
		return 0, fmt.Errorf("%w: file %d is registered with %d bytes, checkpoint has %d", ErrBadCheckpoint, hdr.ID, f.size, hdr.Size)
	}
	if err := c.RegisterFile(hdr.ID, hdr.Size); err != nil {
		return 0, err
	}

	dec, err := zstd.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	defer dec.Close()

	for _, s := range hdr.Spans {
		chunk := make([]byte, s.Len())
		if _, err := io.ReadFull(dec, chunk); err != nil {
			return 0, fmt.Errorf("%w: reading range [%d, %d): %v", ErrBadCheckpoint, s.Start, s.End, err)
		}
		c.SubmitChunk(hdr.ID, s.Start, chunk)
	}

	c.logf("restored file %d from checkpoint (%d ranges)", hdr.ID, len(hdr.Spans))
	return hdr.ID, nil
}

func (hdr *checkpointHeader) validate() error {
	if hdr.Version != checkpointVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadCheckpoint, hdr.Version)
	}
	if hdr.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrBadCheckpoint)
	}
	pos := int64(-1)
	for _, s := range hdr.Spans {
		if s.Start < 0 || s.Start >= s.End || s.End > hdr.Size || s.Start < pos {
			return fmt.Errorf("%w: bad range [%d, %d)", ErrBadCheckpoint, s.Start, s.End)
		}
		pos = s.End
	}
	return nil
}

// SavePart saves the file's state to path, going through a temporary .wpart
// file so an interrupted save never damages an existing checkpoint.
func (c *Collector) SavePart(id FileID, path string) error {
	out, err := os.Create(path + ".wpart")
	if err != nil {
		return err
	}

	err = c.SaveState(id, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".wpart")
		return err
	}

	return os.Rename(path+".wpart", path)
}

// LoadPart restores a file from a checkpoint saved with SavePart.
func (c *Collector) LoadPart(path string) (FileID, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	return c.LoadState(in)
}
