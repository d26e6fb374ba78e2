package filecollector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/KarpelesLab/filecollector/workpool"
	"github.com/RoaringBitmap/roaring"
)

// DefaultBlockSize is the default size of the chunks a Fetcher feeds to the
// collector, and the granularity of its range requests.
const DefaultBlockSize = 64 * 1024

// ErrIncomplete is returned by Fetch when the transfer ended without all of
// the file being received.
var ErrIncomplete = errors.New("file is incomplete")

// Fetcher downloads remote files over HTTP into a Collector, using several
// concurrent Range requests. Only the parts of a file not received yet are
// requested, which makes Fetch suitable to resume a transfer.
type Fetcher struct {
	// Client is the http client used to access urls to be downloaded
	Client *http.Client

	// BlockSize is the size of chunks submitted to the collector. Requests
	// always start on a block boundary. Default is DefaultBlockSize.
	BlockSize int64

	// MaxRequestSize is the maximum length of a single Range request,
	// default is 1MB
	MaxRequestSize int64

	// Workers is the number of concurrent requests, default is 4
	Workers int

	// OnProgress, if set, is called after each chunk with the number of bytes
	// received so far. It is called from several goroutines at once.
	OnProgress func(covered, total int64)

	c *Collector
}

// NewFetcher returns a Fetcher storing data into c.
func (c *Collector) NewFetcher() *Fetcher {
	return &Fetcher{
		Client:         http.DefaultClient,
		BlockSize:      DefaultBlockSize,
		MaxRequestSize: 1024 * 1024,
		Workers:        4,
		c:              c,
	}
}

// Fetch downloads u into the file id, registering it with the remote size
// if needed. It returns once all requests have finished.
func (ft *Fetcher) Fetch(ctx context.Context, id FileID, u string) error {
	f, ok := ft.c.Lookup(id)
	ranged := true
	if !ok {
		size, acceptRanges, err := ft.probe(ctx, u)
		if err != nil {
			return err
		}
		if err := ft.c.RegisterFile(id, size); err != nil {
			return err
		}
		f, _ = ft.c.Lookup(id)
		ranged = acceptRanges
	}

	if f.IsComplete() {
		return nil
	}

	var reqs []Range
	if ranged {
		reqs = ft.plan(f)
	} else {
		// server can't do ranges, a single full download is the best we can do
		ft.c.logf("server does not support ranges, downloading %s in full", u)
		reqs = []Range{{Start: 0, End: f.size}}
	}

	var (
		firstErr error
		errLk    sync.Mutex
	)
	fail := func(err error) {
		errLk.Lock()
		defer errLk.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	pool := workpool.New(ft.Workers)
	for _, r := range reqs {
		r := r
		pool.Submit(func() {
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
			if err := ft.fetchRange(ctx, f, u, r); err != nil {
				fail(err)
			}
		})
	}
	pool.Close()

	if firstErr != nil {
		return firstErr
	}
	if !f.IsComplete() {
		return fmt.Errorf("%w: file %d after fetching %s", ErrIncomplete, id, u)
	}
	return nil
}

// plan returns the block aligned ranges still needed for f, each at most
// MaxRequestSize long.
func (ft *Fetcher) plan(f *File) []Range {
	blkSize := ft.blockSize()
	blkCount := f.BlockCount(blkSize)
	perReq := max(ft.MaxRequestSize/blkSize, 1)

	missing := roaring.Flip(f.BlockStatus(blkSize), 0, uint64(blkCount))

	var res []Range
	start, prev := int64(-1), int64(-1)
	flush := func() {
		if start < 0 {
			return
		}
		res = append(res, Range{Start: start * blkSize, End: min((prev+1)*blkSize, f.size)})
	}

	it := missing.Iterator()
	for it.HasNext() {
		blk := int64(it.Next())
		if start >= 0 && blk == prev+1 && blk-start < perReq {
			prev = blk
			continue
		}
		flush()
		start, prev = blk, blk
	}
	flush()

	return res
}

func (ft *Fetcher) blockSize() int64 {
	if ft.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return ft.BlockSize
}

// fetchRange requests r from u and feeds the response body to f in blocks.
// A server ignoring the Range header sends the file from the start; those
// leading bytes are submitted as well and the collector drops what it has.
func (ft *Fetcher) fetchRange(ctx context.Context, f *File, u string, r Range) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if r.Start != 0 || r.End != f.size {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1))
	}

	ft.c.logf("initializing HTTP connection download at byte %d~%d", r.Start, r.End)

	resp, err := ft.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	pos := r.Start
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		pos = 0
	default:
		return fmt.Errorf("failed to download: %s", resp.Status)
	}

	blkSize := ft.blockSize()
	buf := make([]byte, blkSize)

	for pos < r.End {
		n := min(blkSize, r.End-pos)
		if _, err := io.ReadFull(resp.Body, buf[:n]); err != nil {
			return fmt.Errorf("reading %s at byte %d: %w", u, pos, err)
		}

		ft.c.SubmitChunk(f.id, pos, buf[:n])
		pos += n

		if ft.OnProgress != nil {
			p := f.Progress()
			ft.OnProgress(p.Covered, p.Size)
		}
	}

	return nil
}

// probe fetches the size of u and whether the server honors Range requests.
// Servers refusing HEAD (for example signed S3 urls) are asked for the first
// byte instead.
func (ft *Fetcher) probe(ctx context.Context, u string) (size int64, ranged bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, false, err
	}
	res, err := ft.Client.Do(req)
	if err != nil {
		return 0, false, err
	}
	res.Body.Close()

	if res.StatusCode == http.StatusOK {
		if res.ContentLength < 0 {
			return 0, false, errors.New("HTTP HEAD response has no Content-Length")
		}
		return res.ContentLength, res.Header.Get("Accept-Ranges") == "bytes", nil
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Range", "bytes=0-0")

	res, err = ft.Client.Do(req)
	if err != nil {
		return 0, false, err
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusPartialContent:
		size, err := parseContentRangeSize(res.Header.Get("Content-Range"))
		return size, err == nil, err
	case http.StatusOK:
		if res.ContentLength < 0 {
			return 0, false, errors.New("HTTP response has no Content-Length")
		}
		return res.ContentLength, false, nil
	default:
		return 0, false, fmt.Errorf("failed to get size: %s", res.Status)
	}
}

// parseContentRangeSize returns the complete length from a Content-Range
// header such as "bytes 0-0/1234".
func parseContentRangeSize(v string) (int64, error) {
	pos := strings.LastIndexByte(v, '/')
	if pos == -1 || !strings.HasPrefix(v, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	size, err := strconv.ParseInt(v[pos+1:], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	return size, nil
}
