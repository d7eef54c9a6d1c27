package usenet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/javi11/nzbvault/internal/yenc"
)

// Fetcher is the article source a reader pulls from. *Client implements it;
// tests substitute fakes.
type Fetcher interface {
	FetchArticle(ctx context.Context, messageID string, usage Usage) (*yenc.Part, error)
}

const defaultPrefetch = 3

// ReaderOptions tune one file reader.
type ReaderOptions struct {
	// Prefetch is how many segments ahead of the consumer may be fetched
	// concurrently. Bounds both parallelism and buffered memory.
	Prefetch int

	// Usage is attached to every article fetch the reader performs.
	Usage Usage
}

// Reader streams a logical file assembled from an ordered segment list.
// It implements io.ReadSeekCloser and io.ReaderAt. Sequential reads share
// one prefetching range; Seek drops it and ReadAt opens a short-lived one,
// so a ranged read touches only the segments overlapping the request.
type Reader struct {
	ctx     context.Context
	fetcher Fetcher
	loader  SegmentLoader
	offsets []int64
	size    int64
	opts    ReaderOptions

	mu     sync.Mutex
	pos    int64
	rr     *rangeReader
	closed bool
}

// NewReader builds a reader over the file described by loader. size is the
// logical file size; reads stop at it even if the segments carry more bytes.
func NewReader(ctx context.Context, fetcher Fetcher, loader SegmentLoader, size int64, opts ReaderOptions) *Reader {
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}
	return &Reader{
		ctx:     ctx,
		fetcher: fetcher,
		loader:  loader,
		offsets: segmentOffsets(loader),
		size:    size,
		opts:    opts,
	}
}

// Size returns the logical file size.
func (r *Reader) Size() int64 { return r.size }

func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fs.ErrClosed
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}

	if r.rr == nil {
		windows := segmentsInRange(r.pos, r.size-1, r.loader, r.offsets)
		r.rr = newRangeReader(r.ctx, r.fetcher, windows, r.opts.Prefetch, r.opts.Usage)
	}

	n, err := r.rr.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fs.ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("usenet: seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("usenet: seek before start of file")
	}

	if abs != r.pos && r.rr != nil {
		r.rr.Close()
		r.rr = nil
	}
	r.pos = abs
	return abs, nil
}

// ReadAt serves one positioned read with a dedicated segment range, leaving
// the sequential read position untouched.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, fs.ErrClosed
	}
	r.mu.Unlock()

	if off < 0 {
		return 0, errors.New("usenet: negative read offset")
	}
	if off >= r.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	if end > r.size-1 {
		end = r.size - 1
	}

	rr := newRangeReader(r.ctx, r.fetcher, segmentsInRange(off, end, r.loader, r.offsets), r.opts.Prefetch, r.opts.Usage)
	defer rr.Close()

	n, err := io.ReadFull(rr, p[:end-off+1])
	if err == nil && int64(n) < int64(len(p)) {
		err = io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.rr != nil {
		r.rr.Close()
		r.rr = nil
	}
	return nil
}

// windowResult holds the outcome of one segment fetch.
type windowResult struct {
	data []byte
	err  error
	done bool
}

// rangeReader delivers the bytes of an ordered window list strictly in
// order while fetching up to prefetch segments ahead of the consumer.
// Workers park on the cond until their index enters the prefetch horizon,
// so at most prefetch decoded segments are buffered at any time.
type rangeReader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	fetcher Fetcher
	usage   Usage

	windows  []*segmentWindow
	prefetch int
	workers  *pool.Pool

	mu      sync.Mutex
	cond    *sync.Cond
	results []windowResult
	current int
	intra   int64
	closed  bool
}

func newRangeReader(ctx context.Context, fetcher Fetcher, windows []*segmentWindow, prefetch int, usage Usage) *rangeReader {
	ctx, cancel := context.WithCancel(ctx)
	rr := &rangeReader{
		ctx:      ctx,
		cancel:   cancel,
		fetcher:  fetcher,
		usage:    usage,
		windows:  windows,
		prefetch: prefetch,
		results:  make([]windowResult, len(windows)),
		workers:  pool.New().WithMaxGoroutines(prefetch),
	}
	rr.cond = sync.NewCond(&rr.mu)

	for i := range windows {
		i := i
		rr.workers.Go(func() { rr.fetchWindow(i) })
	}

	return rr
}

func (rr *rangeReader) fetchWindow(i int) {
	rr.mu.Lock()
	for !rr.closed && i >= rr.current+rr.prefetch {
		rr.cond.Wait()
	}
	closed := rr.closed
	rr.mu.Unlock()
	if closed {
		return
	}

	w := rr.windows[i]
	data, err := rr.fetchData(w)

	rr.mu.Lock()
	rr.results[i] = windowResult{data: data, err: err, done: true}
	rr.cond.Broadcast()
	rr.mu.Unlock()
}

func (rr *rangeReader) fetchData(w *segmentWindow) ([]byte, error) {
	part, err := rr.fetcher.FetchArticle(rr.ctx, w.ref.MessageID, rr.usage)
	if err != nil {
		return nil, positioned(err, w)
	}

	lo := w.ref.Start + w.readStart
	hi := w.ref.Start + w.readEnd + 1
	if int64(len(part.Body)) < hi {
		return nil, positioned(fmt.Errorf("%w: decoded %d bytes, need %d",
			ErrCorruptArticle, len(part.Body), hi), w)
	}

	return part.Body[lo:hi], nil
}

func (rr *rangeReader) Read(p []byte) (int, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for {
		if rr.closed {
			return 0, fs.ErrClosed
		}
		if rr.current >= len(rr.windows) {
			return 0, io.EOF
		}
		if rr.results[rr.current].done {
			break
		}
		rr.cond.Wait()
	}

	res := &rr.results[rr.current]
	if res.err != nil {
		return 0, res.err
	}

	w := rr.windows[rr.current]
	n := copy(p, res.data[rr.intra:])
	rr.intra += int64(n)
	if rr.intra >= w.length() {
		res.data = nil
		rr.current++
		rr.intra = 0
		rr.cond.Broadcast()
	}
	return n, nil
}

// Close cancels outstanding fetches and waits for the workers to drain.
func (rr *rangeReader) Close() {
	rr.mu.Lock()
	if rr.closed {
		rr.mu.Unlock()
		return
	}
	rr.closed = true
	rr.cond.Broadcast()
	rr.mu.Unlock()

	rr.cancel()
	rr.workers.Wait()
}

// positioned wraps a fetch error with the absolute file offset it broke at.
func positioned(err error, w *segmentWindow) error {
	var ae *ArticleError
	if errors.As(err, &ae) {
		return &ArticleError{MessageID: ae.MessageID, Offset: w.fileOffset, Err: ae.Err}
	}
	return &ArticleError{MessageID: w.ref.MessageID, Offset: w.fileOffset, Err: err}
}
