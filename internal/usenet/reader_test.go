package usenet

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbvault/internal/yenc"
)

// fakeFetcher serves decoded articles from memory and counts fetches.
type fakeFetcher struct {
	mu       sync.Mutex
	articles map[string][]byte
	errs     map[string]error
	fetches  atomic.Int32
}

func (f *fakeFetcher) FetchArticle(ctx context.Context, messageID string, usage Usage) (*yenc.Part, error) {
	f.fetches.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[messageID]; ok {
		return nil, err
	}
	body, ok := f.articles[messageID]
	if !ok {
		return nil, &ArticleError{MessageID: messageID, Err: ErrArticleMissing}
	}
	return &yenc.Part{Body: body, PartOffset: -1, PartSize: int64(len(body))}, nil
}

// splitFile cuts content into segSize articles and returns the fetcher plus
// the matching loader.
func splitFile(content []byte, segSize int) (*fakeFetcher, SliceLoader) {
	f := &fakeFetcher{articles: map[string][]byte{}, errs: map[string]error{}}
	var loader SliceLoader

	for i, off := 0, 0; off < len(content); i, off = i+1, off+segSize {
		end := off + segSize
		if end > len(content) {
			end = len(content)
		}
		id := string(rune('a'+i)) + "@test"
		f.articles[id] = content[off:end]
		loader = append(loader, SegmentRef{
			MessageID: id,
			Start:     0,
			End:       int64(end-off) - 1,
			SegSize:   int64(end - off),
		})
	}
	return f, loader
}

func testContent(n int) []byte {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i * 7)
	}
	return content
}

func TestReaderSequential(t *testing.T) {
	content := testContent(10000)
	fetcher, loader := splitFile(content, 1024)

	r := NewReader(context.Background(), fetcher, loader, int64(len(content)), ReaderOptions{Prefetch: 2})
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	// Sequential read of the whole file fetches each segment exactly once.
	assert.Equal(t, int32(len(loader)), fetcher.fetches.Load())
}

func TestReaderSmallReads(t *testing.T) {
	content := testContent(500)
	fetcher, loader := splitFile(content, 64)

	r := NewReader(context.Background(), fetcher, loader, int64(len(content)), ReaderOptions{Prefetch: 2})
	defer r.Close()

	var got []byte
	buf := make([]byte, 7)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.True(t, bytes.Equal(content, got))
}

func TestReaderReadAtFetchesOnlyOverlap(t *testing.T) {
	content := testContent(16000)
	fetcher, loader := splitFile(content, 4000)

	r := NewReader(context.Background(), fetcher, loader, int64(len(content)), ReaderOptions{})
	defer r.Close()

	// Bytes 9000..9999 live entirely in the third segment.
	buf := make([]byte, 1000)
	n, err := r.ReadAt(buf, 9000)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.True(t, bytes.Equal(content[9000:10000], buf))
	assert.Equal(t, int32(1), fetcher.fetches.Load())
}

func TestReaderReadAtClipsAtEOF(t *testing.T) {
	content := testContent(1000)
	fetcher, loader := splitFile(content, 400)

	r := NewReader(context.Background(), fetcher, loader, int64(len(content)), ReaderOptions{})
	defer r.Close()

	buf := make([]byte, 500)
	n, err := r.ReadAt(buf, 800)
	assert.Equal(t, 200, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, bytes.Equal(content[800:], buf[:200]))
}

func TestReaderSeekRestartsRange(t *testing.T) {
	content := testContent(8000)
	fetcher, loader := splitFile(content, 1000)

	r := NewReader(context.Background(), fetcher, loader, int64(len(content)), ReaderOptions{Prefetch: 1})
	defer r.Close()

	pos, err := r.Seek(6500, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(6500), pos)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content[6500:], got))

	pos, err = r.Seek(-1000, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), pos)
}

func TestReaderMissingArticleCarriesOffset(t *testing.T) {
	content := testContent(3000)
	fetcher, loader := splitFile(content, 1000)
	fetcher.errs["b@test"] = &ArticleError{MessageID: "b@test", Err: ErrArticleMissing}

	r := NewReader(context.Background(), fetcher, loader, int64(len(content)), ReaderOptions{Prefetch: 1})
	defer r.Close()

	// First segment still reads fine.
	buf := make([]byte, 1000)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)

	_, err = io.ReadFull(r, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArticleMissing)

	var ae *ArticleError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "b@test", ae.MessageID)
	assert.Equal(t, int64(1000), ae.Offset)
}

func TestReaderShortArticleIsCorrupt(t *testing.T) {
	fetcher := &fakeFetcher{
		articles: map[string][]byte{"a@test": make([]byte, 10)},
		errs:     map[string]error{},
	}
	loader := SliceLoader{{MessageID: "a@test", Start: 0, End: 99, SegSize: 100}}

	r := NewReader(context.Background(), fetcher, loader, 100, ReaderOptions{})
	defer r.Close()

	_, err := io.ReadAll(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptArticle)
}

func TestReaderCancellation(t *testing.T) {
	content := testContent(2000)
	fetcher, loader := splitFile(content, 500)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewReader(ctx, fetcher, loader, int64(len(content)), ReaderOptions{Prefetch: 1})

	cancel()
	_, err := io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NoError(t, r.Close())
}

func TestReaderClosedRejectsReads(t *testing.T) {
	content := testContent(100)
	fetcher, loader := splitFile(content, 100)

	r := NewReader(context.Background(), fetcher, loader, 100, ReaderOptions{})
	require.NoError(t, r.Close())

	_, err := r.Read(make([]byte, 10))
	assert.Error(t, err)
}
