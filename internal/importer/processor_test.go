package importer

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/nzb"
	"github.com/javi11/nzbvault/internal/usenet"
	"github.com/javi11/nzbvault/internal/yenc"
)

// fakeClient serves pre-decoded article bodies.
type fakeClient struct {
	articles  map[string][]byte
	missing   map[string]bool
	transient error
}

func newFakeClient() *fakeClient {
	return &fakeClient{articles: map[string][]byte{}, missing: map[string]bool{}}
}

func (f *fakeClient) FetchArticle(ctx context.Context, messageID string, usage usenet.Usage) (*yenc.Part, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.transient != nil {
		return nil, &usenet.ArticleError{MessageID: messageID, Err: f.transient}
	}
	if f.missing[messageID] {
		return nil, &usenet.ArticleError{MessageID: messageID, Err: usenet.ErrArticleMissing}
	}
	body, ok := f.articles[messageID]
	if !ok {
		return nil, &usenet.ArticleError{MessageID: messageID, Err: usenet.ErrArticleMissing}
	}
	return &yenc.Part{Body: body, PartOffset: -1, PartSize: int64(len(body))}, nil
}

func (f *fakeClient) CheckArticle(ctx context.Context, messageID string, usage usenet.Usage) (bool, error) {
	if f.missing[messageID] {
		return false, nil
	}
	_, ok := f.articles[messageID]
	return ok, nil
}

// addFile registers a file's articles with the fake and returns its parsed
// representation.
func (f *fakeClient) addFile(name string, content []byte, segSize int) nzb.ParsedFile {
	file := nzb.ParsedFile{Filename: name, Size: int64(len(content))}
	for i, off := 1, 0; off < len(content); i, off = i+1, off+segSize {
		end := off + segSize
		if end > len(content) {
			end = len(content)
		}
		id := name + "-" + string(rune('0'+i)) + "@test"
		f.articles[id] = content[off:end]
		file.Segments = append(file.Segments, nzb.Segment{
			Number: i, Bytes: int64(end - off), MessageID: id,
		})
	}
	return file
}

func nzbBytes(t *testing.T, files ...nzb.ParsedFile) []byte {
	t.Helper()

	for i := range files {
		files[i].Groups = []string{"alt.binaries.test"}
	}
	var buf bytes.Buffer
	require.NoError(t, nzb.Write(&buf, &nzb.ParsedNzb{Files: files}, "test-job"))
	return buf.Bytes()
}

func newTestProcessor(t *testing.T, client *fakeClient) (*Processor, *database.DB) {
	t.Helper()

	db, err := database.NewDB(database.Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewProcessor(client, db.Items, "/downloads"), db
}

func TestProcessPlainFiles(t *testing.T) {
	client := newFakeClient()
	mkv := client.addFile("movie.mkv", make([]byte, 5000), 1024)
	nfo := client.addFile("movie.nfo", make([]byte, 100), 1024)

	proc, db := newTestProcessor(t, client)

	var lastDone, lastTotal int
	result, err := proc.Process(context.Background(), "My Movie", "movies",
		nzbBytes(t, mkv, nfo), func(done, total int) { lastDone, lastTotal = done, total })
	require.NoError(t, err)

	assert.Equal(t, "/downloads/movies/My Movie", result.StoragePath)
	assert.Equal(t, int64(5100), result.TotalSize)
	assert.Equal(t, lastTotal, lastDone, "progress must reach completion")

	item, err := db.Items.GetByPath("/downloads/movies/My Movie/movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, database.SourceNzb, item.Source)
	assert.Equal(t, int64(5000), item.Size)

	refs, err := usenet.DecodeSegments(*item.Segments)
	require.NoError(t, err)
	assert.Len(t, refs, 5)
}

func TestProcessJoinsSplitParts(t *testing.T) {
	client := newFakeClient()
	p2 := client.addFile("image.iso.002", make([]byte, 2000), 1000)
	p1 := client.addFile("image.iso.001", make([]byte, 2000), 1000)

	proc, db := newTestProcessor(t, client)

	_, err := proc.Process(context.Background(), "image", "", nzbBytes(t, p2, p1), nil)
	require.NoError(t, err)

	item, err := db.Items.GetByPath("/downloads/image/image.iso")
	require.NoError(t, err)
	assert.Equal(t, database.SourceMultipart, item.Source)
	assert.Equal(t, int64(4000), item.Size)

	refs, err := usenet.DecodeSegments(*item.Segments)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	// Part 001's articles come before part 002's.
	assert.Equal(t, "image.iso.001-1@test", refs[0].MessageID)
	assert.Equal(t, "image.iso.002-1@test", refs[2].MessageID)
}

func TestProcessUnsupportedRarBecomesOpaque(t *testing.T) {
	client := newFakeClient()
	// Volumes whose bytes are not a RAR archive at all.
	vol := client.addFile("broken.rar", []byte("this is definitely not rar data, just filler bytes"), 32)

	proc, db := newTestProcessor(t, client)

	result, err := proc.Process(context.Background(), "broken", "", nzbBytes(t, vol), nil)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	item, err := db.Items.GetByPath("/downloads/broken/broken.rar")
	require.NoError(t, err)
	assert.True(t, item.IsCorrupted)
	require.NotNil(t, item.CorruptionReason)
	assert.Equal(t, corruptionUnsupportedRar, *item.CorruptionReason)
	assert.Equal(t, database.SourceRar, item.Source)
}

func TestProcessTransientRarFailureIsRetryable(t *testing.T) {
	client := newFakeClient()
	vol := client.addFile("flaky.rar", make([]byte, 100), 50)
	client.transient = usenet.ErrArticleUnavailable

	proc, _ := newTestProcessor(t, client)

	_, err := proc.Process(context.Background(), "flaky", "", nzbBytes(t, vol), nil)
	require.Error(t, err)
	assert.True(t, usenet.IsUnavailable(err), "transient fetch failures must stay retryable")
}

func TestProcessMalformedNzb(t *testing.T) {
	client := newFakeClient()
	proc, _ := newTestProcessor(t, client)

	_, err := proc.Process(context.Background(), "bad", "", []byte("<nzb"), nil)
	assert.ErrorIs(t, err, nzb.ErrMalformedNzb)
}

func TestProcessOnlyPar2Fails(t *testing.T) {
	client := newFakeClient()
	par := client.addFile("movie.par2", make([]byte, 100), 100)

	proc, _ := newTestProcessor(t, client)

	_, err := proc.Process(context.Background(), "par-only", "", nzbBytes(t, par), nil)
	assert.ErrorIs(t, err, nzb.ErrMalformedNzb)
}

func TestProcessRequeueSuffixAvoidsCollision(t *testing.T) {
	client := newFakeClient()
	f1 := client.addFile("a.bin", make([]byte, 100), 100)

	proc, db := newTestProcessor(t, client)

	_, err := proc.Process(context.Background(), "dup", "", nzbBytes(t, f1), nil)
	require.NoError(t, err)

	result, err := proc.Process(context.Background(), "dup", "", nzbBytes(t, f1), nil)
	require.NoError(t, err)
	assert.Equal(t, "/downloads/dup.requeue1", result.StoragePath)

	_, err = db.Items.GetByPath("/downloads/dup.requeue1/a.bin")
	assert.NoError(t, err)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "My Show", sanitizeName("My Show.nzb"))
	assert.Equal(t, "a_b", sanitizeName("a/b"))
	assert.Equal(t, "unnamed", sanitizeName(""))
	assert.Equal(t, "x", sanitizeName(" x. "))
}
