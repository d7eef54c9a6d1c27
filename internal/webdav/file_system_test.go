package webdav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/usenet"
	"github.com/javi11/nzbvault/internal/yenc"
)

// fakeFetcher serves decoded article bodies from memory.
type fakeFetcher struct {
	articles map[string][]byte
}

func (f *fakeFetcher) FetchArticle(ctx context.Context, messageID string, usage usenet.Usage) (*yenc.Part, error) {
	body, ok := f.articles[messageID]
	if !ok {
		return nil, &usenet.ArticleError{MessageID: messageID, Err: usenet.ErrArticleMissing}
	}
	return &yenc.Part{Body: body}, nil
}

func testSetup(t *testing.T) (*database.DB, *fakeFetcher, *FileSystem) {
	t.Helper()

	db, err := database.NewDB(database.Config{DatabasePath: filepath.Join(t.TempDir(), "webdav.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fetcher := &fakeFetcher{articles: map[string][]byte{}}
	return db, fetcher, NewFileSystem(db.Items, fetcher, 2)
}

func insertTestFile(t *testing.T, db *database.DB, fetcher *fakeFetcher, p string, content []byte) {
	t.Helper()

	mid := filepath.Base(p) + "@test"
	fetcher.articles[mid] = content

	encoded, err := usenet.EncodeSegments([]usenet.SegmentRef{{
		MessageID: mid, Start: 0, End: int64(len(content)) - 1, SegSize: int64(len(content)),
	}})
	require.NoError(t, err)

	require.NoError(t, db.Items.InsertFile(&database.Item{
		Path: p, Source: database.SourceNzb, Size: int64(len(content)), Segments: &encoded,
	}))
}

func TestFileSystemStatAndList(t *testing.T) {
	db, fetcher, fs := testSetup(t)
	insertTestFile(t, db, fetcher, "/downloads/movies/Job/movie.mkv", []byte("payload"))

	ctx := context.Background()

	info, err := fs.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	info, err = fs.Stat(ctx, "/downloads/movies/Job/movie.mkv")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, int64(7), info.Size())

	_, err = fs.Stat(ctx, "/downloads/nope")
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir, err := fs.OpenFile(ctx, "/downloads/movies/Job", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer dir.Close()

	entries, err := dir.Readdir(-1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "movie.mkv", entries[0].Name())
}

func TestFileSystemStreamsFileBytes(t *testing.T) {
	db, fetcher, fs := testSetup(t)
	content := []byte("the quick brown fox jumps over the lazy dog")
	insertTestFile(t, db, fetcher, "/downloads/Job/file.bin", content)

	f, err := fs.OpenFile(context.Background(), "/downloads/Job/file.bin", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Seek back and re-read a window.
	_, err = f.Seek(4, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("quick"), buf)
}

func TestFileSystemIsReadOnly(t *testing.T) {
	_, _, fs := testSetup(t)
	ctx := context.Background()

	assert.Error(t, fs.Mkdir(ctx, "/new", 0o755))
	assert.Error(t, fs.RemoveAll(ctx, "/downloads"))
	assert.Error(t, fs.Rename(ctx, "/a", "/b"))

	_, err := fs.OpenFile(ctx, "/x", os.O_WRONLY|os.O_CREATE, 0o644)
	assert.Error(t, err)
}

func TestHandlerBasicAuth(t *testing.T) {
	db, fetcher, fs := testSetup(t)
	insertTestFile(t, db, fetcher, "/downloads/Job/file.txt", []byte("hello"))

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	h := NewHandler(Config{User: "dav", Password: string(hash)}, fs)

	req := httptest.NewRequest(http.MethodGet, "/downloads/Job/file.txt", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/downloads/Job/file.txt", nil)
	req.SetBasicAuth("dav", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/downloads/Job/file.txt", nil)
	req.SetBasicAuth("dav", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestHandlerPropfindListsTree(t *testing.T) {
	db, fetcher, fs := testSetup(t)
	insertTestFile(t, db, fetcher, "/downloads/Job/file.txt", []byte("hello"))

	h := NewHandler(Config{User: "dav", Password: "plain"}, fs)

	req := httptest.NewRequest("PROPFIND", "/downloads/Job", nil)
	req.Header.Set("Depth", "1")
	req.SetBasicAuth("dav", "plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "file.txt")
}
