// Package webdav exposes the virtual item tree over WebDAV. The filesystem
// is read only: directory listings come from the metadata store and file
// reads stream article bytes on demand.
package webdav

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"golang.org/x/net/webdav"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/nntp"
	"github.com/javi11/nzbvault/internal/usenet"
)

var errReadOnly = errors.New("webdav: filesystem is read-only")

// FileSystem implements webdav.FileSystem over the metadata store. Opening
// a file builds a streaming reader scoped to the request context, so an
// aborted download cancels its outstanding article fetches.
type FileSystem struct {
	items    *database.ItemRepository
	fetcher  usenet.Fetcher
	prefetch int
	log      *slog.Logger
}

// NewFileSystem builds the read-only filesystem. prefetch bounds how many
// segments each open file fetches ahead of the consumer.
func NewFileSystem(items *database.ItemRepository, fetcher usenet.Fetcher, prefetch int) *FileSystem {
	return &FileSystem{
		items:    items,
		fetcher:  fetcher,
		prefetch: prefetch,
		log:      slog.Default().With("component", "webdav-fs"),
	}
}

func (f *FileSystem) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return errReadOnly
}

func (f *FileSystem) RemoveAll(ctx context.Context, name string) error {
	return errReadOnly
}

func (f *FileSystem) Rename(ctx context.Context, oldName, newName string) error {
	return errReadOnly
}

func (f *FileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	name = database.CleanPath(name)
	if name == "/" {
		return rootInfo{}, nil
	}

	item, err := f.items.GetByPath(name)
	if err != nil {
		if errors.Is(err, database.ErrItemNotFound) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return itemInfo{item}, nil
}

// OpenFile rejects every write flag. Directories return a listing handle;
// files return a seekable stream over their segment list.
func (f *FileSystem) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, errReadOnly
	}

	name = database.CleanPath(name)
	if name == "/" {
		return &dirFile{fs: f, info: rootInfo{}, path: "/"}, nil
	}

	item, err := f.items.GetByPath(name)
	if err != nil {
		if errors.Is(err, database.ErrItemNotFound) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}

	if item.Kind == database.ItemKindDirectory {
		return &dirFile{fs: f, info: itemInfo{item}, path: item.Path}, nil
	}

	if item.Segments == nil {
		return nil, os.ErrNotExist
	}
	refs, err := usenet.DecodeSegments(*item.Segments)
	if err != nil {
		return nil, err
	}

	reader := usenet.NewReader(ctx, f.fetcher, usenet.SliceLoader(refs), item.Size,
		usenet.ReaderOptions{
			Prefetch: f.prefetch,
			Usage: usenet.Usage{
				Class:     nntp.UsageStreaming,
				JobName:   path.Base(path.Dir(item.Path)),
				Operation: "webdav",
			},
		})

	return &streamFile{info: itemInfo{item}, reader: reader}, nil
}

// streamFile is one open virtual file backed by a streaming reader.
type streamFile struct {
	info   itemInfo
	reader *usenet.Reader
}

func (sf *streamFile) Read(p []byte) (int, error)  { return sf.reader.Read(p) }
func (sf *streamFile) Close() error                { return sf.reader.Close() }
func (sf *streamFile) Stat() (os.FileInfo, error)  { return sf.info, nil }
func (sf *streamFile) Write(p []byte) (int, error) { return 0, errReadOnly }

func (sf *streamFile) Seek(offset int64, whence int) (int64, error) {
	return sf.reader.Seek(offset, whence)
}

func (sf *streamFile) Readdir(count int) ([]os.FileInfo, error) {
	return nil, errors.New("webdav: not a directory")
}

// dirFile lists a directory. Children are loaded lazily on first Readdir.
type dirFile struct {
	fs   *FileSystem
	info os.FileInfo
	path string

	children []os.FileInfo
	loaded   bool
	offset   int
}

func (df *dirFile) Read(p []byte) (int, error)  { return 0, errors.New("webdav: is a directory") }
func (df *dirFile) Write(p []byte) (int, error) { return 0, errReadOnly }
func (df *dirFile) Close() error                { return nil }
func (df *dirFile) Stat() (os.FileInfo, error)  { return df.info, nil }

func (df *dirFile) Seek(offset int64, whence int) (int64, error) {
	return 0, errors.New("webdav: cannot seek a directory")
}

func (df *dirFile) Readdir(count int) ([]os.FileInfo, error) {
	if !df.loaded {
		items, err := df.fs.items.ListChildren(df.path)
		if err != nil {
			return nil, err
		}
		df.children = make([]os.FileInfo, 0, len(items))
		for _, item := range items {
			df.children = append(df.children, itemInfo{item})
		}
		df.loaded = true
	}

	if count <= 0 {
		out := df.children[df.offset:]
		df.offset = len(df.children)
		return out, nil
	}

	if df.offset >= len(df.children) {
		return nil, io.EOF
	}
	end := df.offset + count
	if end > len(df.children) {
		end = len(df.children)
	}
	out := df.children[df.offset:end]
	df.offset = end
	return out, nil
}

// itemInfo adapts a database item to os.FileInfo.
type itemInfo struct {
	item *database.Item
}

func (i itemInfo) Name() string       { return i.item.Name }
func (i itemInfo) Size() int64        { return i.item.Size }
func (i itemInfo) ModTime() time.Time { return i.item.UpdatedAt }
func (i itemInfo) IsDir() bool        { return i.item.Kind == database.ItemKindDirectory }
func (i itemInfo) Sys() interface{}   { return nil }

func (i itemInfo) Mode() fs.FileMode {
	if i.IsDir() {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

// rootInfo is the synthetic "/" directory; it has no database row.
type rootInfo struct{}

func (rootInfo) Name() string       { return "/" }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() interface{}   { return nil }
