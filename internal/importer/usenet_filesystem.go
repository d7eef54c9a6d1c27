package importer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/javi11/nzbvault/internal/nntp"
	"github.com/javi11/nzbvault/internal/nzb"
	"github.com/javi11/nzbvault/internal/usenet"
)

// Compile-time interface checks for the rarlist contract.
var (
	_ fs.File   = (*usenetFile)(nil)
	_ io.Seeker = (*usenetFile)(nil)
	_ fs.FS     = (*usenetFileSystem)(nil)
)

// usenetFileSystem exposes a job's parsed files as a read-only filesystem so
// archive listers can walk multi-volume sets without downloading them.
type usenetFileSystem struct {
	ctx     context.Context
	fetcher usenet.Fetcher
	files   []nzb.ParsedFile
	jobName string
}

func newUsenetFileSystem(ctx context.Context, fetcher usenet.Fetcher, files []nzb.ParsedFile, jobName string) *usenetFileSystem {
	return &usenetFileSystem{
		ctx:     ctx,
		fetcher: fetcher,
		files:   files,
		jobName: jobName,
	}
}

func (ufs *usenetFileSystem) find(name string) *nzb.ParsedFile {
	name = path.Clean(name)
	for i := range ufs.files {
		f := &ufs.files[i]
		if f.Filename == name || path.Base(f.Filename) == name {
			return f
		}
	}
	return nil
}

func (ufs *usenetFileSystem) Open(name string) (fs.File, error) {
	f := ufs.find(name)
	if f == nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	reader := usenet.NewReader(ufs.ctx, ufs.fetcher, usenet.SliceLoader(plainRefs(*f)), f.Size,
		usenet.ReaderOptions{
			Prefetch: 1,
			Usage: usenet.Usage{
				Class:     nntp.UsageAnalysis,
				JobName:   ufs.jobName,
				Operation: "analysis",
			},
		})

	return &usenetFile{name: path.Base(f.Filename), size: f.Size, reader: reader}, nil
}

// Stat implements the lister's stat hook without opening the file.
func (ufs *usenetFileSystem) Stat(name string) (os.FileInfo, error) {
	f := ufs.find(name)
	if f == nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &usenetFileInfo{name: path.Base(f.Filename), size: f.Size}, nil
}

// plainRefs maps a parsed NZB file to segment refs: each article contributes
// all of its decoded bytes.
func plainRefs(f nzb.ParsedFile) []usenet.SegmentRef {
	refs := make([]usenet.SegmentRef, 0, len(f.Segments))
	for _, s := range f.Segments {
		refs = append(refs, usenet.SegmentRef{
			MessageID: s.MessageID,
			Start:     0,
			End:       s.Bytes - 1,
			SegSize:   s.Bytes,
		})
	}
	return refs
}

// usenetFile adapts a streaming reader to fs.File.
type usenetFile struct {
	name   string
	size   int64
	reader *usenet.Reader
}

func (f *usenetFile) Read(p []byte) (int, error) { return f.reader.Read(p) }

func (f *usenetFile) Seek(offset int64, whence int) (int64, error) {
	return f.reader.Seek(offset, whence)
}

func (f *usenetFile) ReadAt(p []byte, off int64) (int, error) {
	return f.reader.ReadAt(p, off)
}

func (f *usenetFile) Stat() (fs.FileInfo, error) {
	return &usenetFileInfo{name: f.name, size: f.size}, nil
}

func (f *usenetFile) Close() error { return f.reader.Close() }

type usenetFileInfo struct {
	name string
	size int64
}

func (fi *usenetFileInfo) Name() string       { return fi.name }
func (fi *usenetFileInfo) Size() int64        { return fi.size }
func (fi *usenetFileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi *usenetFileInfo) ModTime() time.Time { return time.Time{} }
func (fi *usenetFileInfo) IsDir() bool        { return false }
func (fi *usenetFileInfo) Sys() interface{}   { return nil }
