package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/javi11/rarlist"

	"github.com/javi11/nzbvault/internal/nzb"
	"github.com/javi11/nzbvault/internal/usenet"
	"github.com/javi11/nzbvault/internal/yenc"
)

// errUnsupportedArchive marks archives that cannot be indexed without
// extraction: compressed, encrypted, or structurally broken RAR sets.
var errUnsupportedArchive = errors.New("importer: unsupported rar archive")

// indexedFile is one streamable file produced by indexing a group: its
// virtual name, logical size and the ordered article slices that compose it.
type indexedFile struct {
	Name string
	Size int64
	Refs []usenet.SegmentRef
}

// rarProcessor walks RAR volume sets over the wire and carves the contained
// files into segment references.
type rarProcessor struct {
	fetcher usenet.Fetcher
	log     *slog.Logger
}

func newRarProcessor(fetcher usenet.Fetcher) *rarProcessor {
	return &rarProcessor{
		fetcher: fetcher,
		log:     slog.Default().With("component", "rar-processor"),
	}
}

// analyze lists the archive's stored files by reading only volume headers
// from Usenet, then maps each stored file's byte runs back onto the volumes'
// articles. Only stored (uncompressed, unencrypted) archives qualify.
func (rp *rarProcessor) analyze(ctx context.Context, group fileGroup, jobName string) ([]indexedFile, error) {
	if len(group.files) == 0 {
		return nil, fmt.Errorf("%w: empty volume set", errUnsupportedArchive)
	}

	// The lister does not preserve wrapped read errors, so fetch failures
	// are recorded out of band to keep transient problems retryable.
	rf := &recordingFetcher{fetcher: rp.fetcher}
	ufs := newUsenetFileSystem(ctx, rf, group.files, jobName)
	mainFile := filepath.Base(group.files[0].Filename)

	rp.log.Info("Analyzing RAR archive",
		"job", jobName, "main_file", mainFile, "volumes", len(group.files))

	aggregated, err := rarlist.ListFilesFS(ufs, mainFile)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if fetchErr := rf.last(); fetchErr != nil && usenet.IsUnavailable(fetchErr) {
			return nil, fetchErr
		}
		return nil, fmt.Errorf("%w: %v", errUnsupportedArchive, err)
	}
	if len(aggregated) == 0 {
		return nil, fmt.Errorf("%w: no stored files found", errUnsupportedArchive)
	}

	// Index volume files by name for part lookup.
	byName := make(map[string]*nzb.ParsedFile, len(group.files)*2)
	for i := range group.files {
		f := &group.files[i]
		byName[f.Filename] = f
		byName[filepath.Base(f.Filename)] = f
	}

	out := make([]indexedFile, 0, len(aggregated))
	for _, af := range aggregated {
		file := indexedFile{
			Name: filepath.Base(af.Name),
			Size: af.TotalPackedSize,
		}

		for _, part := range af.Parts {
			if part.PackedSize <= 0 {
				continue
			}

			pf := byName[part.Path]
			if pf == nil {
				pf = byName[filepath.Base(part.Path)]
			}
			if pf == nil {
				return nil, fmt.Errorf("%w: volume %s not present in nzb", errUnsupportedArchive, part.Path)
			}

			sliced, covered := sliceVolumeSegments(plainRefs(*pf), part.DataOffset, part.PackedSize)
			if covered < part.PackedSize {
				return nil, fmt.Errorf("%w: volume %s covers %d of %d bytes",
					errUnsupportedArchive, filepath.Base(part.Path), covered, part.PackedSize)
			}
			file.Refs = append(file.Refs, sliced...)
		}

		out = append(out, file)
	}

	return out, nil
}

// recordingFetcher remembers the last fetch error so callers can classify
// a lister failure after the fact.
type recordingFetcher struct {
	fetcher usenet.Fetcher

	mu      sync.Mutex
	lastErr error
}

func (rf *recordingFetcher) FetchArticle(ctx context.Context, messageID string, usage usenet.Usage) (*yenc.Part, error) {
	part, err := rf.fetcher.FetchArticle(ctx, messageID, usage)
	if err != nil {
		rf.mu.Lock()
		rf.lastErr = err
		rf.mu.Unlock()
	}
	return part, err
}

func (rf *recordingFetcher) last() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.lastErr
}

// sliceVolumeSegments trims a volume's ordered segment refs to the byte run
// [dataOffset, dataOffset+length-1] within the volume, returning refs whose
// Start/End address decoded article bytes directly.
func sliceVolumeSegments(refs []usenet.SegmentRef, dataOffset, length int64) ([]usenet.SegmentRef, int64) {
	if length <= 0 || dataOffset < 0 {
		return nil, 0
	}

	targetStart := dataOffset
	targetEnd := dataOffset + length - 1

	var (
		out     []usenet.SegmentRef
		covered int64
		absPos  int64
	)
	for _, ref := range refs {
		usable := ref.UsableBytes()
		if usable <= 0 {
			continue
		}
		segStart := absPos
		segEnd := absPos + usable - 1
		absPos += usable

		if segEnd < targetStart {
			continue
		}
		if segStart > targetEnd {
			break
		}

		overlapStart := segStart
		if overlapStart < targetStart {
			overlapStart = targetStart
		}
		overlapEnd := segEnd
		if overlapEnd > targetEnd {
			overlapEnd = targetEnd
		}

		out = append(out, usenet.SegmentRef{
			MessageID: ref.MessageID,
			Start:     ref.Start + (overlapStart - segStart),
			End:       ref.Start + (overlapEnd - segStart),
			SegSize:   ref.SegSize,
		})
		covered += overlapEnd - overlapStart + 1

		if overlapEnd == targetEnd {
			break
		}
	}

	return out, covered
}
