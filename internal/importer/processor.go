package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/nzb"
	"github.com/javi11/nzbvault/internal/usenet"
)

// corruptionUnsupportedRar is stored on opaque archive placeholders.
const corruptionUnsupportedRar = "unsupported rar"

// Processor turns a job's NZB document into virtual filesystem items.
type Processor struct {
	fetcher  usenet.Fetcher
	items    *database.ItemRepository
	rar      *rarProcessor
	basePath string
	log      *slog.Logger
}

// NewProcessor creates a processor writing into the item tree under
// basePath (usually "/downloads").
func NewProcessor(fetcher usenet.Fetcher, items *database.ItemRepository, basePath string) *Processor {
	if basePath == "" {
		basePath = "/downloads"
	}
	return &Processor{
		fetcher:  fetcher,
		items:    items,
		rar:      newRarProcessor(fetcher),
		basePath: database.CleanPath(basePath),
		log:      slog.Default().With("component", "import-processor"),
	}
}

// Result summarizes a successful import.
type Result struct {
	StoragePath   string
	Files         []*database.Item
	TotalSize     int64
	SegmentsTotal int
}

// Process parses the NZB, classifies its files, indexes archives and split
// sets, and inserts the whole tree in one transaction. progress is called
// after each group with cumulative segment counts; it may be nil.
func (p *Processor) Process(ctx context.Context, jobName, category string, nzbData []byte, progress func(done, total int)) (*Result, error) {
	parsed, err := nzb.Parse(bytes.NewReader(nzbData))
	if err != nil {
		return nil, err
	}

	jobDir, err := p.jobDir(category, jobName)
	if err != nil {
		return nil, err
	}

	groups := classify(parsed.Files)
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: only repair blocks present", nzb.ErrMalformedNzb)
	}

	segmentsTotal := 0
	for _, g := range groups {
		for _, f := range g.files {
			segmentsTotal += len(f.Segments)
		}
	}

	var (
		items        []*database.Item
		segmentsDone int
	)
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		groupItems, err := p.processGroup(ctx, g, jobDir, jobName)
		if err != nil {
			return nil, err
		}
		items = append(items, groupItems...)

		for _, f := range g.files {
			segmentsDone += len(f.Segments)
		}
		if progress != nil {
			progress(segmentsDone, segmentsTotal)
		}
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no importable files", nzb.ErrMalformedNzb)
	}

	if err := p.items.InsertTree(items); err != nil {
		return nil, fmt.Errorf("importer: insert tree: %w", err)
	}

	result := &Result{
		StoragePath:   jobDir,
		Files:         items,
		SegmentsTotal: segmentsTotal,
	}
	for _, item := range items {
		result.TotalSize += item.Size
	}
	return result, nil
}

func (p *Processor) processGroup(ctx context.Context, g fileGroup, jobDir, jobName string) ([]*database.Item, error) {
	switch g.kind {
	case kindRarArchive:
		return p.processRarGroup(ctx, g, jobDir, jobName)
	case kindMultipartJoin:
		item, err := buildItem(path.Join(jobDir, g.base), database.SourceMultipart, joinRefs(g.files))
		if err != nil {
			return nil, err
		}
		return []*database.Item{item}, nil
	default:
		items := make([]*database.Item, 0, len(g.files))
		for _, f := range g.files {
			item, err := buildItem(path.Join(jobDir, path.Base(f.Filename)), database.SourceNzb, plainRefs(f))
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	}
}

func (p *Processor) processRarGroup(ctx context.Context, g fileGroup, jobDir, jobName string) ([]*database.Item, error) {
	indexed, err := p.rar.analyze(ctx, g, jobName)
	if err == nil {
		items := make([]*database.Item, 0, len(indexed))
		for _, f := range indexed {
			item, buildErr := buildItem(path.Join(jobDir, f.Name), database.SourceRar, f.Refs)
			if buildErr != nil {
				return nil, buildErr
			}
			item.Size = f.Size
			items = append(items, item)
		}
		return items, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !isPermanentAnalysisFailure(err) {
		return nil, err
	}

	// The archive exists but cannot be indexed (compressed, encrypted or
	// broken). Expose the raw volume stream as one opaque file so the data
	// is still reachable, flagged so readers know it is not the content.
	p.log.Warn("Exposing unsupported RAR archive as opaque file",
		"job", jobName, "base", g.base, "err", err)

	reason := corruptionUnsupportedRar
	item, buildErr := buildItem(path.Join(jobDir, g.base+".rar"), database.SourceRar, joinRefs(g.files))
	if buildErr != nil {
		return nil, buildErr
	}
	item.IsCorrupted = true
	item.CorruptionReason = &reason
	return []*database.Item{item}, nil
}

// isPermanentAnalysisFailure separates broken archives from transient fetch
// problems: the latter must fail the job so it can be retried.
func isPermanentAnalysisFailure(err error) bool {
	if usenet.IsUnavailable(err) {
		return false
	}
	return true
}

// buildItem assembles one file item from its segment refs.
func buildItem(itemPath string, source database.ItemSource, refs []usenet.SegmentRef) (*database.Item, error) {
	encoded, err := usenet.EncodeSegments(refs)
	if err != nil {
		return nil, err
	}
	return &database.Item{
		Path:     database.CleanPath(itemPath),
		Kind:     database.ItemKindFile,
		Source:   source,
		Size:     usenet.TotalUsableBytes(refs),
		Segments: &encoded,
	}, nil
}

// joinRefs concatenates the refs of ordered files into one logical stream.
func joinRefs(files []nzb.ParsedFile) []usenet.SegmentRef {
	var refs []usenet.SegmentRef
	for _, f := range files {
		refs = append(refs, plainRefs(f)...)
	}
	return refs
}

// jobDir picks a unique directory for the job under its category, suffixing
// retries so a re-import never collides with the original tree.
func (p *Processor) jobDir(category, jobName string) (string, error) {
	base := p.basePath
	if category != "" {
		base = path.Join(base, sanitizeName(category))
	}
	base = path.Join(base, sanitizeName(jobName))

	candidate := base
	for attempt := 1; ; attempt++ {
		_, err := p.items.GetByPath(candidate)
		if err != nil {
			if errors.Is(err, database.ErrItemNotFound) {
				return candidate, nil
			}
			return "", fmt.Errorf("importer: probe job dir: %w", err)
		}
		candidate = fmt.Sprintf("%s.requeue%d", base, attempt)
	}
}

// sanitizeName strips path separators and the .nzb extension from
// user-supplied job names.
func sanitizeName(name string) string {
	name = strings.TrimSuffix(name, ".nzb")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.Trim(name, ". ")
	if name == "" {
		name = "unnamed"
	}
	return name
}
