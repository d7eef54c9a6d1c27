// Package nzb parses NZB documents into the logical file model used by the
// import pipeline and serializes that model back into NZB XML for the
// download-nzb operation.
package nzb

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/javi11/nzbparser"
)

// ErrMalformedNzb is returned for documents that are not well formed XML or
// that declare zero files.
var ErrMalformedNzb = errors.New("nzb: malformed document")

// ParsedNzb is the logical content of one NZB document.
type ParsedNzb struct {
	Files         []ParsedFile
	Meta          map[string]string
	TotalSize     int64
	SegmentsCount int
}

// ParsedFile is one logical file inside an NZB, with its segments ordered by
// segment number.
type ParsedFile struct {
	Subject  string
	Filename string
	Poster   string
	Date     time.Time
	Groups   []string
	Size     int64
	Segments []Segment
}

// Segment is one article carrying a contiguous byte range of the file.
type Segment struct {
	Number    int
	Bytes     int64
	MessageID string
}

// Common subject convention: ... "filename.ext" (12/47) ...
var subjectFilenamePattern = regexp.MustCompile(`"([^"]+)"`)

// Parse decodes an NZB document from r. File order follows declaration
// order; segments are sorted by number ascending.
func Parse(r io.Reader) (*ParsedNzb, error) {
	n, err := nzbparser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNzb, err)
	}

	if len(n.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrMalformedNzb)
	}

	parsed := &ParsedNzb{
		Files: make([]ParsedFile, 0, len(n.Files)),
		Meta:  n.Meta,
	}

	for _, file := range n.Files {
		pf := parseFile(file)
		parsed.TotalSize += pf.Size
		parsed.SegmentsCount += len(pf.Segments)
		parsed.Files = append(parsed.Files, pf)
	}

	return parsed, nil
}

func parseFile(file nzbparser.NzbFile) ParsedFile {
	segments := make([]Segment, 0, len(file.Segments))
	for _, seg := range file.Segments {
		segments = append(segments, Segment{
			Number:    seg.Number,
			Bytes:     int64(seg.Bytes),
			MessageID: seg.ID,
		})
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Number < segments[j].Number
	})

	pf := ParsedFile{
		Subject:  file.Subject,
		Filename: extractFilename(file),
		Poster:   file.Poster,
		Date:     time.Unix(int64(file.Date), 0).UTC(),
		Groups:   file.Groups,
		Segments: segments,
	}
	pf.Size = calculateFileSize(file, segments)

	return pf
}

// extractFilename resolves the display name of a file. The quoted-subject
// heuristic wins, then the parser's own guess, then the raw subject.
func extractFilename(file nzbparser.NzbFile) string {
	if m := subjectFilenamePattern.FindStringSubmatch(file.Subject); len(m) > 1 {
		if name := strings.TrimSpace(m[1]); name != "" {
			return name
		}
	}
	if file.Filename != "" {
		return file.Filename
	}
	return strings.TrimSpace(file.Subject)
}

// calculateFileSize prefers the declared file byte count, falling back to
// the segment sum. NZB segment sizes can include yEnc overhead, but for
// equal-sized leading segments the sum is the best estimate available
// without touching the network.
func calculateFileSize(file nzbparser.NzbFile, segments []Segment) int64 {
	if file.Bytes > 0 {
		return int64(file.Bytes)
	}
	var sum int64
	for _, s := range segments {
		sum += s.Bytes
	}
	return sum
}

// SegmentIDs returns the ordered message ids of the file.
func (f *ParsedFile) SegmentIDs() []string {
	ids := make([]string, len(f.Segments))
	for i, s := range f.Segments {
		ids[i] = s.MessageID
	}
	return ids
}

// SegmentSizes returns the ordered segment byte counts of the file.
func (f *ParsedFile) SegmentSizes() []int64 {
	sizes := make([]int64, len(f.Segments))
	for i, s := range f.Segments {
		sizes[i] = s.Bytes
	}
	return sizes
}

// Write serializes the parsed NZB back into XML. Parsing the output yields
// the same logical structure (file order, segment ids and counts).
func Write(w io.Writer, parsed *ParsedNzb, name string) error {
	n := &nzbparser.Nzb{
		Meta:  map[string]string{"name": name},
		Files: make([]nzbparser.NzbFile, 0, len(parsed.Files)),
	}
	for k, v := range parsed.Meta {
		n.Meta[k] = v
	}

	for _, pf := range parsed.Files {
		file := nzbparser.NzbFile{
			Subject:  subjectFor(pf),
			Poster:   pf.Poster,
			Date:     int(pf.Date.Unix()),
			Groups:   pf.Groups,
			Segments: make([]nzbparser.NzbSegment, 0, len(pf.Segments)),
		}
		for _, seg := range pf.Segments {
			file.Segments = append(file.Segments, nzbparser.NzbSegment{
				Number: seg.Number,
				Bytes:  int(seg.Bytes),
				ID:     seg.MessageID,
			})
		}
		n.Files = append(n.Files, file)
	}

	out, err := nzbparser.Write(n)
	if err != nil {
		return fmt.Errorf("nzb: serialize: %w", err)
	}

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("nzb: write: %w", err)
	}
	return nil
}

func subjectFor(pf ParsedFile) string {
	if pf.Subject != "" {
		return pf.Subject
	}
	return fmt.Sprintf("%q (1/%d)", pf.Filename, len(pf.Segments))
}
