// Package usenet sits on top of the nntp transport and turns message-ids
// into decoded file bytes: multi-provider failover, per-article caching,
// and ordered streaming readers over segment lists.
package usenet

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SegmentRef locates one slice of a logical file inside a decoded article.
// Start and End are byte positions within the decoded article body, End
// inclusive. For plain yEnc parts Start is 0 and End is SegSize-1; RAR
// content files carve sub-ranges out of the archive volumes instead.
type SegmentRef struct {
	MessageID string `json:"id"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	SegSize   int64  `json:"size"`
}

// UsableBytes is the number of file bytes this segment contributes.
func (s SegmentRef) UsableBytes() int64 {
	return s.End - s.Start + 1
}

// SegmentLoader hands out segment metadata by index without forcing the
// whole list into memory at once. Returns false past the end.
type SegmentLoader interface {
	GetSegment(index int) (SegmentRef, bool)
	SegmentCount() int
}

// SliceLoader adapts an in-memory segment list to SegmentLoader.
type SliceLoader []SegmentRef

func (l SliceLoader) GetSegment(index int) (SegmentRef, bool) {
	if index < 0 || index >= len(l) {
		return SegmentRef{}, false
	}
	return l[index], true
}

func (l SliceLoader) SegmentCount() int { return len(l) }

// EncodeSegments serializes a segment list for storage with an item.
func EncodeSegments(segments []SegmentRef) (string, error) {
	data, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("usenet: encode segments: %w", err)
	}
	return string(data), nil
}

// DecodeSegments restores a stored segment list.
func DecodeSegments(data string) ([]SegmentRef, error) {
	var segments []SegmentRef
	if err := json.Unmarshal([]byte(data), &segments); err != nil {
		return nil, fmt.Errorf("usenet: decode segments: %w", err)
	}
	return segments, nil
}

// TotalUsableBytes sums the file bytes a segment list delivers.
func TotalUsableBytes(segments []SegmentRef) int64 {
	var total int64
	for _, s := range segments {
		total += s.UsableBytes()
	}
	return total
}

// segmentWindow is one segment clipped to a requested byte range: fetch the
// article, then deliver decoded bytes [readStart, readEnd] of its usable
// region.
type segmentWindow struct {
	ref SegmentRef

	// readStart/readEnd are offsets into the segment's usable bytes,
	// readEnd inclusive.
	readStart int64
	readEnd   int64

	// fileOffset is the absolute position of readStart within the file,
	// carried along for error reporting.
	fileOffset int64
}

func (w *segmentWindow) length() int64 { return w.readEnd - w.readStart + 1 }

// segmentOffsets precomputes each segment's absolute start offset so range
// lookups can binary-search instead of walking the list from zero on every
// read. offsets[i] is where segment i begins; the final entry is the total
// byte count the segments deliver.
func segmentOffsets(loader SegmentLoader) []int64 {
	n := loader.SegmentCount()
	offsets := make([]int64, n+1)
	for i := 0; i < n; i++ {
		ref, ok := loader.GetSegment(i)
		if !ok {
			return offsets[:i+1]
		}
		offsets[i+1] = offsets[i] + ref.UsableBytes()
	}
	return offsets
}

// segmentsInRange maps the file byte range [start, end] (end inclusive) onto
// the minimal ordered set of segment windows that covers it. The first
// overlapping segment is found by binary search on offsets; the first and
// last windows are trimmed so no byte outside the range is delivered.
func segmentsInRange(start, end int64, loader SegmentLoader, offsets []int64) []*segmentWindow {
	if start > end || len(offsets) < 2 || start >= offsets[len(offsets)-1] {
		return nil
	}

	// First segment whose last byte is at or past start.
	first := sort.Search(len(offsets)-1, func(i int) bool {
		return offsets[i+1] > start
	})

	var windows []*segmentWindow
	for i := first; i < len(offsets)-1; i++ {
		segStart := offsets[i]
		segEnd := offsets[i+1] - 1
		if segStart > end {
			break
		}

		ref, ok := loader.GetSegment(i)
		if !ok {
			break
		}

		w := &segmentWindow{ref: ref, readStart: 0, readEnd: segEnd - segStart}
		if start > segStart {
			w.readStart = start - segStart
		}
		if end < segEnd {
			w.readEnd = end - segStart
		}
		w.fileOffset = segStart + w.readStart
		windows = append(windows, w)
	}

	return windows
}
