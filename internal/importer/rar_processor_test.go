package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbvault/internal/usenet"
)

func volumeRefs(prefix string, count int, size int64) []usenet.SegmentRef {
	refs := make([]usenet.SegmentRef, count)
	for i := range refs {
		refs[i] = usenet.SegmentRef{
			MessageID: prefix + "@" + string(rune('a'+i)),
			Start:     0,
			End:       size - 1,
			SegSize:   size,
		}
	}
	return refs
}

func TestSliceVolumeSegmentsMidRun(t *testing.T) {
	// Volume of 3x1000-byte articles; carve bytes 500..2499.
	refs := volumeRefs("vol", 3, 1000)

	sliced, covered := sliceVolumeSegments(refs, 500, 2000)
	require.Len(t, sliced, 3)
	assert.Equal(t, int64(2000), covered)

	assert.Equal(t, int64(500), sliced[0].Start)
	assert.Equal(t, int64(999), sliced[0].End)
	assert.Equal(t, int64(0), sliced[1].Start)
	assert.Equal(t, int64(999), sliced[1].End)
	assert.Equal(t, int64(0), sliced[2].Start)
	assert.Equal(t, int64(499), sliced[2].End)
}

func TestSliceVolumeSegmentsWithinOneArticle(t *testing.T) {
	refs := volumeRefs("vol", 2, 1000)

	sliced, covered := sliceVolumeSegments(refs, 1100, 300)
	require.Len(t, sliced, 1)
	assert.Equal(t, int64(300), covered)
	assert.Equal(t, "vol@b", sliced[0].MessageID)
	assert.Equal(t, int64(100), sliced[0].Start)
	assert.Equal(t, int64(399), sliced[0].End)
}

func TestSliceVolumeSegmentsShortVolume(t *testing.T) {
	refs := volumeRefs("vol", 1, 1000)

	_, covered := sliceVolumeSegments(refs, 500, 1000)
	assert.Equal(t, int64(500), covered, "missing tail must be reported, not invented")
}

func TestSliceVolumeSegmentsDegenerateInputs(t *testing.T) {
	refs := volumeRefs("vol", 2, 1000)

	sliced, covered := sliceVolumeSegments(refs, 0, 0)
	assert.Nil(t, sliced)
	assert.Zero(t, covered)

	sliced, covered = sliceVolumeSegments(refs, -1, 100)
	assert.Nil(t, sliced)
	assert.Zero(t, covered)
}

func TestSliceVolumeSegmentsRespectsCarvedRefs(t *testing.T) {
	// Already-carved refs (usable region starts mid-article).
	refs := []usenet.SegmentRef{
		{MessageID: "a@1", Start: 200, End: 699, SegSize: 1000}, // 500 usable
		{MessageID: "b@1", Start: 0, End: 999, SegSize: 1000},   // 1000 usable
	}

	sliced, covered := sliceVolumeSegments(refs, 300, 400)
	require.Len(t, sliced, 2)
	assert.Equal(t, int64(400), covered)
	// Bytes 300..499 of the run are article bytes 500..699 of a@1.
	assert.Equal(t, int64(500), sliced[0].Start)
	assert.Equal(t, int64(699), sliced[0].End)
	// Bytes 500..699 are article bytes 0..199 of b@1.
	assert.Equal(t, int64(0), sliced[1].Start)
	assert.Equal(t, int64(199), sliced[1].End)
}
