package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbvault/internal/nzb"
)

func pf(name string, segs int) nzb.ParsedFile {
	f := nzb.ParsedFile{Filename: name, Size: int64(segs) * 1000}
	for i := 1; i <= segs; i++ {
		f.Segments = append(f.Segments, nzb.Segment{Number: i, Bytes: 1000, MessageID: name + "@" + string(rune('0'+i))})
	}
	return f
}

func TestClassifyPlainFiles(t *testing.T) {
	groups := classify([]nzb.ParsedFile{pf("movie.mkv", 3), pf("movie.nfo", 1)})

	require.Len(t, groups, 2)
	assert.Equal(t, kindPlain, groups[0].kind)
	assert.Equal(t, kindPlain, groups[1].kind)
}

func TestClassifyDropsPar2(t *testing.T) {
	groups := classify([]nzb.ParsedFile{
		pf("movie.mkv", 3),
		pf("movie.par2", 1),
		pf("movie.vol00+01.PAR2", 1),
	})

	require.Len(t, groups, 1)
	assert.Equal(t, "movie.mkv", groups[0].files[0].Filename)
}

func TestClassifyGroupsRarVolumes(t *testing.T) {
	groups := classify([]nzb.ParsedFile{
		pf("release.r01", 2),
		pf("release.rar", 2),
		pf("release.r00", 2),
		pf("release.nfo", 1),
	})

	require.Len(t, groups, 2)

	rar := groups[0]
	assert.Equal(t, kindRarArchive, rar.kind)
	assert.Equal(t, "release", rar.base)
	require.Len(t, rar.files, 3)
	// .rar leads, then .r00, .r01.
	assert.Equal(t, "release.rar", rar.files[0].Filename)
	assert.Equal(t, "release.r00", rar.files[1].Filename)
	assert.Equal(t, "release.r01", rar.files[2].Filename)
}

func TestClassifyPartNNNRarVolumes(t *testing.T) {
	groups := classify([]nzb.ParsedFile{
		pf("show.part002.rar", 2),
		pf("show.part001.rar", 2),
	})

	require.Len(t, groups, 1)
	assert.Equal(t, kindRarArchive, groups[0].kind)
	assert.Equal(t, "show.part001.rar", groups[0].files[0].Filename)
}

func TestClassifySplitParts(t *testing.T) {
	groups := classify([]nzb.ParsedFile{
		pf("image.iso.002", 2),
		pf("image.iso.001", 2),
		pf("image.iso.003", 1),
	})

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, kindMultipartJoin, g.kind)
	assert.Equal(t, "image.iso", g.base)
	assert.Equal(t, "image.iso.001", g.files[0].Filename)
	assert.Equal(t, "image.iso.002", g.files[1].Filename)
	assert.Equal(t, "image.iso.003", g.files[2].Filename)
}

func TestClassifyLoneNumberedPartIsPlain(t *testing.T) {
	groups := classify([]nzb.ParsedFile{pf("backup.001", 2)})

	require.Len(t, groups, 1)
	assert.Equal(t, kindPlain, groups[0].kind)
}

func TestRarPartNumberOrdering(t *testing.T) {
	assert.Equal(t, 0, rarPartNumber("x.rar"))
	assert.Equal(t, 0, rarPartNumber("x.part001.rar"))
	assert.Equal(t, 1, rarPartNumber("x.part002.rar"))
	assert.Equal(t, 1, rarPartNumber("x.r00"))
	assert.Equal(t, 2, rarPartNumber("x.r01"))
}
