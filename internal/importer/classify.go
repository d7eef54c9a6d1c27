// Package importer turns queued NZB jobs into virtual filesystem entries:
// parse, classify, index RAR and split archives without downloading them,
// and publish the resulting tree atomically.
package importer

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/javi11/nzbvault/internal/nzb"
)

var (
	rarPattern     = regexp.MustCompile(`(?i)\.r(ar|\d+)$|\.part\d+\.rar$`)
	par2Pattern    = regexp.MustCompile(`(?i)\.par2$`)
	partPattern    = regexp.MustCompile(`(?i)^(.+)\.part(\d+)\.rar$`)
	rPattern       = regexp.MustCompile(`(?i)^(.+)\.r(\d+)$`)
	numericPattern = regexp.MustCompile(`^(.+)\.(\d{3,})$`)
)

// jobKind is the import strategy chosen for a group of parsed files.
type jobKind int

const (
	kindPlain jobKind = iota
	kindRarArchive
	kindMultipartJoin
)

// fileGroup is a set of NZB files imported together: a single plain file,
// the volumes of one RAR set, or the numbered parts of a split file.
type fileGroup struct {
	kind  jobKind
	base  string
	files []nzb.ParsedFile
}

// classify buckets a job's files into import groups. Par2 repair blocks are
// dropped entirely: there is nothing to repair when the source of truth
// stays on the wire.
func classify(files []nzb.ParsedFile) []fileGroup {
	type bucket struct {
		kind  jobKind
		files []nzb.ParsedFile
	}
	buckets := make(map[string]*bucket)
	var order []string

	add := func(key string, kind jobKind, f nzb.ParsedFile) {
		b, ok := buckets[key]
		if !ok {
			b = &bucket{kind: kind}
			buckets[key] = b
			order = append(order, key)
		}
		if kind > b.kind {
			b.kind = kind
		}
		b.files = append(b.files, f)
	}

	for _, f := range files {
		name := f.Filename
		switch {
		case par2Pattern.MatchString(name):
			continue
		case rarPattern.MatchString(name):
			add("rar:"+rarBaseName(name), kindRarArchive, f)
		case isSplitPart(name):
			base, _ := splitPart(name)
			add("split:"+base, kindMultipartJoin, f)
		default:
			add("plain:"+name, kindPlain, f)
		}
	}

	groups := make([]fileGroup, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		g := fileGroup{kind: b.kind, base: strings.SplitN(key, ":", 2)[1], files: b.files}
		sortGroupFiles(&g)

		// A lone numbered part is just an oddly named file.
		if g.kind == kindMultipartJoin && len(g.files) == 1 {
			g.kind = kindPlain
		}
		groups = append(groups, g)
	}

	return groups
}

// rarBaseName strips volume suffixes so all parts of one archive share a key.
func rarBaseName(name string) string {
	if m := partPattern.FindStringSubmatch(name); len(m) > 1 {
		return m[1]
	}
	if m := rPattern.FindStringSubmatch(name); len(m) > 1 {
		return m[1]
	}
	if strings.EqualFold(filepath.Ext(name), ".rar") {
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// rarPartNumber orders volumes: .rar and .part001.rar come first, then
// .r00, .r01, ... in sequence.
func rarPartNumber(name string) int {
	if m := partPattern.FindStringSubmatch(name); len(m) > 2 {
		if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
			return n - 1
		}
		return 0
	}
	if strings.EqualFold(filepath.Ext(name), ".rar") {
		return 0
	}
	if m := rPattern.FindStringSubmatch(name); len(m) > 2 {
		if n, err := strconv.Atoi(m[2]); err == nil {
			// .r00 follows the main .rar volume.
			return n + 1
		}
	}
	return 0
}

// isSplitPart reports whether name looks like a name.NNN join part.
func isSplitPart(name string) bool {
	return numericPattern.MatchString(name) && !rarPattern.MatchString(name)
}

// splitPart returns the base name and part number of a name.NNN file.
func splitPart(name string) (string, int) {
	m := numericPattern.FindStringSubmatch(name)
	if len(m) < 3 {
		return name, 0
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return m[1], 0
	}
	return m[1], n
}

func sortGroupFiles(g *fileGroup) {
	switch g.kind {
	case kindRarArchive:
		sort.SliceStable(g.files, func(i, j int) bool {
			return rarPartNumber(g.files[i].Filename) < rarPartNumber(g.files[j].Filename)
		})
	case kindMultipartJoin:
		sort.SliceStable(g.files, func(i, j int) bool {
			_, a := splitPart(g.files[i].Filename)
			_, b := splitPart(g.files[j].Filename)
			return a < b
		})
	}
}
