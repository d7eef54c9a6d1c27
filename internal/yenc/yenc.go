// Package yenc implements a stateless decoder for yEnc-encoded NNTP article
// bodies. The input is the raw body as delivered between the BODY response
// and the terminating dot line; the output is the decoded payload together
// with the part geometry advertised by the =ybegin/=ypart/=yend keyword
// lines.
package yenc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"
)

// ErrCorruptArticle is returned when the decoded payload disagrees with the
// =yend trailer, either in length or in CRC32.
var ErrCorruptArticle = errors.New("yenc: corrupt article")

// ErrMissingHeader is returned when no =ybegin line is found in the body.
var ErrMissingHeader = errors.New("yenc: missing =ybegin header")

// Part is a single decoded yEnc part.
type Part struct {
	Body []byte

	// Name is the filename from the =ybegin line.
	Name string

	// Size is the total file size from the =ybegin line, 0 if absent.
	Size int64

	// PartOffset is the zero-based offset of this part within the file,
	// derived from the =ypart begin keyword. -1 for single-part articles.
	PartOffset int64

	// PartSize is the expected byte count of this part, derived from
	// =ypart begin/end or the =yend size keyword. -1 if unknown.
	PartSize int64

	// CRC32 is the checksum from the =yend trailer (pcrc32 for multipart,
	// crc32 otherwise). HasCRC reports whether one was present.
	CRC32  uint32
	HasCRC bool
}

const escapeOffset = 64

// Decode reads a full article body from r and decodes the yEnc part it
// contains. Length and CRC mismatches return an error wrapping
// ErrCorruptArticle so callers can distinguish corruption from transport
// failures.
func Decode(r io.Reader) (*Part, error) {
	br := bufio.NewReaderSize(r, 32*1024)

	part := &Part{PartOffset: -1, PartSize: -1}
	var (
		body       bytes.Buffer
		inData     bool
		sawTrailer bool
	)

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = trimEOL(line)

			switch {
			case bytes.HasPrefix(line, []byte("=ybegin ")):
				kw := parseKeywords(string(line[len("=ybegin "):]))
				part.Name = kw.str("name")
				part.Size = kw.num("size", 0)
				inData = true

			case bytes.HasPrefix(line, []byte("=ypart ")):
				kw := parseKeywords(string(line[len("=ypart "):]))
				begin := kw.num("begin", 0)
				end := kw.num("end", 0)
				if begin > 0 {
					part.PartOffset = begin - 1
				}
				if end >= begin && begin > 0 {
					part.PartSize = end - begin + 1
				}

			case bytes.HasPrefix(line, []byte("=yend")):
				kw := parseKeywords(strings.TrimPrefix(string(line), "=yend"))
				if part.PartSize < 0 {
					part.PartSize = kw.num("size", -1)
				}
				if v, ok := kw.hex("pcrc32"); ok {
					part.CRC32, part.HasCRC = v, true
				} else if v, ok := kw.hex("crc32"); ok {
					part.CRC32, part.HasCRC = v, true
				}
				sawTrailer = true
				inData = false

			case inData:
				decodeLine(&body, line)
			}
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("yenc: read body: %w", err)
		}
	}

	if part.Name == "" && body.Len() == 0 {
		return nil, ErrMissingHeader
	}

	part.Body = body.Bytes()

	if sawTrailer {
		if part.PartSize >= 0 && int64(len(part.Body)) != part.PartSize {
			return nil, fmt.Errorf("%w: decoded %d bytes, trailer says %d",
				ErrCorruptArticle, len(part.Body), part.PartSize)
		}
		if part.HasCRC {
			if sum := crc32.ChecksumIEEE(part.Body); sum != part.CRC32 {
				return nil, fmt.Errorf("%w: crc32 %08x, trailer says %08x",
					ErrCorruptArticle, sum, part.CRC32)
			}
		}
	}

	return part, nil
}

// decodeLine appends the decoded form of one data line to dst. The critical
// subtraction is modular on byte values, so plain byte arithmetic suffices.
func decodeLine(dst *bytes.Buffer, line []byte) {
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '=' {
			i++
			if i >= len(line) {
				break
			}
			c = line[i] - escapeOffset
		}
		dst.WriteByte(c - 42)
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// keywords holds the space-separated key=value pairs of a yEnc control line.
// The name keyword is special cased because filenames may contain spaces; it
// is always last on the =ybegin line.
type keywords map[string]string

func parseKeywords(s string) keywords {
	kw := keywords{}
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "name="); idx >= 0 {
		kw["name"] = strings.TrimSpace(s[idx+len("name="):])
		s = s[:idx]
	}

	for _, field := range strings.Fields(s) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		kw[k] = v
	}

	return kw
}

func (kw keywords) str(key string) string {
	return kw[key]
}

func (kw keywords) num(key string, def int64) int64 {
	v, ok := kw[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (kw keywords) hex(key string) (uint32, bool) {
	v, ok := kw[key]
	if !ok {
		return 0, false
	}
	// Some posters emit 64-bit checksums with leading zeros; keep the low
	// 32 bits like every other consumer does.
	if len(v) > 8 {
		v = v[len(v)-8:]
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Encode writes the yEnc representation of payload to w using the given part
// geometry. It exists for tests and for the provider speed probe; production
// traffic is decode only.
func Encode(w io.Writer, name string, fileSize int64, partOffset int64, payload []byte) error {
	bw := bufio.NewWriter(w)

	multipart := partOffset >= 0
	if multipart {
		fmt.Fprintf(bw, "=ybegin part=1 line=128 size=%d name=%s\r\n", fileSize, name)
		fmt.Fprintf(bw, "=ypart begin=%d end=%d\r\n", partOffset+1, partOffset+int64(len(payload)))
	} else {
		fmt.Fprintf(bw, "=ybegin line=128 size=%d name=%s\r\n", fileSize, name)
	}

	col := 0
	for _, b := range payload {
		c := b + 42
		switch c {
		case 0x00, 0x0A, 0x0D, '=':
			bw.WriteByte('=')
			bw.WriteByte(c + escapeOffset)
			col += 2
		default:
			bw.WriteByte(c)
			col++
		}
		if col >= 128 {
			bw.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		bw.WriteString("\r\n")
	}

	sum := crc32.ChecksumIEEE(payload)
	if multipart {
		fmt.Fprintf(bw, "=yend size=%d part=1 pcrc32=%08x\r\n", len(payload), sum)
	} else {
		fmt.Fprintf(bw, "=yend size=%d crc32=%08x\r\n", len(payload), sum)
	}

	return bw.Flush()
}
