// Package decoder implements a streaming yEnc / UU decoder: a two-mode
// (line-oriented header parsing, block-oriented body decoding) state
// machine that never allocates in its hot path beyond the output it must
// produce.
package decoder

import (
	"bytes"
	"hash/crc32"
	"strconv"
	"strings"
)

// Format is the detected article encoding.
type Format int

const (
	FormatUnknown Format = iota
	FormatYenc
	FormatUU
)

// Status is the result of Decoder.Check once the article stream has ended.
type Status int

const (
	StatusNoBinaryData Status = iota
	StatusArticleIncomplete
	StatusInvalidSize
	StatusCrcError
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusNoBinaryData:
		return "NO_BINARY_DATA"
	case StatusArticleIncomplete:
		return "ARTICLE_INCOMPLETE"
	case StatusInvalidSize:
		return "INVALID_SIZE"
	case StatusCrcError:
		return "CRC_ERROR"
	case StatusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Decoder is a single article's streaming decode state. It is not safe for
// concurrent use; ArticleDownloader owns one per in-flight article and
// calls Reset before reuse across articles.
type Decoder struct {
	format Format

	begin, part, end, body, eof bool

	filename  string
	size      int64 // declared total size from =ybegin
	beginPos  int64 // 1-based inclusive range from =ypart / whole-file =ybegin
	endPos    int64
	endSize   int64 // declared size from =yend
	outSize   int64 // bytes actually produced

	crcPresent bool
	expectedCRC uint32
	crcCheck   bool // whether the caller wants CRC verified at all
	crc        crcHash

	lineBuf []byte
	carry   []byte // spillover between DecodeBuffer calls while in block mode
	escNext bool   // yEnc escape-byte state, persists across chunks
}

// crcHash incrementally computes the polynomial 0xEDB88320 reflected CRC32
// with final XOR 0xFFFFFFFF the yEnc trailer declares, exactly the
// standard library's hash/crc32 IEEE table, used directly rather than
// hand-rolled.
type crcHash struct {
	crc  uint32
	init bool
}

func newCRCHash() crcHash {
	return crcHash{}
}

func (h *crcHash) Write(p []byte) {
	if !h.init {
		h.crc = 0
		h.init = true
	}
	h.crc = crc32.Update(h.crc, crc32.IEEETable, p)
}

func (h *crcHash) Sum32() uint32 { return h.crc }

// New returns a Decoder ready to consume an article stream, with CRC
// verification enabled when crcCheck is true.
func New(crcCheck bool) *Decoder {
	d := &Decoder{crcCheck: crcCheck}
	d.Reset(crcCheck)
	return d
}

// Reset clears all per-article state so the Decoder can be reused for the
// next article without reallocating its line buffer.
func (d *Decoder) Reset(crcCheck bool) {
	*d = Decoder{
		crcCheck: crcCheck,
		crc:      newCRCHash(),
		lineBuf:  d.lineBuf[:0],
	}
}

// Filename returns the article filename parsed from the =ybegin/begin
// header. A yEnc name is converted from latin-1 to UTF-8; a UU name is
// returned as sent.
func (d *Decoder) Filename() string { return d.filename }

// DeclaredSize returns the size= value of the =ybegin line: the whole-file
// size, for a part of a multi-part yEnc stream as well as a single-part one.
func (d *Decoder) DeclaredSize() int64 { return d.size }

// Range returns the [begin, end] 1-based inclusive byte range this article
// writes into the final file, from =ypart (or the whole file for a
// non-part =ybegin).
func (d *Decoder) Range() (begin, end int64) { return d.beginPos, d.endPos }

// IsPart reports whether this article declared itself as one part of a
// multi-part file.
func (d *Decoder) IsPart() bool { return d.part }

// Format returns the detected encoding, or FormatUnknown before the first
// line has been classified.
func (d *Decoder) Format() Format { return d.format }

// EOF reports whether the NNTP dot-terminator has been observed.
func (d *Decoder) EOF() bool { return d.eof }

// CRC32 returns the CRC32 computed so far over decoded output bytes.
func (d *Decoder) CRC32() uint32 { return d.crc.Sum32() }

// DecodeBuffer feeds buf (one chunk of the article body as read off the
// wire) through the decoder and returns the bytes decoded from it, ready to
// hand to ArticleWriter.Write. It never allocates more than the output it
// must return.
func (d *Decoder) DecodeBuffer(buf []byte) []byte {
	var output []byte

	if d.body && d.format == FormatYenc {
		out, remainder, switched := d.decodeYencBlock(buf)
		output = append(output, out...)
		if !switched {
			return output
		}
		d.lineBuf = append(d.lineBuf[:0], remainder...)
	} else {
		d.lineBuf = append(d.lineBuf, buf...)
	}

	for {
		idx := bytes.IndexByte(d.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := d.lineBuf[:idx+1]

		if len(line) >= 2 && line[0] == '.' && line[1] == '\r' {
			d.eof = true
			d.lineBuf = d.lineBuf[:0]
			return output
		}

		if d.format == FormatUnknown {
			d.format = detectFormat(line)
		}

		switch d.format {
		case FormatYenc:
			d.processYencHeader(line)
			if d.body {
				rest := d.lineBuf[idx+1:]
				out, remainder, switched := d.decodeYencBlock(rest)
				output = append(output, out...)
				if !switched {
					return output
				}
				d.lineBuf = append([]byte{}, remainder...)
				continue
			}
		case FormatUU:
			output = append(output, d.decodeUxLine(line)...)
		}

		d.lineBuf = d.lineBuf[idx+1:]
	}

	return output
}

// detectFormat classifies a single line by its begin marker.
func detectFormat(line []byte) Format {
	if bytes.HasPrefix(line, []byte("=ybegin ")) {
		return FormatYenc
	}
	if (len(line) == 62 || len(line) == 63) &&
		(line[61] == '\r' || line[61] == '\n') && line[0] == 'M' {
		return FormatUU
	}
	if bytes.HasPrefix(line, []byte("begin ")) {
		rest := line[len("begin "):]
		ok := len(rest) > 0
		for _, c := range rest {
			if c == ' ' {
				break
			}
			if c < '0' || c > '7' {
				ok = false
				break
			}
		}
		if ok {
			return FormatUU
		}
	}
	return FormatUnknown
}

func findHeaderField(line, key string) (string, bool) {
	idx := strings.Index(line, key)
	if idx < 0 {
		return "", false
	}
	start := idx + len(key)
	end := start
	for end < len(line) && line[end] != ' ' && line[end] != '\r' && line[end] != '\n' {
		end++
	}
	return line[start:end], true
}

func (d *Decoder) processYencHeader(lineBytes []byte) {
	line := string(lineBytes)

	switch {
	case strings.HasPrefix(line, "=ybegin "):
		d.begin = true
		if name, ok := findHeaderField(line, " name="); ok {
			runes := make([]rune, len(name))
			for i := 0; i < len(name); i++ {
				runes[i] = rune(name[i])
			}
			d.filename = string(runes)
		}
		if sz, ok := findHeaderField(line, " size="); ok {
			d.size, _ = strconv.ParseInt(sz, 10, 64)
		}
		if _, ok := findHeaderField(line, " part="); ok {
			d.part = true
		} else {
			d.body = true
			d.beginPos = 1
			d.endPos = d.size
		}

	case strings.HasPrefix(line, "=ypart "):
		d.part = true
		d.body = true
		if b, ok := findHeaderField(line, " begin="); ok {
			d.beginPos, _ = strconv.ParseInt(b, 10, 64)
		}
		if e, ok := findHeaderField(line, " end="); ok {
			d.endPos, _ = strconv.ParseInt(e, 10, 64)
		}

	case strings.HasPrefix(line, "=yend "):
		d.end = true
		key := " crc32="
		if d.part {
			key = " pcrc32="
		}
		if c, ok := findHeaderField(line, key); ok {
			d.crcPresent = true
			v, _ := strconv.ParseUint(c, 16, 32)
			d.expectedCRC = uint32(v)
		}
		if sz, ok := findHeaderField(line, " size="); ok {
			d.endSize, _ = strconv.ParseInt(sz, 10, 64)
		}
	}
}

// decodeYencBlock decodes body bytes until it finds the NNTP terminator
// (\r\n=y, signalling a =yend/=ybegin line follows, or \r\n.\r\n signalling
// end of article), or runs out of definite bytes to decode. It returns the
// decoded payload, and if a terminator was found, the literal bytes that
// must be re-fed through line-mode processing (switched=true) so the
// =yend/eof marker parsing logic sees them exactly as it would a normal
// line.
func (d *Decoder) decodeYencBlock(data []byte) (out []byte, lineModeRemainder []byte, switched bool) {
	combined := data
	if len(d.carry) > 0 {
		combined = make([]byte, 0, len(d.carry)+len(data))
		combined = append(combined, d.carry...)
		combined = append(combined, data...)
		d.carry = nil
	}

	idxCRLFy := bytes.Index(combined, []byte("\r\n=y"))
	idxCRLFdot := bytes.Index(combined, []byte("\r\n.\r\n"))

	idx := -1
	isYMarker := false
	switch {
	case idxCRLFy >= 0 && (idxCRLFdot < 0 || idxCRLFy < idxCRLFdot):
		idx = idxCRLFy
		isYMarker = true
	case idxCRLFdot >= 0:
		idx = idxCRLFdot
	}

	if idx < 0 {
		// Keep a short tail in case the terminator is split across chunks.
		safe := len(combined) - 4
		if safe < 0 {
			d.carry = append(d.carry[:0], combined...)
			return nil, nil, false
		}
		decoded := d.decodeYencBytes(combined[:safe])
		d.carry = append(d.carry[:0], combined[safe:]...)
		return decoded, nil, false
	}

	decoded := d.decodeYencBytes(combined[:idx])
	d.body = false

	if isYMarker {
		lineModeRemainder = append([]byte("=y"), combined[idx+len("\r\n=y"):]...)
	} else {
		lineModeRemainder = append([]byte(".\r\n"), combined[idx+len("\r\n.\r\n"):]...)
	}
	return decoded, lineModeRemainder, true
}

// decodeYencBytes un-escapes raw yEnc body bytes into a new slice, skipping
// line breaks, honoring the escape-byte state across calls.
func (d *Decoder) decodeYencBytes(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for _, c := range src {
		if c == '\r' || c == '\n' {
			continue
		}
		if d.escNext {
			out = append(out, c-64-42)
			d.escNext = false
			continue
		}
		if c == '=' {
			d.escNext = true
			continue
		}
		out = append(out, c-42)
	}
	if d.crcCheck {
		d.crc.Write(out)
	}
	d.outSize += int64(len(out))
	return out
}

// uuDecodeChar maps one uuencoded character to its 6-bit value.
func uuDecodeChar(c byte) byte {
	if c == '`' {
		return 0
	}
	return (c - ' ') & 077
}

func (d *Decoder) decodeUxLine(line []byte) []byte {
	if !d.body {
		if bytes.HasPrefix(line, []byte("begin ")) {
			rest := line[len("begin "):]
			sp := bytes.IndexByte(rest, ' ')
			if sp >= 0 {
				name := rest[sp+1:]
				name = bytes.TrimRight(name, "\r\n")
				d.filename = string(name)
			}
			d.body = true
			return nil
		}
		if (len(line) == 62 || len(line) == 63) &&
			(line[61] == '\n' || line[61] == '\r') && line[0] == 'M' {
			d.body = true
		}
	}

	if d.body && (bytes.HasPrefix(line, []byte("end ")) || (len(line) > 0 && line[0] == '`')) {
		d.end = true
	}

	if d.body && !d.end {
		effLen := int(uuDecodeChar(line[0]))
		if effLen > len(line) {
			return nil
		}
		out := make([]byte, 0, effLen)
		iptr := 1
		for effLen > 0 {
			if iptr+3 >= len(line) {
				break
			}
			c0 := uuDecodeChar(line[iptr])
			c1 := uuDecodeChar(line[iptr+1])
			if effLen >= 3 {
				c2 := uuDecodeChar(line[iptr+2])
				c3 := uuDecodeChar(line[iptr+3])
				out = append(out, c0<<2|c1>>4, c1<<4|c2>>2, c2<<6|c3)
			} else {
				out = append(out, c0<<2|c1>>4)
				if effLen >= 2 {
					c2 := uuDecodeChar(line[iptr+2])
					out = append(out, c1<<4|c2>>2)
				}
			}
			iptr += 4
			effLen -= 3
		}
		if d.crcCheck {
			d.crc.Write(out)
		}
		d.outSize += int64(len(out))
		return out
	}

	return nil
}

// Check validates the completed article stream and returns the terminal
// status.
func (d *Decoder) Check() Status {
	switch d.format {
	case FormatYenc:
		return d.checkYenc()
	case FormatUU:
		return d.checkUU()
	default:
		return StatusNoBinaryData
	}
}

func (d *Decoder) checkYenc() Status {
	if !d.begin {
		return StatusNoBinaryData
	}
	if !d.end {
		return StatusArticleIncomplete
	}
	if (!d.part && d.size != d.endSize) || d.endSize != d.outSize {
		return StatusInvalidSize
	}
	if d.crcCheck && d.crcPresent && d.expectedCRC != d.crc.Sum32() {
		return StatusCrcError
	}
	return StatusFinished
}

func (d *Decoder) checkUU() Status {
	if !d.body {
		return StatusNoBinaryData
	}
	if !d.end {
		return StatusArticleIncomplete
	}
	return StatusFinished
}
