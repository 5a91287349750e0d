package core

// streaming.go wraps delimited-text input so that it can be parsed in one
// pass with bounded memory:
//
//   - BOMSkippingReader drops a leading UTF-8 BOM written by Windows tools
//   - legacy exports in Windows-1252/Latin-1 are decoded to UTF-8
//   - StreamingUTF8Sanitizer replaces stray invalid bytes in UTF-8 input
//   - StreamingCountingReader counts consumed bytes for progress reporting
//
// Use WrapForStreaming to apply them in the right order.

import (
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Charset names the text encoding of a delimited file.
type Charset string

const (
	CharsetUTF8        Charset = "utf-8"
	CharsetWindows1252 Charset = "windows-1252"
)

// DetectCharset guesses the encoding from a sample. Invalid UTF-8 outside a
// possibly truncated final rune means a single-byte legacy code page, which
// loggers in the field write as Windows-1252.
func DetectCharset(sample []byte) Charset {
	if isAllASCII(sample) {
		return CharsetUTF8
	}
	trimmed := sample[:len(sample)-incompleteTrailingBytes(sample)]
	if utf8.Valid(trimmed) {
		return CharsetUTF8
	}
	return CharsetWindows1252
}

// StreamingUTF8Sanitizer replaces invalid UTF-8 bytes with '?' on the fly,
// keeping memory at O(buffer).
type StreamingUTF8Sanitizer struct {
	reader  io.Reader
	pending []byte // tail of a multi-byte sequence split across reads
}

// NewStreamingUTF8Sanitizer creates a new streaming UTF-8 sanitizer.
func NewStreamingUTF8Sanitizer(r io.Reader) *StreamingUTF8Sanitizer {
	return &StreamingUTF8Sanitizer{
		reader:  r,
		pending: make([]byte, 0, utf8.UTFMax),
	}
}

// Read implements io.Reader.
func (s *StreamingUTF8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	if isAllASCII(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

func isAllASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// sanitize rewrites data in place and returns the number of bytes to emit.
// Unless atEOF, an incomplete trailing sequence is held back for the next read.
func (s *StreamingUTF8Sanitizer) sanitize(data []byte, atEOF bool) int {
	if utf8.Valid(data) {
		if !atEOF {
			if trailing := incompleteTrailingBytes(data); trailing > 0 {
				s.pending = append(s.pending, data[len(data)-trailing:]...)
				return len(data) - trailing
			}
		}
		return len(data)
	}

	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])

		if !atEOF && read+size >= len(data) && isIncompleteRune(data[read:]) {
			s.pending = append(s.pending, data[read:]...)
			return write
		}

		if r == utf8.RuneError && size == 1 {
			// '?' instead of U+FFFD so the buffer never grows.
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}

// incompleteTrailingBytes returns how many bytes at the end of data start a
// multi-byte sequence that is not yet complete.
func incompleteTrailingBytes(data []byte) int {
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b >= 0xC0 {
			if i < runeLen(b) {
				return i
			}
			return 0
		}
		if b&0xC0 != 0x80 {
			return 0
		}
	}
	return 0
}

func runeLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

func isIncompleteRune(data []byte) bool {
	return len(data) > 0 && runeLen(data[0]) > len(data)
}

// BOMSkippingReader drops the UTF-8 BOM (EF BB BF) if the stream starts with it.
type BOMSkippingReader struct {
	reader     io.Reader
	bomChecked bool
	buf        [3]byte
	bufData    []byte
	bufOffset  int
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{reader: r}
}

// Read implements io.Reader.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.bomChecked {
		r.bomChecked = true

		n, err := io.ReadFull(r.reader, r.buf[:])
		if n == 0 {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return 0, err
		}
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if n == 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF {
			r.bufData = nil
		} else {
			r.bufData = r.buf[:n]
			r.bufOffset = 0
		}

		if len(r.bufData) > 0 {
			copied := copy(p, r.bufData[r.bufOffset:])
			r.bufOffset += copied
			if r.bufOffset >= len(r.bufData) {
				r.bufData = nil
			}
			if copied < len(p) && err != io.EOF {
				n, err2 := r.reader.Read(p[copied:])
				return copied + n, err2
			}
			return copied, err
		}
		if err == io.EOF {
			return 0, io.EOF
		}
	}

	if len(r.bufData) > r.bufOffset {
		copied := copy(p, r.bufData[r.bufOffset:])
		r.bufOffset += copied
		if r.bufOffset >= len(r.bufData) {
			r.bufData = nil
		}
		return copied, nil
	}

	return r.reader.Read(p)
}

// StreamingCountingReader counts bytes pulled from the underlying reader.
type StreamingCountingReader struct {
	reader    io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
}

// NewStreamingCountingReader creates a counting reader with optional total size.
func NewStreamingCountingReader(r io.Reader, total int64) *StreamingCountingReader {
	return &StreamingCountingReader{reader: r, Total: total}
}

// Read implements io.Reader.
func (r *StreamingCountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// Fraction returns the consumed share of the input in [0,1], or 0 when the
// total is unknown.
func (r *StreamingCountingReader) Fraction() float64 {
	if r.Total <= 0 {
		return 0
	}
	f := float64(r.BytesRead) / float64(r.Total)
	if f > 1 {
		return 1
	}
	return f
}

// WrapForStreaming layers the readers in order: byte counting over the raw
// file (so progress matches the file size), BOM skipping, then decoding or
// sanitizing depending on charset.
func WrapForStreaming(r io.Reader, totalSize int64, charset Charset) (io.Reader, *StreamingCountingReader) {
	counter := NewStreamingCountingReader(r, totalSize)
	var out io.Reader = NewBOMSkippingReader(counter)
	if charset == CharsetWindows1252 {
		out = transform.NewReader(out, charmap.Windows1252.NewDecoder())
	} else {
		out = NewStreamingUTF8Sanitizer(out)
	}
	return out, counter
}
