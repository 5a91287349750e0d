package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// candidateDelimiters are tried in order; ties go to the earlier one.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

const delimiterSampleLines = 10

// CSVParser streams delimited text exports.
type CSVParser struct{}

// NewCSVParser creates the delimited-text parser.
func NewCSVParser() *CSVParser { return &CSVParser{} }

func (p *CSVParser) Name() string { return FormatCSV }

// Detect accepts .csv and .txt files whose content is text.
func (p *CSVParser) Detect(meta FileMeta, sample []byte) bool {
	if meta.Extension != "csv" && meta.Extension != "txt" {
		return false
	}
	return len(sample) == 0 || SniffFormat(sample) == FormatCSV
}

// Parse opens the file and positions the reader after the header.
func (p *CSVParser) Parse(ctx context.Context, meta FileMeta, opts ParseOptions) (RowReader, error) {
	f, err := os.Open(meta.AbsolutePath)
	if err != nil {
		return nil, formatErr(p.Name(), meta.FileName, err)
	}

	sample, err := SampleFile(meta.AbsolutePath, SampleSize)
	if err != nil {
		f.Close()
		return nil, formatErr(p.Name(), meta.FileName, err)
	}

	stream, counter := WrapForStreaming(f, meta.SizeBytes, DetectCharset(sample))
	reader := csv.NewReader(bufio.NewReaderSize(stream, 64*1024))
	reader.Comma = DetectDelimiter(sample)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	src := &csvSource{ctx: ctx, file: f, reader: reader, counter: counter}
	tr, err := newTableReader(src, opts)
	if err != nil {
		f.Close()
		return nil, formatErr(p.Name(), meta.FileName, err)
	}
	return tr, nil
}

// Normalize reads dates as text only; numeric cells never become serials.
func (p *CSVParser) Normalize(raw RawRow, rctx RowContext) (NormalizedRow, *RowError) {
	return normalizeRow(raw, rctx, false)
}

// DetectDelimiter picks the candidate that splits the first sample lines
// into the most consistent non-trivial field count.
func DetectDelimiter(sample []byte) rune {
	lines := sampleLines(sample, delimiterSampleLines)
	if len(lines) == 0 {
		return ','
	}

	best, bestScore := ',', -1
	for _, d := range candidateDelimiters {
		counts := make(map[int]int)
		for _, line := range lines {
			if n := countOutsideQuotes(line, byte(d)); n > 0 {
				counts[n]++
			}
		}
		// Score: lines sharing the modal count, weighted by that count.
		score := 0
		for n, hits := range counts {
			if s := hits*100 + n; s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func sampleLines(sample []byte, max int) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(sample, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
		if len(out) == max {
			break
		}
	}
	return out
}

func countOutsideQuotes(line []byte, d byte) int {
	n := 0
	inQuotes := false
	for _, b := range line {
		switch {
		case b == '"':
			inQuotes = !inQuotes
		case b == d && !inQuotes:
			n++
		}
	}
	return n
}

// csvSource adapts encoding/csv to rowSource.
type csvSource struct {
	ctx     context.Context
	file    *os.File
	reader  *csv.Reader
	counter *StreamingCountingReader
}

func (s *csvSource) next() (RawRow, error) {
	if err := s.ctx.Err(); err != nil {
		return RawRow{}, err
	}

	record, err := s.reader.Read()
	if err == io.EOF {
		return RawRow{}, io.EOF
	}

	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return RawRow{Index: parseErr.StartLine, Err: fmt.Sprintf("malformed line: %v", parseErr.Err)}, nil
	}
	if err != nil {
		return RawRow{}, err
	}

	// Physical line of the record start; blank lines are skipped by the reader.
	line, _ := s.reader.FieldPos(0)

	cells := make([]Cell, len(record))
	for i, field := range record {
		cells[i] = StringCell(field)
	}
	return RawRow{Index: line, Cells: cells}, nil
}

func (s *csvSource) progress() float64 { return s.counter.Fraction() }

func (s *csvSource) close() error { return s.file.Close() }
