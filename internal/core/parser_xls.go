package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/extrame/xls"
)

// XLSParser reads BIFF8 workbooks.
type XLSParser struct{}

// NewXLSParser creates the xls parser.
func NewXLSParser() *XLSParser { return &XLSParser{} }

func (p *XLSParser) Name() string { return FormatXLS }

// Detect requires the .xls extension and an OLE2 container.
func (p *XLSParser) Detect(meta FileMeta, sample []byte) bool {
	return meta.Extension == "xls" && SniffFormat(sample) == FormatXLS
}

// MaxXLSSize is the largest .xls the native parser opens. The decoder holds
// a decoded sheet in memory, so bigger files go to the legacy converter.
const MaxXLSSize = 32 << 20

// Parse opens the workbook and walks the selected sheet one row at a time.
// Only the sheets visited while looking for the wanted one are decoded.
func (p *XLSParser) Parse(ctx context.Context, meta FileMeta, opts ParseOptions) (RowReader, error) {
	if meta.SizeBytes > MaxXLSSize {
		return nil, formatErr(p.Name(), meta.FileName,
			fmt.Errorf("workbook is %d bytes, native limit is %d", meta.SizeBytes, MaxXLSSize))
	}
	wb, err := openXLS(meta.AbsolutePath)
	if err != nil {
		return nil, formatErr(p.Name(), meta.FileName, err)
	}

	idx := findXLSSheet(wb.NumSheets(), func(i int) string {
		if s := wb.GetSheet(i); s != nil {
			return s.Name
		}
		return ""
	}, opts)
	if idx < 0 {
		return nil, formatErr(p.Name(), meta.FileName, errors.New("workbook has no sheets"))
	}
	sheet := wb.GetSheet(idx)
	if sheet == nil {
		return nil, formatErr(p.Name(), meta.FileName, fmt.Errorf("sheet %d not readable", idx))
	}

	src := &xlsSource{ctx: ctx, sheet: sheet, last: int(sheet.MaxRow)}
	tr, err := newTableReader(src, opts)
	if err != nil {
		return nil, formatErr(p.Name(), meta.FileName, err)
	}
	return tr, nil
}

// findXLSSheet picks the sheet to read among n. name decodes sheet i, so
// sheets are visited in order and the walk stops as soon as the configured
// sheet (then the vendor sheet) is found. Without either, only sheet 0 is
// touched. It returns -1 for an empty workbook.
func findXLSSheet(n int, name func(int) string, opts ParseOptions) int {
	if n <= 0 {
		return -1
	}
	var seen []string
	lookup := func(want string) int {
		for i, s := range seen {
			if strings.EqualFold(strings.TrimSpace(s), want) {
				return i
			}
		}
		for i := len(seen); i < n; i++ {
			s := name(i)
			seen = append(seen, s)
			if strings.EqualFold(strings.TrimSpace(s), want) {
				return i
			}
		}
		return -1
	}
	for _, want := range []string{opts.Sheet, VendorSheet(opts.Vendor)} {
		if want == "" {
			continue
		}
		if i := lookup(want); i >= 0 {
			return i
		}
	}
	return 0
}

// Normalize reads numeric date cells as Excel serials.
func (p *XLSParser) Normalize(raw RawRow, rctx RowContext) (NormalizedRow, *RowError) {
	return normalizeRow(raw, rctx, true)
}

// openXLS converts panics from the BIFF decoder on malformed input into errors.
func openXLS(path string) (wb *xls.WorkBook, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			wb, err = nil, fmt.Errorf("malformed workbook: %v", rec)
		}
	}()
	wb, err = xls.Open(path, "utf-8")
	if err == nil && wb == nil {
		err = errors.New("workbook could not be opened")
	}
	return wb, err
}

// xlsSource adapts a worksheet to rowSource.
type xlsSource struct {
	ctx   context.Context
	sheet *xls.WorkSheet
	pos   int // zero-based row to read next
	last  int // zero-based index of the last row
}

func (s *xlsSource) next() (row RawRow, err error) {
	if err := s.ctx.Err(); err != nil {
		return RawRow{}, err
	}
	if s.pos > s.last {
		return RawRow{}, io.EOF
	}
	i := s.pos
	s.pos++

	defer func() {
		if rec := recover(); rec != nil {
			row = RawRow{Index: i + 1, Err: fmt.Sprintf("unreadable row: %v", rec)}
			err = nil
		}
	}()

	r := s.sheet.Row(i)
	if r == nil {
		return RawRow{Index: i + 1}, nil
	}
	n := r.LastCol()
	cells := make([]Cell, 0, n)
	for c := 0; c < n; c++ {
		cells = append(cells, numericOrString(r.Col(c)))
	}
	return RawRow{Index: i + 1, Cells: cells}, nil
}

func (s *xlsSource) progress() float64 {
	if s.last < 0 {
		return 1
	}
	f := float64(s.pos) / float64(s.last+1)
	if f > 1 {
		return 1
	}
	return f
}

func (s *xlsSource) close() error { return nil }

// ElitechLegacyParser claims Elitech .xls exports, which the BIFF decoder
// misreads, and routes them to the legacy converter.
type ElitechLegacyParser struct{}

// NewElitechLegacyParser creates the Elitech legacy route.
func NewElitechLegacyParser() *ElitechLegacyParser { return &ElitechLegacyParser{} }

func (p *ElitechLegacyParser) Name() string { return "elitech-legacy-xls" }

func (p *ElitechLegacyParser) Detect(meta FileMeta, sample []byte) bool {
	return meta.Extension == "xls" && DetectVendor(meta, sample) == VendorElitech
}

// Parse always defers to the legacy converter.
func (p *ElitechLegacyParser) Parse(_ context.Context, meta FileMeta, _ ParseOptions) (RowReader, error) {
	return nil, formatErr(p.Name(), meta.FileName, ErrNeedsFallback)
}

func (p *ElitechLegacyParser) Normalize(raw RawRow, rctx RowContext) (NormalizedRow, *RowError) {
	return normalizeRow(raw, rctx, false)
}
