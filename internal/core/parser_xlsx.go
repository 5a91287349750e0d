package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Summary sheet cell where some logger exports keep the device serial.
const (
	summarySheet      = "Resumo"
	summarySerialCell = "B6"
)

// XLSXParser streams Office Open XML workbooks.
type XLSXParser struct{}

// NewXLSXParser creates the xlsx parser.
func NewXLSXParser() *XLSXParser { return &XLSXParser{} }

func (p *XLSXParser) Name() string { return FormatXLSX }

// Detect requires the .xlsx extension and a zip container.
func (p *XLSXParser) Detect(meta FileMeta, sample []byte) bool {
	return meta.Extension == "xlsx" && SniffFormat(sample) == FormatXLSX
}

// Parse opens the workbook and streams the selected sheet row by row.
func (p *XLSXParser) Parse(ctx context.Context, meta FileMeta, opts ParseOptions) (RowReader, error) {
	f, err := excelize.OpenFile(meta.AbsolutePath)
	if err != nil {
		return nil, formatErr(p.Name(), meta.FileName, err)
	}

	sheet := pickSheet(f.GetSheetList(), opts)
	if sheet == "" {
		f.Close()
		return nil, formatErr(p.Name(), meta.FileName, errors.New("workbook has no sheets"))
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, formatErr(p.Name(), meta.FileName, fmt.Errorf("sheet %q: %w", sheet, err))
	}

	src := &xlsxSource{ctx: ctx, file: f, rows: rows, total: sheetRowCount(f, sheet)}
	tr, err := newTableReader(src, opts)
	if err != nil {
		src.close()
		return nil, formatErr(p.Name(), meta.FileName, err)
	}
	return tr, nil
}

// Normalize reads numeric date cells as Excel serials.
func (p *XLSXParser) Normalize(raw RawRow, rctx RowContext) (NormalizedRow, *RowError) {
	return normalizeRow(raw, rctx, true)
}

// sheetRowCount reads the last row of the sheet dimension, or 0 if unknown.
func sheetRowCount(f *excelize.File, sheet string) int {
	dim, err := f.GetSheetDimension(sheet)
	if err != nil || dim == "" {
		return 0
	}
	ref := dim
	if i := strings.LastIndex(dim, ":"); i >= 0 {
		ref = dim[i+1:]
	}
	_, row, err := excelize.CellNameToCoordinates(ref)
	if err != nil {
		return 0
	}
	return row
}

// xlsxSource adapts the excelize row iterator to rowSource.
type xlsxSource struct {
	ctx   context.Context
	file  *excelize.File
	rows  *excelize.Rows
	index int
	total int
}

func (s *xlsxSource) next() (RawRow, error) {
	if err := s.ctx.Err(); err != nil {
		return RawRow{}, err
	}
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return RawRow{}, err
		}
		return RawRow{}, io.EOF
	}
	s.index++

	cols, err := s.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return RawRow{}, err
	}
	cells := make([]Cell, len(cols))
	for i, v := range cols {
		cells[i] = numericOrString(v)
	}
	return RawRow{Index: s.index, Cells: cells}, nil
}

func (s *xlsxSource) progress() float64 {
	if s.total <= 0 {
		return 0
	}
	f := float64(s.index) / float64(s.total)
	if f > 1 {
		return 1
	}
	return f
}

func (s *xlsxSource) close() error {
	rerr := s.rows.Close()
	if err := s.file.Close(); err != nil {
		return err
	}
	return rerr
}

// ProbeXLSXSerial reads the device serial from the summary sheet that some
// logger exports include. Returns false when the sheet or value is absent.
func ProbeXLSXSerial(path string) (string, bool) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	for _, s := range f.GetSheetList() {
		if !strings.EqualFold(s, summarySheet) {
			continue
		}
		v, err := f.GetCellValue(s, summarySerialCell)
		if err != nil {
			return "", false
		}
		v = NormalizeSerial(CleanCell(v))
		return v, v != ""
	}
	return "", false
}
