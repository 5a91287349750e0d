package core

import (
	"context"
	"io"
	"strings"
	"time"
)

// DefaultMaxHeaderSearchRows bounds how far a reader looks for the header
// row when none is configured.
const DefaultMaxHeaderSearchRows = 20

// Parser turns one file format into a stream of raw rows.
type Parser interface {
	Name() string
	// Detect reports whether the parser accepts the file. It must not read
	// beyond sample.
	Detect(meta FileMeta, sample []byte) bool
	// Parse opens the file. Open failures are returned as *FormatError
	// before any row is yielded.
	Parse(ctx context.Context, meta FileMeta, opts ParseOptions) (RowReader, error)
	// Normalize converts a raw row into a domain row with this parser's cell
	// conventions.
	Normalize(raw RawRow, rctx RowContext) (NormalizedRow, *RowError)
}

// RowReader is a finite, single-pass stream of rows following the header.
type RowReader interface {
	Header() []string
	// Next returns io.EOF after the last row.
	Next() (RawRow, error)
	// Progress is the consumed share of the input in [0,1].
	Progress() float64
	Close() error
}

// ParseOptions controls how a parser locates data inside a file.
type ParseOptions struct {
	// StartRow is the first data row (1-based). Zero auto-detects the header;
	// above one, the row before StartRow is the header.
	StartRow            int
	Sheet               string
	Vendor              string
	ChunkSize           int
	MaxHeaderSearchRows int
}

func (o ParseOptions) headerSearchRows() int {
	if o.MaxHeaderSearchRows <= 0 {
		return DefaultMaxHeaderSearchRows
	}
	return o.MaxHeaderSearchRows
}

// RowContext carries what the validator needs beyond the row itself.
type RowContext struct {
	FileName string
	// Sensor is the sensor resolved for the whole file, nil when each row
	// names its own sensor.
	Sensor *Sensor
	// Sensors indexes the collection by normalized serial.
	Sensors     map[string]*Sensor
	Validator   *RowValidator
	SerialDates bool
	Now         time.Time
	OnWarning   func(RowWarning)
}

// normalizeRow is the Normalize implementation shared by all parsers.
func normalizeRow(raw RawRow, rctx RowContext, serialDates bool) (NormalizedRow, *RowError) {
	if rctx.Validator == nil {
		return NormalizedRow{}, &RowError{
			RowIndex: raw.Index,
			Message:  "no validator configured",
			Category: CategoryFormat,
		}
	}
	rctx.SerialDates = serialDates
	row, rerr, warnings := rctx.Validator.Validate(raw, rctx)
	if rerr == nil && rctx.OnWarning != nil {
		for _, w := range warnings {
			rctx.OnWarning(w)
		}
	}
	return row, rerr
}

// ----------------------------------------------------------------------------
// Header vocabulary
// ----------------------------------------------------------------------------

// columnRole is what a header cell names.
type columnRole int

const (
	roleNone columnRole = iota
	roleDateTime
	roleDate
	roleTime
	roleTemperature
	roleHumidity
	roleSensor
)

// classifyHeader maps a header cell onto a role using the Portuguese and
// English vocabulary of logger exports.
func classifyHeader(name string) columnRole {
	low := strings.ToLower(strings.TrimSpace(name))
	if low == "" {
		return roleNone
	}
	hasDate := strings.Contains(low, "data") || strings.Contains(low, "date")
	hasTime := containsAny(low, "hora", "horário", "horario", "time")

	switch {
	case strings.Contains(low, "temper"),
		low == "temp", hasPrefixAny(low, "temp (", "temp(", "temp.", "t (°c)", "t(°c)"):
		return roleTemperature
	case containsAny(low, "umid", "humid"),
		low == "ur", low == "rh", low == "hr", hasPrefixAny(low, "ur (", "ur(", "rh (", "rh(", "ur %", "rh %"):
		return roleHumidity
	case containsAny(low, "sensor", "serial", "série", "serie"):
		return roleSensor
	case low == "timestamp", containsAny(low, "datetime", "datahora"):
		return roleDateTime
	case hasDate && hasTime:
		return roleDateTime
	case hasDate:
		return roleDate
	case hasTime, strings.Contains(low, "tempo"):
		return roleTime
	}
	return roleNone
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasPrefixAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// looksLikeHeader reports whether a row names at least a time column and a
// temperature column.
func looksLikeHeader(cells []string) bool {
	var hasWhen, hasTemp bool
	for _, c := range cells {
		switch classifyHeader(c) {
		case roleDateTime, roleDate, roleTime:
			hasWhen = true
		case roleTemperature:
			hasTemp = true
		}
	}
	return hasWhen && hasTemp
}

// ----------------------------------------------------------------------------
// Header-locating reader
// ----------------------------------------------------------------------------

// rowSource yields physical rows from a format engine.
type rowSource interface {
	next() (RawRow, error)
	progress() float64
	close() error
}

// tableReader locates the header in a rowSource and yields the rows after it.
type tableReader struct {
	src     rowSource
	header  []string
	pending []RawRow // rows read during header search that turned out to be data
}

// newTableReader positions src after the header according to opts.
func newTableReader(src rowSource, opts ParseOptions) (*tableReader, error) {
	tr := &tableReader{src: src}

	switch {
	case opts.StartRow == 1:
		// No header; columns are addressed by letter.
		return tr, nil

	case opts.StartRow > 1:
		for {
			row, err := src.next()
			if err == io.EOF {
				return tr, nil
			}
			if err != nil {
				return nil, err
			}
			if row.Index == opts.StartRow-1 {
				tr.header = headerCells(row)
				return tr, nil
			}
			if row.Index >= opts.StartRow {
				// Sparse sources may jump past the header row.
				tr.pending = append(tr.pending, row)
				return tr, nil
			}
		}
	}

	limit := opts.headerSearchRows()
	var buffered []RawRow
	for len(buffered) < limit {
		row, err := src.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if looksLikeHeader(row.Fields()) {
			tr.header = headerCells(row)
			return tr, nil
		}
		buffered = append(buffered, row)
	}

	// No header found: replay everything as data.
	tr.pending = buffered
	return tr, nil
}

func headerCells(row RawRow) []string {
	out := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		out[i] = CleanCell(c.Text())
	}
	return out
}

func (t *tableReader) Header() []string { return t.header }

func (t *tableReader) Next() (RawRow, error) {
	if len(t.pending) > 0 {
		row := t.pending[0]
		t.pending = t.pending[1:]
		return row, nil
	}
	return t.src.next()
}

func (t *tableReader) Progress() float64 { return t.src.progress() }

func (t *tableReader) Close() error { return t.src.close() }

// pickSheet returns the configured sheet, else the vendor sheet, else the
// first sheet. Names compare case-insensitively.
func pickSheet(sheets []string, opts ParseOptions) string {
	if len(sheets) == 0 {
		return ""
	}
	for _, want := range []string{opts.Sheet, VendorSheet(opts.Vendor)} {
		if want == "" {
			continue
		}
		for _, s := range sheets {
			if strings.EqualFold(strings.TrimSpace(s), want) {
				return s
			}
		}
	}
	return sheets[0]
}

// numericOrString builds a number cell for plain decimal text and a string
// cell otherwise.
func numericOrString(s string) Cell {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Cell{Kind: CellEmpty}
	}
	if f, ok := parsePlainFloat(trimmed); ok {
		return NumberCell(f)
	}
	return StringCell(s)
}
