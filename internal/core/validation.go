package core

// validation.go turns raw rows into NormalizedRows.
//
// Validation happens at two levels:
//  1. Header validation: NewRowValidator resolves the layout's columns against
//     the header and fails when a required column is absent.
//  2. Row validation: Validate checks one row and stops at the first problem.
//
// Row checks run in a fixed order: required fields, timestamp, numbers and
// ranges, enums (category validation), then sensor membership and the
// sensor validity window (category data-integrity). Accepted rows may still
// carry plausibility warnings.

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Default accepted ranges, overridable per layout.
const (
	DefaultTemperatureMin = -50.0
	DefaultTemperatureMax = 100.0
	DefaultHumidityMin    = 0.0
	DefaultHumidityMax    = 100.0
)

// Plausibility thresholds for warnings on accepted rows.
const (
	warnTemperatureLow  = -40.0
	warnTemperatureHigh = 85.0
	warnHumidityLow     = 5.0
	warnHumidityHigh    = 95.0
	warnFutureSkew      = time.Hour
	warnMaxAgeYears     = 10
)

// ColumnLayout tells the validator where a sensor type keeps its values.
// Column references are header names (case-insensitive) or spreadsheet
// letters; an empty reference falls back to the header vocabulary.
type ColumnLayout struct {
	TimestampColumn   string              `yaml:"timestampColumn" json:"timestampColumn,omitempty"`
	TimeColumn        string              `yaml:"timeColumn" json:"timeColumn,omitempty"`
	TemperatureColumn string              `yaml:"temperatureColumn" json:"temperatureColumn,omitempty"`
	HumidityColumn    string              `yaml:"humidityColumn" json:"humidityColumn,omitempty"`
	SensorColumn      string              `yaml:"sensorColumn" json:"sensorColumn,omitempty"`
	StartRow          int                 `yaml:"startRow" json:"startRow,omitempty"`
	DateFormat        string              `yaml:"dateFormat" json:"dateFormat,omitempty"`
	Sheet             string              `yaml:"sheet" json:"sheet,omitempty"`
	TemperatureMin    *float64            `yaml:"temperatureMin" json:"temperatureMin,omitempty"`
	TemperatureMax    *float64            `yaml:"temperatureMax" json:"temperatureMax,omitempty"`
	HumidityMin       *float64            `yaml:"humidityMin" json:"humidityMin,omitempty"`
	HumidityMax       *float64            `yaml:"humidityMax" json:"humidityMax,omitempty"`
	Enums             map[string][]string `yaml:"enums" json:"enums,omitempty"`
}

// ConverterLayout is the fixed layout of legacy converter output.
var ConverterLayout = ColumnLayout{
	TimestampColumn:   "timestamp",
	TemperatureColumn: "temperature",
	HumidityColumn:    "humidity",
}

// ConverterHeader is the header the legacy converter reader reports.
var ConverterHeader = []string{"timestamp", "temperature", "humidity"}

type enumColumn struct {
	name    string
	idx     int
	allowed map[string]struct{}
	display string
}

// RowValidator validates rows of one file against a resolved layout.
// It holds no per-row state and is safe for concurrent use.
type RowValidator struct {
	dateLayout string

	tsCol     int
	timeCol   int
	tempCol   int
	humCol    int
	sensorCol int
	enums     []enumColumn

	tempMin, tempMax float64
	humMin, humMax   float64
}

// NewRowValidator resolves layout against header. A missing required column
// is reported as an error wrapping ErrMissingColumn.
func NewRowValidator(layout ColumnLayout, header []string) (*RowValidator, error) {
	v := &RowValidator{
		dateLayout: GoLayout(layout.DateFormat),
		timeCol:    -1,
		humCol:     -1,
		sensorCol:  -1,
		tempMin:    floatOr(layout.TemperatureMin, DefaultTemperatureMin),
		tempMax:    floatOr(layout.TemperatureMax, DefaultTemperatureMax),
		humMin:     floatOr(layout.HumidityMin, DefaultHumidityMin),
		humMax:     floatOr(layout.HumidityMax, DefaultHumidityMax),
	}

	var missing []string

	v.tsCol = resolveColumn(layout.TimestampColumn, header, roleDateTime, roleDate, roleTime)
	if v.tsCol < 0 {
		missing = append(missing, "timestamp")
	}
	if layout.TimeColumn != "" {
		v.timeCol = resolveColumn(layout.TimeColumn, header)
	} else if v.tsCol >= 0 && v.tsCol < len(header) && classifyHeader(header[v.tsCol]) == roleDate {
		v.timeCol = resolveColumn("", header, roleTime)
	}

	v.tempCol = resolveColumn(layout.TemperatureColumn, header, roleTemperature)
	if v.tempCol < 0 {
		missing = append(missing, "temperature")
	}
	v.humCol = resolveColumn(layout.HumidityColumn, header, roleHumidity)
	v.sensorCol = resolveColumn(layout.SensorColumn, header, roleSensor)

	names := make([]string, 0, len(layout.Enums))
	for name := range layout.Enums {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		idx := resolveColumn(name, header)
		if idx < 0 {
			missing = append(missing, name)
			continue
		}
		ec := enumColumn{name: name, idx: idx, allowed: make(map[string]struct{})}
		for _, a := range layout.Enums[name] {
			ec.allowed[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
		}
		ec.display = strings.Join(layout.Enums[name], ", ")
		v.enums = append(v.enums, ec)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return v, nil
}

// HasSensorColumn reports whether rows name their own sensor.
func (v *RowValidator) HasSensorColumn() bool { return v.sensorCol >= 0 }

// HasHumidity reports whether a humidity column was resolved.
func (v *RowValidator) HasHumidity() bool { return v.humCol >= 0 }

// SensorSerial returns the normalized sensor serial named by a row, or "".
func (v *RowValidator) SensorSerial(raw RawRow) string {
	if v.sensorCol < 0 {
		return ""
	}
	return NormalizeSerial(CleanCell(cellAt(raw, v.sensorCol).Text()))
}

// resolveColumn finds a column by header name, then by spreadsheet letter,
// then by vocabulary role. Returns -1 when nothing matches. With a header, a
// letter past its last column does not resolve.
func resolveColumn(ref string, header []string, roles ...columnRole) int {
	ref = strings.TrimSpace(ref)
	if ref != "" {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), ref) {
				return i
			}
		}
		if idx, ok := ColumnIndex(ref); ok && (len(header) == 0 || idx < len(header)) {
			return idx
		}
	}
	for _, role := range roles {
		for i, h := range header {
			if classifyHeader(h) == role {
				return i
			}
		}
	}
	return -1
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func cellAt(raw RawRow, idx int) Cell {
	if idx < 0 || idx >= len(raw.Cells) {
		return Cell{Kind: CellEmpty}
	}
	return raw.Cells[idx]
}

// Validate checks one row. Exactly one of the row and the error is
// meaningful; warnings accompany accepted rows only.
func (v *RowValidator) Validate(raw RawRow, rctx RowContext) (NormalizedRow, *RowError, []RowWarning) {
	reject := func(field, msg string, cat ErrorCategory) (NormalizedRow, *RowError, []RowWarning) {
		return NormalizedRow{}, &RowError{RowIndex: raw.Index, Field: field, Message: msg, Category: cat}, nil
	}

	if raw.Err != "" {
		return reject("", raw.Err, CategoryFormat)
	}

	// Required fields.
	tsCell := cellAt(raw, v.tsCol)
	if tsCell.IsEmpty() {
		return reject("timestamp", "required field is empty", CategoryValidation)
	}
	tempCell := cellAt(raw, v.tempCol)
	if tempCell.IsEmpty() {
		return reject("temperature", "required field is empty", CategoryValidation)
	}
	for _, ec := range v.enums {
		if cellAt(raw, ec.idx).IsEmpty() {
			return reject(ec.name, "required field is empty", CategoryValidation)
		}
	}

	// Timestamp.
	ts, ok := v.timestamp(tsCell, cellAt(raw, v.timeCol), rctx.SerialDates)
	if !ok {
		return reject("timestamp", fmt.Sprintf("invalid date %q", tsCell.Text()), CategoryValidation)
	}

	// Numbers and ranges.
	temp, ok := cellNumber(tempCell)
	if !ok {
		return reject("temperature", fmt.Sprintf("invalid number %q", tempCell.Text()), CategoryValidation)
	}
	if temp < v.tempMin || temp > v.tempMax {
		return reject("temperature", fmt.Sprintf("value %s out of range [%s, %s]",
			formatFloat(temp), formatFloat(v.tempMin), formatFloat(v.tempMax)), CategoryValidation)
	}

	var humidity *float64
	if humCell := cellAt(raw, v.humCol); !humCell.IsEmpty() {
		h, ok := cellNumber(humCell)
		if !ok {
			return reject("humidity", fmt.Sprintf("invalid number %q", humCell.Text()), CategoryValidation)
		}
		if h < v.humMin || h > v.humMax {
			return reject("humidity", fmt.Sprintf("value %s out of range [%s, %s]",
				formatFloat(h), formatFloat(v.humMin), formatFloat(v.humMax)), CategoryValidation)
		}
		humidity = &h
	}

	// Enums.
	for _, ec := range v.enums {
		val := CleanCell(cellAt(raw, ec.idx).Text())
		if _, ok := ec.allowed[strings.ToLower(val)]; !ok {
			return reject(ec.name, fmt.Sprintf("value %q not allowed (expected one of %s)", val, ec.display), CategoryValidation)
		}
	}

	// Sensor membership.
	sensor := rctx.Sensor
	if serial := v.SensorSerial(raw); serial != "" {
		named, ok := rctx.Sensors[serial]
		if !ok {
			return reject("sensor", fmt.Sprintf("sensor %q is not part of the collection", serial), CategoryDataIntegrity)
		}
		if sensor != nil && named.ID != sensor.ID {
			return reject("sensor", fmt.Sprintf("row names sensor %q but the file belongs to %q",
				serial, sensor.SerialNumber), CategoryDataIntegrity)
		}
		sensor = named
	}
	if sensor == nil {
		return reject("sensor", "no sensor could be matched to the row", CategoryDataIntegrity)
	}

	// Validity window.
	if sensor.ValidFrom != nil && ts.Before(*sensor.ValidFrom) {
		return reject("timestamp", fmt.Sprintf("reading at %s precedes sensor validity starting %s",
			ts.Format(time.RFC3339), sensor.ValidFrom.UTC().Format(time.RFC3339)), CategoryDataIntegrity)
	}
	if sensor.ValidTo != nil && ts.After(*sensor.ValidTo) {
		return reject("timestamp", fmt.Sprintf("reading at %s is after sensor validity ended %s",
			ts.Format(time.RFC3339), sensor.ValidTo.UTC().Format(time.RFC3339)), CategoryDataIntegrity)
	}

	row := NormalizedRow{
		SensorID:       sensor.ID,
		SensorSerial:   sensor.SerialNumber,
		Timestamp:      ts,
		TemperatureC:   temp,
		HumidityPct:    humidity,
		SourceRowIndex: raw.Index,
		FileName:       rctx.FileName,
		RawFields:      raw.Fields(),
	}
	return row, nil, plausibilityWarnings(row, rctx.Now)
}

func plausibilityWarnings(row NormalizedRow, now time.Time) []RowWarning {
	if now.IsZero() {
		now = time.Now()
	}
	var out []RowWarning
	warn := func(field, msg string) {
		out = append(out, RowWarning{RowIndex: row.SourceRowIndex, Field: field, Message: msg})
	}

	if row.Timestamp.After(now.Add(warnFutureSkew)) {
		warn("timestamp", "timestamp is in the future")
	} else if row.Timestamp.Before(now.AddDate(-warnMaxAgeYears, 0, 0)) {
		warn("timestamp", "timestamp is more than 10 years old")
	}
	if row.TemperatureC < warnTemperatureLow || row.TemperatureC > warnTemperatureHigh {
		warn("temperature", fmt.Sprintf("temperature %s is outside the usual range", formatFloat(row.TemperatureC)))
	}
	if h := row.HumidityPct; h != nil && (*h > warnHumidityHigh || *h < warnHumidityLow) {
		warn("humidity", fmt.Sprintf("humidity %s is outside the usual range", formatFloat(*h)))
	}
	return out
}

func cellNumber(c Cell) (float64, bool) {
	switch c.Kind {
	case CellNumber:
		return c.Num, !math.IsNaN(c.Num) && !math.IsInf(c.Num, 0)
	case CellString:
		return ParseDecimal(c.Str)
	}
	return 0, false
}

// timestamp reads the date cell, joined with an optional time-of-day cell.
func (v *RowValidator) timestamp(date, tod Cell, serialDates bool) (time.Time, bool) {
	var base time.Time
	switch date.Kind {
	case CellDate:
		base = date.Time.UTC()
	case CellNumber:
		if !serialDates {
			return time.Time{}, false
		}
		t, ok := ExcelSerialToTime(date.Num)
		if !ok {
			return time.Time{}, false
		}
		base = t
	case CellString:
		text := CleanCell(date.Str)
		if tod.Kind == CellString && !tod.IsEmpty() {
			if t, ok := ParseTimestamp(text+" "+CleanCell(tod.Str), v.dateLayout); ok {
				return t, true
			}
		}
		t, ok := ParseTimestamp(text, v.dateLayout)
		if !ok && serialDates {
			if f, isNum := parsePlainFloat(text); isNum {
				t, ok = ExcelSerialToTime(f)
			}
		}
		if !ok {
			return time.Time{}, false
		}
		base = t
	default:
		return time.Time{}, false
	}
	return addTimeOfDay(base, tod)
}

// addTimeOfDay adds a separate time column to a date. Fractional numbers
// are Excel day fractions.
func addTimeOfDay(base time.Time, tod Cell) (time.Time, bool) {
	switch tod.Kind {
	case CellNumber:
		if tod.Num < 0 || tod.Num >= 1 {
			return time.Time{}, false
		}
		return base.Add(time.Duration(math.Round(tod.Num*86400)) * time.Second), true
	case CellDate:
		h, m, s := tod.Time.Clock()
		return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second), true
	case CellString:
		text := CleanCell(tod.Str)
		if text == "" {
			return base, true
		}
		for _, l := range []string{"15:04:05", "15:04"} {
			if t, err := time.Parse(l, text); err == nil {
				h, m, s := t.Clock()
				return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second), true
			}
		}
		return time.Time{}, false
	}
	return base, true
}
