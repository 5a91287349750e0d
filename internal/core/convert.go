package core

// convert.go turns the messy text of logger exports into domain values:
//   - timestamps in the configured layout or a known fallback, Excel serials
//   - decimals with comma or dot separators and unit suffixes
//   - sensor serials normalized for matching
//   - spreadsheet column letters

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// numericRegex validates a decimal after separator cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would land more than this many years in the future are moved
// to the previous century.
var TwoDigitYearPivot = 20

// excelEpoch is day zero of the 1900 date system, adjusted for the
// phantom 1900-02-29.
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var (
	fourDigitYearLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"02/01/2006 15:04:05",
		"02/01/2006 15:04",
		"2/1/2006 15:04:05",
		"2/1/2006 15:04",
		"02-01-2006 15:04:05",
		"02.01.2006 15:04:05",
		"2006/01/02 15:04:05",
		"2006-01-02",
		"02/01/2006",
		"02-01-2006",
	}
	twoDigitYearLayouts = []string{
		"02/01/06 15:04:05",
		"02/01/06 15:04",
		"02/01/06",
	}
)

// momentTokens converts moment-style format tokens used in sensor type
// configuration ("DD/MM/YYYY HH:mm:ss") into Go reference layouts.
var momentTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"hh", "03",
	"mm", "04",
	"ss", "05",
	"SSS", "000",
	"A", "PM",
)

// GoLayout converts a moment-style date format to a Go time layout.
// Returns "" for an empty format.
func GoLayout(format string) string {
	format = strings.TrimSpace(format)
	if format == "" {
		return ""
	}
	return momentTokens.Replace(format)
}

// ParseTimestamp parses s with the given Go layout first, then with the
// known fallback layouts. Zone-less values are read in UTC.
func ParseTimestamp(s, layout string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if layout != "" {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
		// Loggers drop the seconds when they are zero.
		if short := strings.TrimSuffix(layout, ":05"); short != layout {
			if t, err := time.ParseInLocation(short, s, time.UTC); err == nil {
				return t.UTC(), true
			}
		}
	}

	for _, l := range fourDigitYearLayouts {
		if t, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, l := range twoDigitYearLayouts {
		if t, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

// ExcelSerialToTime converts a 1900-system serial date to UTC, rounded to
// the nearest second. Serial 60 is the 29 February 1900 that the 1900
// system counts but the calendar lacks, so it is rejected; earlier serials
// are shifted a day forward to match what spreadsheets display.
func ExcelSerialToTime(serial float64) (time.Time, bool) {
	if serial < 1 || serial > 2958465 || math.IsNaN(serial) {
		return time.Time{}, false
	}
	switch {
	case serial >= 60 && serial < 61:
		return time.Time{}, false
	case serial < 60:
		serial++
	}
	secs := math.Round(serial * 86400)
	return excelEpoch.Add(time.Duration(secs) * time.Second), true
}

// ParseDecimal parses a decimal accepting comma or dot separators and
// trailing units such as "°C" or "%".
func ParseDecimal(s string) (float64, bool) {
	s = CleanCell(s)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return r == '%' || r == '°' || r == 'C' || r == 'c' || r == 'F' || unicode.IsSpace(r)
	})
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}

	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		// 1.234,5
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case comma >= 0 && dot >= 0:
		// 1,234.5
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		if strings.Count(s, ",") > 1 {
			return 0, false
		}
		s = strings.Replace(s, ",", ".", 1)
	}

	if !numericRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// NormalizeSerial folds a sensor serial for comparison: NFKC, control and
// zero-width characters stripped, upper-cased, trimmed.
func NormalizeSerial(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			return -1
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.ToUpper(strings.TrimSpace(s))
}

// CleanCell removes common export artifacts from a cell value:
// surrounding whitespace, the Excel formula prefix (="...") and quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// ColumnIndex converts a spreadsheet column reference ("A", "AB") to a
// zero-based index. References longer than three letters are rejected.
func ColumnIndex(ref string) (int, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(ref) > 3 {
		return 0, false
	}
	idx := 0
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			return 0, false
		}
		idx = idx*26 + int(r-'A'+1)
	}
	return idx - 1, true
}

// parsePlainFloat accepts only dot-decimal text, as produced by spreadsheet
// engines for numeric cells.
func parsePlainFloat(s string) (float64, bool) {
	if !numericRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
