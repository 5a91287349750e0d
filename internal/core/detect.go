package core

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SampleSize is how many leading bytes of a file are read for detection.
const SampleSize = 4096

// Format identifiers shared by the detector and the parsers.
const (
	FormatCSV     = "csv"
	FormatXLS     = "xls"
	FormatXLSX    = "xlsx"
	FormatUnknown = "unknown"
)

// Known logger vendors.
const (
	VendorElitech    = "elitech"
	VendorNovus      = "novus"
	VendorInstrutemp = "instrutemp"
	VendorTesto      = "testo"
	VendorDlog       = "dlog"
)

// vendorHints are matched in order against the lower-cased file name, then
// the lower-cased sample.
var vendorHints = []struct {
	hint   string
	vendor string
}{
	{"elitech", VendorElitech},
	{"rc-4hc", VendorElitech},
	{"rc-5", VendorElitech},
	{"novus", VendorNovus},
	{"instrutemp", VendorInstrutemp},
	{"testo", VendorTesto},
	{"dlog", VendorDlog},
}

// vendorSheets maps a vendor to the worksheet its exports keep readings in.
var vendorSheets = map[string]string{
	VendorElitech:    "Lista",
	VendorNovus:      "Dados",
	VendorInstrutemp: "Dados",
	VendorTesto:      "Data",
}

var (
	tempKeyword     = regexp.MustCompile(`(?i)temp`)
	humidityKeyword = regexp.MustCompile(`(?i)(umid|humid)`)
	dateKeyword     = regexp.MustCompile(`(?i)(data|date|time|hora)`)
)

// Detection is the outcome of DetectFormat.
type Detection struct {
	Format  string   `json:"format"`
	Vendor  string   `json:"vendor,omitempty"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// SampleFile reads at most n leading bytes (SampleSize when n <= 0).
func SampleFile(path string, n int) ([]byte, error) {
	if n <= 0 || n > SampleSize {
		n = SampleSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sample file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("sample file: %w", err)
	}
	return buf[:read], nil
}

// DetectFormat scores a file by extension, sniffed content, vendor hints and
// header keywords.
func DetectFormat(meta FileMeta, sample []byte) Detection {
	d := Detection{Format: FormatUnknown}

	switch meta.Extension {
	case "csv":
		d.Format = FormatCSV
		d.Score += 10
		d.Reasons = append(d.Reasons, "extension .csv")
	case "xls", "xlsx":
		d.Format = meta.Extension
		d.Score += 10
		d.Reasons = append(d.Reasons, "extension ."+meta.Extension)
	case "txt":
		d.Format = FormatCSV
		d.Score += 5
		d.Reasons = append(d.Reasons, "extension .txt")
	}

	if sniffed := SniffFormat(sample); sniffed != FormatUnknown {
		if sniffed == d.Format {
			d.Score += 5
			d.Reasons = append(d.Reasons, "content matches "+sniffed)
		} else {
			d.Reasons = append(d.Reasons, fmt.Sprintf("content looks like %s, extension says %s", sniffed, d.Format))
			if d.Format == FormatUnknown {
				d.Format = sniffed
			}
		}
	}

	if vendor := DetectVendor(meta, sample); vendor != "" {
		d.Vendor = vendor
		d.Score += 4
		d.Reasons = append(d.Reasons, "vendor hint: "+vendor)
	}

	if d.Format == FormatCSV && len(sample) > 0 {
		first := firstLine(sample)
		if tempKeyword.Match(first) {
			d.Score += 3
			d.Reasons = append(d.Reasons, "header mentions temperature")
		}
		if humidityKeyword.Match(first) {
			d.Score += 3
			d.Reasons = append(d.Reasons, "header mentions humidity")
		}
		if dateKeyword.Match(first) {
			d.Score += 3
			d.Reasons = append(d.Reasons, "header mentions date/time")
		}
	}

	return d
}

// SniffFormat classifies content by magic bytes: OLE2 compound files are
// xls, zip archives are xlsx and anything textual is csv.
func SniffFormat(sample []byte) string {
	if len(sample) == 0 {
		return FormatUnknown
	}
	for m := mimetype.Detect(sample); m != nil; m = m.Parent() {
		switch {
		case m.Is("application/vnd.ms-excel"), m.Is("application/x-ole-storage"):
			return FormatXLS
		case m.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"), m.Is("application/zip"):
			return FormatXLSX
		case m.Is("text/csv"), m.Is("text/plain"):
			return FormatCSV
		}
	}
	return FormatUnknown
}

// SniffMIME returns the detected MIME type of a sample.
func SniffMIME(sample []byte) string {
	return mimetype.Detect(sample).String()
}

// DetectVendor returns the first vendor hinted by the file name or sample.
func DetectVendor(meta FileMeta, sample []byte) string {
	name := strings.ToLower(meta.FileName)
	for _, h := range vendorHints {
		if strings.Contains(name, h.hint) {
			return h.vendor
		}
	}
	lower := bytes.ToLower(sample)
	for _, h := range vendorHints {
		if bytes.Contains(lower, []byte(h.hint)) {
			return h.vendor
		}
	}
	return ""
}

// VendorSheet returns the worksheet a vendor exports readings to, or "".
func VendorSheet(vendor string) string {
	return vendorSheets[vendor]
}

func firstLine(sample []byte) []byte {
	if i := bytes.IndexAny(sample, "\r\n"); i >= 0 {
		return sample[:i]
	}
	return sample
}
