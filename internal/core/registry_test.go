package core

import (
	"context"
	"reflect"
	"testing"
)

type stubParser struct {
	name   string
	accept bool
	panics bool
}

func (s *stubParser) Name() string { return s.name }

func (s *stubParser) Detect(FileMeta, []byte) bool {
	if s.panics {
		panic("boom")
	}
	return s.accept
}

func (s *stubParser) Parse(context.Context, FileMeta, ParseOptions) (RowReader, error) {
	return nil, nil
}

func (s *stubParser) Normalize(raw RawRow, rctx RowContext) (NormalizedRow, *RowError) {
	return normalizeRow(raw, rctx, false)
}

func TestParserRegistryFindOrder(t *testing.T) {
	reg := NewParserRegistry(
		&stubParser{name: "first", accept: false},
		&stubParser{name: "second", accept: true},
		&stubParser{name: "third", accept: true},
	)

	p, ok := reg.Find(FileMeta{FileName: "a.csv", Extension: "csv"}, nil)
	if !ok {
		t.Fatal("Find() ok = false, want true")
	}
	if p.Name() != "second" {
		t.Errorf("Find() = %q, want %q", p.Name(), "second")
	}
}

func TestParserRegistryPanickingDetect(t *testing.T) {
	reg := NewParserRegistry(
		&stubParser{name: "explodes", panics: true},
		&stubParser{name: "fallback", accept: true},
	)

	p, ok := reg.Find(FileMeta{FileName: "a.csv"}, nil)
	if !ok || p.Name() != "fallback" {
		t.Errorf("Find() = %v, %v; want fallback, true", p, ok)
	}
}

func TestParserRegistryNoMatch(t *testing.T) {
	reg := NewParserRegistry(&stubParser{name: "never"})
	if _, ok := reg.Find(FileMeta{FileName: "a.pdf"}, nil); ok {
		t.Error("Find() ok = true, want false")
	}
}

func TestParserRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register() of duplicate name did not panic")
		}
	}()
	NewParserRegistry(&stubParser{name: "dup"}, &stubParser{name: "dup"})
}

func TestDefaultRegistryNames(t *testing.T) {
	got := DefaultRegistry().Names()
	want := []string{"elitech-legacy-xls", "xls", "xlsx", "csv"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestDefaultRegistryRouting(t *testing.T) {
	ole := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, make([]byte, 504)...)
	zipMagic := []byte("PK\x03\x04\x14\x00\x06\x00\x08\x00\x00\x00!\x00")
	text := []byte("Data/Hora;Temperatura\n01/02/2024 10:00;4,2\n")

	tests := []struct {
		name   string
		meta   FileMeta
		sample []byte
		want   string
		wantOK bool
	}{
		{"csv text", FileMeta{FileName: "log.csv", Extension: "csv"}, text, "csv", true},
		{"txt text", FileMeta{FileName: "log.txt", Extension: "txt"}, text, "csv", true},
		{"xlsx zip", FileMeta{FileName: "log.xlsx", Extension: "xlsx"}, zipMagic, "xlsx", true},
		{"xls ole", FileMeta{FileName: "log.xls", Extension: "xls"}, ole, "xls", true},
		{"elitech xls", FileMeta{FileName: "Elitech_RC-4HC_123.xls", Extension: "xls"}, ole, "elitech-legacy-xls", true},
		{"xlsx with text content", FileMeta{FileName: "fake.xlsx", Extension: "xlsx"}, text, "", false},
		{"xls with zip content", FileMeta{FileName: "fake.xls", Extension: "xls"}, zipMagic, "", false},
		{"unknown extension", FileMeta{FileName: "report.pdf", Extension: "pdf"}, []byte("%PDF-1.4"), "", false},
	}

	reg := DefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := reg.Find(tt.meta, tt.sample)
			if ok != tt.wantOK {
				t.Fatalf("Find() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && p.Name() != tt.want {
				t.Errorf("Find() = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}
