package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript creates a shell script that stands in for the converter.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "convert.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecConverterRows(t *testing.T) {
	script := writeScript(t, `cat <<'EOF'
{"timestamp": "2024-03-05T10:00:00", "temperature": 4.2, "humidity": 55.0}
{"error": "cell C3 unreadable"}
not json
{"timestamp": "2024-03-05T10:10:00", "temperature": null, "humidity": null}
EOF
`)
	conv := NewExecConverter("sh", script, 5*time.Second)

	r, err := conv.Convert(context.Background(), FileMeta{FileName: "a.xls", AbsolutePath: "/tmp/a.xls"}, ConvertOptions{Sheet: "Lista"})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	defer r.Close()

	if h := r.Header(); strings.Join(h, ",") != "timestamp,temperature,humidity" {
		t.Errorf("Header() = %v", h)
	}
	rows := readAllRows(t, r)
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	if rows[0].Cells[1].Num != 4.2 || rows[0].Err != "" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].Err != "cell C3 unreadable" {
		t.Errorf("rows[1].Err = %q", rows[1].Err)
	}
	if rows[2].Err != "malformed converter output" || rows[2].Index != 3 {
		t.Errorf("rows[2] = %+v", rows[2])
	}
	if !rows[3].Cells[1].IsEmpty() {
		t.Errorf("null temperature should be an empty cell, got %+v", rows[3].Cells[1])
	}

	// Converter rows flow through the fixed converter layout.
	v, err := NewRowValidator(ConverterLayout, r.Header())
	if err != nil {
		t.Fatalf("NewRowValidator() error = %v", err)
	}
	sensor := &Sensor{ID: "s"}
	if _, rerr, _ := v.Validate(rows[0], RowContext{Sensor: sensor}); rerr != nil {
		t.Errorf("Validate(rows[0]) error = %v", rerr)
	}
	if _, rerr, _ := v.Validate(rows[1], RowContext{Sensor: sensor}); rerr == nil || rerr.Category != CategoryFormat {
		t.Errorf("Validate(rows[1]) = %v, want format error", rerr)
	}
	if _, rerr, _ := v.Validate(rows[3], RowContext{Sensor: sensor}); rerr == nil || rerr.Category != CategoryValidation {
		t.Errorf("Validate(rows[3]) = %v, want validation error", rerr)
	}
}

func TestExecConverterPassesArguments(t *testing.T) {
	script := writeScript(t, `printf '{"error": "%s|%s"}\n' "$1" "$2"`)
	conv := NewExecConverter("sh", script, 5*time.Second)

	r, err := conv.Convert(context.Background(), FileMeta{FileName: "a.xls", AbsolutePath: "/data/a.xls"}, ConvertOptions{Sheet: "Dados"})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	rows := readAllRows(t, r)
	if len(rows) != 1 || rows[0].Err != "/data/a.xls|Dados" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestExecConverterFailures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		timeout time.Duration
		wantMsg string
	}{
		{name: "non-zero exit", body: `echo '{"error": "Read error: unsupported"}'; exit 3`, timeout: 5 * time.Second, wantMsg: "Read error: unsupported"},
		{name: "stderr message", body: `echo "Traceback: boom" >&2; exit 1`, timeout: 5 * time.Second, wantMsg: "Traceback: boom"},
		{name: "timeout", body: `exec sleep 5`, timeout: 100 * time.Millisecond, wantMsg: "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeScript(t, tt.body)
			conv := NewExecConverter("sh", script, tt.timeout)

			_, err := conv.Convert(context.Background(), FileMeta{FileName: "a.xls", AbsolutePath: "/tmp/a.xls"}, ConvertOptions{})
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("Convert() error = %v, want *FormatError", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestExecConverterStreamsWhileRunning(t *testing.T) {
	release := filepath.Join(t.TempDir(), "release")
	script := writeScript(t, fmt.Sprintf(`echo '{"timestamp": "2024-03-05T10:00:00", "temperature": 1.0}'
echo '{"timestamp": "2024-03-05T10:10:00", "temperature": 2.0}'
echo '{"timestamp": "2024-03-05T10:20:00", "temperature": 3.0}'
while [ ! -f %q ]; do sleep 0.01; done
echo '{"timestamp": "2024-03-05T10:30:00", "temperature": 4.0}'
`, release))
	conv := NewExecConverter("sh", script, 5*time.Second)

	start := time.Now()
	r, err := conv.Convert(context.Background(), FileMeta{FileName: "a.xls", AbsolutePath: "/tmp/a.xls"}, ConvertOptions{})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	defer r.Close()
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("Convert() waited %v for the converter to exit", waited)
	}

	for i := 1; i <= 3; i++ {
		row, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if row.Cells[1].Num != float64(i) {
			t.Errorf("row %d temperature = %v", i, row.Cells[1].Num)
		}
	}
	if p := r.Progress(); p != 0 {
		t.Errorf("Progress() while running = %v, want 0", p)
	}

	if err := os.WriteFile(release, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	row, err := r.Next()
	if err != nil || row.Cells[1].Num != 4 {
		t.Fatalf("Next() after release = %+v, %v", row, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
	if p := r.Progress(); p != 1 {
		t.Errorf("Progress() after exit = %v, want 1", p)
	}
}

func TestExecConverterFailureAfterRows(t *testing.T) {
	script := writeScript(t, `echo '{"timestamp": "2024-03-05T10:00:00", "temperature": 1.0}'
echo '{"timestamp": "2024-03-05T10:10:00", "temperature": 2.0}'
echo '{"timestamp": "2024-03-05T10:20:00", "temperature": 3.0}'
echo "MemoryError" >&2
exit 2
`)
	conv := NewExecConverter("sh", script, 5*time.Second)

	r, err := conv.Convert(context.Background(), FileMeta{FileName: "a.xls", AbsolutePath: "/tmp/a.xls"}, ConvertOptions{})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	defer r.Close()

	var got int
	for {
		_, err = r.Next()
		if err != nil {
			break
		}
		got++
	}
	if got != 3 {
		t.Errorf("read %d rows before the failure, want 3", got)
	}
	if !IsFormatError(err) || !strings.Contains(err.Error(), "MemoryError") {
		t.Errorf("Next() error = %v, want format error with stderr", err)
	}
}

func TestExecConverterCloseStopsConverter(t *testing.T) {
	script := writeScript(t, `echo '{"timestamp": "2024-03-05T10:00:00", "temperature": 1.0}'
echo '{"timestamp": "2024-03-05T10:10:00", "temperature": 2.0}'
exec sleep 30
`)
	conv := NewExecConverter("sh", script, time.Minute)

	r, err := conv.Convert(context.Background(), FileMeta{FileName: "a.xls", AbsolutePath: "/tmp/a.xls"}, ConvertOptions{})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not stop the converter")
	}
}

func TestExecConverterMissingBinary(t *testing.T) {
	conv := NewExecConverter("definitely-not-a-real-binary", "script.py", time.Second)
	_, err := conv.Convert(context.Background(), FileMeta{FileName: "a.xls"}, ConvertOptions{})
	if !IsFormatError(err) {
		t.Errorf("Convert() error = %v, want *FormatError", err)
	}
}

func TestNewExecConverterDefaults(t *testing.T) {
	conv := NewExecConverter("", "s.py", 0)
	if conv.Bin != DefaultConverterBin || conv.Timeout != DefaultConverterTimeout {
		t.Errorf("defaults = %q, %v", conv.Bin, conv.Timeout)
	}
}
